package offers

import (
	"context"
	"fmt"
	"time"

	"github.com/adamavenir/tally/internal/settlement"
	"github.com/adamavenir/tally/internal/types"
	"go.uber.org/zap"
)

// RSVPResult is the outcome of an RSVP transition.
type RSVPResult struct {
	RSVP      types.RSVP      `json:"rsvp"`
	Offer     types.Offer     `json:"offer"`
	Operation types.Operation `json:"operation"`
	EventID   string          `json:"event_id,omitempty"`
	Confirmed bool            `json:"confirmed"`
}

// RSVP registers accountID on offerID and pays the RSVP cost to the primary
// author. The offer is confirmed the first time active RSVPs reach minRsvps.
// Every precondition is checked before anything is written.
func (s *Service) RSVP(ctx context.Context, offerID, accountID string) (RSVPResult, error) {
	unlock := s.Locks.Lock(offerKey(offerID), accountKey(accountID))
	defer unlock()

	offer, err := s.Store.Offer(offerID)
	if err != nil {
		return RSVPResult{}, err
	}
	now := s.now()
	if offer.Status == types.OfferStatusCancelled {
		return RSVPResult{}, fmt.Errorf("%w: %s", types.ErrOfferCancelled, offerID)
	}
	if offer.IsAuthor(accountID) {
		return RSVPResult{}, types.ErrOwnOffer
	}
	if !now.Before(offer.StartTime) {
		return RSVPResult{}, fmt.Errorf("%w: %s", types.ErrEventStarted, offerID)
	}
	rsvps, err := s.Store.ActiveRSVPs(offerID)
	if err != nil {
		return RSVPResult{}, err
	}
	for _, rsvp := range rsvps {
		if rsvp.AccountID == accountID {
			return RSVPResult{}, types.ErrDuplicateActiveRSVP
		}
	}
	if err := s.requireFunds(accountID, RSVPCost); err != nil {
		return RSVPResult{}, err
	}

	rsvp := types.RSVP{
		OfferID:    offerID,
		AccountID:  accountID,
		Status:     types.RSVPStatusActive,
		TokensPaid: RSVPCost,
		CreatedAt:  now,
	}
	if err := s.Store.AppendRSVP(rsvp); err != nil {
		return RSVPResult{}, err
	}
	emission, err := s.Emitter.Emit(ctx, settlement.Request{
		Method:      types.SettlementMethodTransfer,
		Context:     types.ContextRSVP,
		Sender:      accountID,
		Recipient:   offer.PrimaryAuthor(),
		Amount:      RSVPCost,
		Description: "RSVP for " + offerID,
		OpType:      types.OperationTypeRSVP,
	})
	if err != nil {
		withdrawn := rsvp
		withdrawn.Status = types.RSVPStatusCancelled
		s.compensate(withdrawn)
		return RSVPResult{}, fmt.Errorf("charge rsvp: %w", err)
	}

	offer, confirmed, err := s.recount(offer, now)
	if err != nil {
		return RSVPResult{}, err
	}
	if confirmed {
		s.Logger.Info("offer confirmed",
			zap.String("offer", offerID),
			zap.Int("rsvps", offer.RSVPCount),
			zap.Int("min_rsvps", offer.MinRSVPs),
		)
	}
	return RSVPResult{
		RSVP:      rsvp,
		Offer:     offer,
		Operation: emission.Operation,
		EventID:   emission.Event.ID,
		Confirmed: confirmed,
	}, nil
}

// compensate appends a record that undoes an RSVP change whose settlement
// could not be queued. It shares the timestamp of the record it undoes, so it
// wins replay by append order.
func (s *Service) compensate(rsvp types.RSVP) {
	if err := s.Store.AppendRSVP(rsvp); err != nil {
		s.Logger.Error("rsvp record out of step with settlements",
			zap.String("offer", rsvp.OfferID),
			zap.String("account", rsvp.AccountID),
			zap.String("status", string(rsvp.Status)),
			zap.Error(err),
		)
	}
}

// recount stores the active RSVP count and applies the confirmation rule.
// Offers never leave confirmed because RSVPs drop.
func (s *Service) recount(offer types.Offer, now time.Time) (types.Offer, bool, error) {
	active, err := s.Store.ActiveRSVPs(offer.ID)
	if err != nil {
		return types.Offer{}, false, err
	}
	offer.RSVPCount = len(active)
	confirmed := false
	switch offer.Status {
	case types.OfferStatusPending, types.OfferStatusTentative:
		if offer.RSVPCount >= offer.MinRSVPs {
			offer.Status = types.OfferStatusConfirmed
			at := now
			offer.ConfirmedAt = &at
			confirmed = true
		} else if offer.RSVPCount > 0 {
			offer.Status = types.OfferStatusTentative
		}
	}
	saved, err := s.saveOffer(offer, now)
	return saved, confirmed, err
}

// CancelRSVP withdraws an active RSVP before the event starts and refunds
// what was paid. RSVPs on a cancelled offer are settled by CancelOffer.
func (s *Service) CancelRSVP(ctx context.Context, offerID, accountID string) (RSVPResult, error) {
	unlock := s.Locks.Lock(offerKey(offerID), accountKey(accountID))
	defer unlock()

	offer, err := s.Store.Offer(offerID)
	if err != nil {
		return RSVPResult{}, err
	}
	now := s.now()
	if offer.Status == types.OfferStatusCancelled {
		return RSVPResult{}, fmt.Errorf("%w: %s", types.ErrOfferCancelled, offerID)
	}
	if !now.Before(offer.StartTime) {
		return RSVPResult{}, fmt.Errorf("%w: %s", types.ErrEventStarted, offerID)
	}
	active, err := s.Store.ActiveRSVPs(offerID)
	if err != nil {
		return RSVPResult{}, err
	}
	var current *types.RSVP
	for i := range active {
		if active[i].AccountID == accountID {
			current = &active[i]
			break
		}
	}
	if current == nil {
		return RSVPResult{}, types.ErrNoActiveRSVP
	}

	cancelled := *current
	cancelled.Status = types.RSVPStatusCancelled
	cancelled.CreatedAt = now
	if err := s.Store.AppendRSVP(cancelled); err != nil {
		return RSVPResult{}, err
	}

	var emission settlement.Emission
	if current.TokensPaid > 0 {
		emission, err = s.Emitter.Emit(ctx, settlement.Request{
			Method:      types.SettlementMethodTransfer,
			Context:     types.ContextRefund,
			Sender:      offer.PrimaryAuthor(),
			Recipient:   accountID,
			Amount:      current.TokensPaid,
			Description: "RSVP refund for " + offerID,
		})
		if err != nil {
			restored := *current
			restored.CreatedAt = now
			s.compensate(restored)
			return RSVPResult{}, fmt.Errorf("refund rsvp: %w", err)
		}
	}

	offer, _, err = s.recount(offer, now)
	if err != nil {
		return RSVPResult{}, err
	}
	return RSVPResult{
		RSVP:      cancelled,
		Offer:     offer,
		Operation: emission.Operation,
		EventID:   emission.Event.ID,
	}, nil
}

package offers

import (
	"context"
	"fmt"
	"time"

	"github.com/adamavenir/tally/internal/settlement"
	"github.com/adamavenir/tally/internal/types"
	"go.uber.org/zap"
)

// CancelResult reports an offer cancellation and the refunds it queued.
type CancelResult struct {
	Offer        types.Offer `json:"offer"`
	Refundable   bool        `json:"refundable"`
	Refunds      []string    `json:"refunds,omitempty"`
	RefundErrors int         `json:"refund_errors"`
}

// RefundEligible reports whether cancelling offer at now refunds its costs.
// Private offers refund only when cancelled strictly more than an hour before
// the start; every other type always refunds.
func RefundEligible(offer types.Offer, now time.Time) bool {
	if offer.Type != types.OfferTypePrivate {
		return true
	}
	return now.Before(offer.StartTime.Add(-PrivateRefundWindow))
}

// CancelOffer moves an offer to cancelled and, when eligible, refunds the
// publication cost to the primary author and each active attendee's RSVP.
// Refunds are best-effort: failures are logged and counted, never returned.
// An attendee whose refund was queued has their RSVP recorded as cancelled.
func (s *Service) CancelOffer(ctx context.Context, offerID string) (CancelResult, error) {
	unlock := s.Locks.Lock(offerKey(offerID))
	defer unlock()

	offer, err := s.Store.Offer(offerID)
	if err != nil {
		return CancelResult{}, err
	}
	if offer.Status == types.OfferStatusCancelled {
		return CancelResult{}, fmt.Errorf("%w: offer %s is already cancelled", types.ErrInvalidStateTransition, offerID)
	}
	active, err := s.Store.ActiveRSVPs(offerID)
	if err != nil {
		return CancelResult{}, err
	}

	now := s.now()
	offer.Status = types.OfferStatusCancelled
	at := now
	offer.CancelledAt = &at
	offer, err = s.saveOffer(offer, now)
	if err != nil {
		return CancelResult{}, err
	}

	result := CancelResult{Offer: offer, Refundable: RefundEligible(offer, now)}
	logger := s.Logger.With(zap.String("offer", offerID))
	if !result.Refundable {
		logger.Info("offer cancelled without refund", zap.Time("start", offer.StartTime))
		return result, nil
	}

	refund := func(req settlement.Request) bool {
		emission, err := s.Emitter.Emit(ctx, req)
		if err != nil {
			result.RefundErrors++
			logger.Error("refund not queued",
				zap.String("recipient", req.Recipient),
				zap.Int64("amount", req.Amount),
				zap.Error(err),
			)
			return false
		}
		result.Refunds = append(result.Refunds, emission.Operation.ID)
		return true
	}

	author := offer.PrimaryAuthor()
	if offer.PublicationCost > 0 {
		refund(settlement.Request{
			Method:      types.SettlementMethodMint,
			Context:     types.ContextRefund,
			Recipient:   author,
			Amount:      offer.PublicationCost,
			Description: "Publication refund for " + offerID,
		})
	}
	for _, rsvp := range active {
		if rsvp.TokensPaid <= 0 {
			continue
		}
		refunded := refund(settlement.Request{
			Method:      types.SettlementMethodTransfer,
			Context:     types.ContextRefund,
			Sender:      author,
			Recipient:   rsvp.AccountID,
			Amount:      rsvp.TokensPaid,
			Description: "Cancellation refund for " + offerID,
		})
		if !refunded {
			continue
		}
		closed := rsvp
		closed.Status = types.RSVPStatusCancelled
		closed.CreatedAt = now
		if err := s.Store.AppendRSVP(closed); err != nil {
			logger.Error("refunded rsvp left active",
				zap.String("account", rsvp.AccountID),
				zap.Error(err),
			)
		}
	}
	logger.Info("offer cancelled",
		zap.Int("refunds", len(result.Refunds)),
		zap.Int("refund_errors", result.RefundErrors),
	)
	return result, nil
}

// RewardResult reports the attendance rewards queued for an offer.
type RewardResult struct {
	Offer        types.Offer `json:"offer"`
	Rewards      []string    `json:"rewards,omitempty"`
	RewardErrors int         `json:"reward_errors"`
}

// RewardAttendees mints rewardPerAttendee to every active attendee of a
// confirmed offer once it has started. An offer is rewarded at most once;
// rewardedAt is recorded before any mint is queued.
func (s *Service) RewardAttendees(ctx context.Context, offerID string) (RewardResult, error) {
	unlock := s.Locks.Lock(offerKey(offerID))
	defer unlock()

	offer, err := s.Store.Offer(offerID)
	if err != nil {
		return RewardResult{}, err
	}
	now := s.now()
	switch {
	case offer.Status != types.OfferStatusConfirmed:
		return RewardResult{}, fmt.Errorf("%w: offer %s is %s", types.ErrInvalidStateTransition, offerID, offer.Status)
	case offer.RewardedAt != nil:
		return RewardResult{}, fmt.Errorf("%w: offer %s already rewarded", types.ErrInvalidStateTransition, offerID)
	case now.Before(offer.StartTime):
		return RewardResult{}, fmt.Errorf("%w: %s", types.ErrEventNotStarted, offerID)
	}
	active, err := s.Store.ActiveRSVPs(offerID)
	if err != nil {
		return RewardResult{}, err
	}

	at := now
	offer.RewardedAt = &at
	offer, err = s.saveOffer(offer, now)
	if err != nil {
		return RewardResult{}, err
	}
	result := RewardResult{Offer: offer}
	if offer.RewardPerAttendee <= 0 {
		return result, nil
	}
	for _, rsvp := range active {
		emission, err := s.Emitter.Emit(ctx, settlement.Request{
			Method:      types.SettlementMethodMint,
			Context:     types.ContextAttendanceReward,
			Recipient:   rsvp.AccountID,
			Amount:      offer.RewardPerAttendee,
			Description: "Attendance reward for " + offerID,
		})
		if err != nil {
			result.RewardErrors++
			s.Logger.Error("attendance reward not queued",
				zap.String("offer", offerID),
				zap.String("recipient", rsvp.AccountID),
				zap.Error(err),
			)
			continue
		}
		result.Rewards = append(result.Rewards, emission.Operation.ID)
	}
	return result, nil
}

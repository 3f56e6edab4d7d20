// Package offers runs the offer and RSVP state machine and decides which
// settlement operations each transition produces.
package offers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/adamavenir/tally/internal/core"
	"github.com/adamavenir/tally/internal/db"
	"github.com/adamavenir/tally/internal/settlement"
	"github.com/adamavenir/tally/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultTreasury = "treasury"
	DefaultType     = "public"

	// RSVPCost is what one RSVP moves from the attendee to the primary author.
	RSVPCost int64 = 1

	// PrivateRefundWindow is how far ahead of the start a private offer must
	// be cancelled for its publication cost to be refunded.
	PrivateRefundWindow = time.Hour
)

// Emitter queues settlement requests.
type Emitter interface {
	Emit(ctx context.Context, req settlement.Request) (settlement.Emission, error)
}

// Balances reports derived account balances.
type Balances interface {
	Balance(accountID string) (types.Balance, error)
}

// Service applies offer and RSVP transitions. Transitions touching the same
// offer or account are serialized in-process.
type Service struct {
	Store    *db.OfferStore
	Balances Balances
	Emitter  Emitter
	Locks    *db.Locker
	Treasury string
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() (string, error)
}

func NewService(store *db.OfferStore, balances Balances, emitter Emitter, locks *db.Locker, logger *zap.Logger) *Service {
	if locks == nil {
		locks = db.NewLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:    store,
		Balances: balances,
		Emitter:  emitter,
		Locks:    locks,
		Treasury: DefaultTreasury,
		Logger:   logger,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() (string, error) {
	if s.NewID != nil {
		return s.NewID()
	}
	return core.GenerateGUID("ofr")
}

func offerKey(id string) string   { return "offer:" + id }
func accountKey(id string) string { return "account:" + id }

// NewOffer holds the author-supplied fields of an offer.
type NewOffer struct {
	Type              string    `json:"type"`
	Title             string    `json:"title"`
	Authors           []string  `json:"authors"`
	MinRSVPs          int       `json:"minRsvps"`
	PublicationCost   int64     `json:"publicationCost"`
	RewardPerAttendee int64     `json:"rewardPerAttendee"`
	StartTime         time.Time `json:"startTime"`
}

func (s *Service) validateNewOffer(in NewOffer) error {
	if len(in.Authors) == 0 {
		return errors.New("an offer needs at least one author")
	}
	seen := make(map[string]bool, len(in.Authors))
	for _, author := range in.Authors {
		if strings.TrimSpace(author) == "" {
			return errors.New("author ids must not be empty")
		}
		if seen[author] {
			return fmt.Errorf("author %s listed twice", author)
		}
		seen[author] = true
	}
	if in.MinRSVPs < 1 {
		return fmt.Errorf("minRsvps must be at least 1, got %d", in.MinRSVPs)
	}
	if in.PublicationCost < 0 || in.RewardPerAttendee < 0 {
		return types.ErrInvalidAmount
	}
	if in.StartTime.IsZero() {
		return errors.New("offer start time is required")
	}
	if !in.StartTime.After(s.now()) {
		return fmt.Errorf("%w: start time %s is not in the future", types.ErrEventStarted, in.StartTime.Format(time.RFC3339))
	}
	return nil
}

// CreateOffer stores a pending offer and charges its publication cost to the
// primary author.
func (s *Service) CreateOffer(ctx context.Context, in NewOffer) (types.Offer, error) {
	if err := s.validateNewOffer(in); err != nil {
		return types.Offer{}, err
	}
	author := in.Authors[0]
	unlock := s.Locks.Lock(accountKey(author))
	defer unlock()

	if in.PublicationCost > 0 {
		if err := s.requireFunds(author, in.PublicationCost); err != nil {
			return types.Offer{}, err
		}
	}

	id, err := s.newID()
	if err != nil {
		return types.Offer{}, err
	}
	now := s.now()
	offerType := strings.TrimSpace(in.Type)
	if offerType == "" {
		offerType = DefaultType
	}
	offer := types.Offer{
		ID:                id,
		Type:              offerType,
		Title:             in.Title,
		Status:            types.OfferStatusPending,
		Authors:           append([]string(nil), in.Authors...),
		MinRSVPs:          in.MinRSVPs,
		PublicationCost:   in.PublicationCost,
		RewardPerAttendee: in.RewardPerAttendee,
		StartTime:         in.StartTime,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if in.PublicationCost > 0 {
		if _, err := s.Emitter.Emit(ctx, settlement.Request{
			Method:      types.SettlementMethodTransfer,
			Context:     types.ContextOfferPublication,
			Sender:      author,
			Recipient:   s.Treasury,
			Amount:      in.PublicationCost,
			Description: "Publication of " + id,
		}); err != nil {
			return types.Offer{}, fmt.Errorf("charge publication cost: %w", err)
		}
	}
	if err := s.Store.AppendOffer(offer); err != nil {
		s.Logger.Error("offer publication charged but offer not stored",
			zap.String("offer", id),
			zap.String("author", author),
			zap.Error(err),
		)
		return types.Offer{}, err
	}
	s.Logger.Info("offer created", zap.String("offer", id), zap.String("author", author))
	return offer, nil
}

func (s *Service) requireFunds(accountID string, amount int64) error {
	balance, err := s.Balances.Balance(accountID)
	if err != nil {
		return err
	}
	if balance.Total < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", types.ErrInsufficientBalance, accountID, balance.Total, amount)
	}
	return nil
}

// Get returns one offer.
func (s *Service) Get(offerID string) (types.Offer, error) {
	return s.Store.Offer(offerID)
}

// List returns offers, optionally restricted to the given statuses.
func (s *Service) List(statuses ...types.OfferStatus) ([]types.Offer, error) {
	offers, err := s.Store.Offers()
	if err != nil || len(statuses) == 0 {
		return offers, err
	}
	keep := make(map[types.OfferStatus]bool, len(statuses))
	for _, status := range statuses {
		keep[status] = true
	}
	filtered := offers[:0]
	for _, offer := range offers {
		if keep[offer.Status] {
			filtered = append(filtered, offer)
		}
	}
	return filtered, nil
}

// Attendees returns the active RSVPs of an offer, oldest first.
func (s *Service) Attendees(offerID string) ([]types.RSVP, error) {
	if _, err := s.Store.Offer(offerID); err != nil {
		return nil, err
	}
	active, err := s.Store.ActiveRSVPs(offerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// saveOffer appends a new snapshot stamped with now.
func (s *Service) saveOffer(offer types.Offer, now time.Time) (types.Offer, error) {
	offer.UpdatedAt = now
	if err := s.Store.AppendOffer(offer); err != nil {
		return types.Offer{}, err
	}
	return offer, nil
}

package db

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/adamavenir/tally/internal/ledger"
	"github.com/adamavenir/tally/internal/types"
	"go.uber.org/zap"
)

// OfferStore persists offer snapshots and per-offer RSVP logs as JSONL.
type OfferStore struct {
	dir    string
	logger *zap.Logger
}

// NewOfferStore creates an offer store rooted at dataDir.
func NewOfferStore(dataDir string, logger *zap.Logger) *OfferStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OfferStore{dir: dataDir, logger: logger}
}

func (s *OfferStore) offersPath() string {
	return filepath.Join(s.dir, offersFile)
}

func (s *OfferStore) rsvpPath(offerID string) (string, error) {
	name, err := fileName(offerID)
	if err != nil {
		return "", fmt.Errorf("rsvp path: %w", err)
	}
	return filepath.Join(s.dir, rsvpsDir, name), nil
}

// AppendOffer appends an offer snapshot; the newest UpdatedAt wins on replay.
func (s *OfferStore) AppendOffer(offer types.Offer) error {
	if offer.ID == "" {
		return errors.New("offer id is required")
	}
	if offer.UpdatedAt.IsZero() {
		return errors.New("offer updatedAt is required")
	}
	return appendJSONLine(s.offersPath(), offer)
}

// Offers returns the current snapshot of every offer, oldest first.
func (s *OfferStore) Offers() ([]types.Offer, error) {
	records, skipped, err := readJSONLFile[types.Offer](s.offersPath())
	if err != nil {
		return nil, fmt.Errorf("load offers: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped unparseable offer lines", zap.Int("skipped", skipped))
	}
	offers := ledger.Offers(records)
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].CreatedAt.Before(offers[j].CreatedAt)
	})
	return offers, nil
}

// Offer returns one offer by id.
func (s *OfferStore) Offer(id string) (types.Offer, error) {
	offers, err := s.Offers()
	if err != nil {
		return types.Offer{}, err
	}
	for _, offer := range offers {
		if offer.ID == id {
			return offer, nil
		}
	}
	return types.Offer{}, fmt.Errorf("%w: %s", types.ErrOfferNotFound, id)
}

// AppendRSVP appends an RSVP record to the offer's log.
func (s *OfferStore) AppendRSVP(rsvp types.RSVP) error {
	if rsvp.AccountID == "" {
		return errors.New("rsvp account is required")
	}
	path, err := s.rsvpPath(rsvp.OfferID)
	if err != nil {
		return err
	}
	return appendJSONLine(path, rsvp)
}

// RSVPs returns the current RSVP of every account on offerID.
func (s *OfferStore) RSVPs(offerID string) ([]types.RSVP, error) {
	path, err := s.rsvpPath(offerID)
	if err != nil {
		return nil, err
	}
	records, skipped, err := readJSONLFile[types.RSVP](path)
	if err != nil {
		return nil, fmt.Errorf("load rsvps %s: %w", offerID, err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped unparseable rsvp lines",
			zap.String("offer", offerID),
			zap.Int("skipped", skipped),
		)
	}
	return ledger.RSVPs(records), nil
}

// ActiveRSVPs returns only the active RSVPs on offerID.
func (s *OfferStore) ActiveRSVPs(offerID string) ([]types.RSVP, error) {
	rsvps, err := s.RSVPs(offerID)
	if err != nil {
		return nil, err
	}
	return ledger.ActiveRSVPs(rsvps), nil
}

// Package ledger holds the pure replay logic behind the append-only logs:
// folding raw records into current state and deriving balances. Nothing here
// touches the filesystem.
package ledger

import (
	"time"

	"github.com/adamavenir/tally/internal/types"
)

// Latest folds records into the newest record per key. Records must be in
// append order; on equal timestamps the later record wins. The result keeps
// the order in which each key first appeared.
func Latest[T any](records []T, key func(T) string, at func(T) time.Time) []T {
	index := make(map[string]int, len(records))
	out := make([]T, 0, len(records))
	for _, record := range records {
		k := key(record)
		pos, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, record)
			continue
		}
		if !at(record).Before(at(out[pos])) {
			out[pos] = record
		}
	}
	return out
}

// Operations returns the authoritative operation set of a journal.
func Operations(records []types.Operation) []types.Operation {
	return Latest(records,
		func(op types.Operation) string { return op.ID },
		func(op types.Operation) time.Time { return op.CreatedAt },
	)
}

// Offers returns the current snapshot of every offer.
func Offers(records []types.Offer) []types.Offer {
	return Latest(records,
		func(o types.Offer) string { return o.ID },
		func(o types.Offer) time.Time { return o.UpdatedAt },
	)
}

// RSVPs returns the current RSVP of each account on one offer.
func RSVPs(records []types.RSVP) []types.RSVP {
	return Latest(records,
		func(r types.RSVP) string { return r.AccountID },
		func(r types.RSVP) time.Time { return r.CreatedAt },
	)
}

// ActiveRSVPs filters folded RSVPs down to active ones.
func ActiveRSVPs(rsvps []types.RSVP) []types.RSVP {
	active := make([]types.RSVP, 0, len(rsvps))
	for _, rsvp := range rsvps {
		if rsvp.Status == types.RSVPStatusActive {
			active = append(active, rsvp)
		}
	}
	return active
}

// Find returns the operation with id from a folded set.
func Find(ops []types.Operation, id string) (types.Operation, bool) {
	for _, op := range ops {
		if op.ID == id {
			return op, true
		}
	}
	return types.Operation{}, false
}

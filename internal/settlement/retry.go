package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/adamavenir/tally/internal/db"
	"github.com/adamavenir/tally/internal/sign"
	"github.com/adamavenir/tally/internal/types"
	"go.uber.org/zap"
)

// RetryOutcome reports what Retry did.
type RetryOutcome struct {
	Operation types.Operation `json:"operation"`
	EventID   string          `json:"event_id,omitempty"`
	// Requeued is set when only delivery was retried.
	Requeued bool `json:"requeued"`
}

// Retry re-drives a stuck settlement. A failed operation goes back to queued
// in both journals and gets a freshly signed request, since relays and
// processors dedupe by event id. An operation whose request delivery was
// abandoned is requeued in the outbox as is, and a queued operation with no
// request in the outbox gets one.
func (e *Emitter) Retry(ctx context.Context, accountID, opID string) (RetryOutcome, error) {
	op, err := e.Journal.Get(accountID, opID)
	if err != nil {
		return RetryOutcome{}, err
	}

	if op.Status != types.OperationStatusFailed {
		entry, err := db.GetSettlementByOperation(e.Outbox, opID)
		switch {
		case err == nil && entry.Status == types.OutboxStatusFailed:
			if _, err := db.RequeueSettlement(e.Outbox, opID, e.now().UnixMilli()); err != nil {
				return RetryOutcome{}, err
			}
			e.logger().Info("requeued settlement delivery", zap.String("operation", opID))
			return RetryOutcome{Operation: op, EventID: entry.EventID, Requeued: true}, nil
		case errors.Is(err, db.ErrOutboxEntryNotFound) && op.Status == types.OperationStatusQueued:
			return e.reissue(op)
		case err != nil && !errors.Is(err, db.ErrOutboxEntryNotFound):
			return RetryOutcome{}, err
		}
		return RetryOutcome{}, fmt.Errorf("%w: retry from %s", types.ErrInvalidStateTransition, op.Status)
	}
	if len(e.Key) == 0 {
		return RetryOutcome{}, errors.New("settlement signing key is not configured")
	}

	ev, err := e.resign(op)
	if err != nil {
		return RetryOutcome{}, err
	}

	updated, err := e.Journal.Retry(op.To, opID)
	if err != nil {
		return RetryOutcome{}, err
	}
	if op.From != "" {
		if _, err := e.Journal.Retry(op.From, opID); err != nil && !errors.Is(err, types.ErrOperationNotFound) {
			return RetryOutcome{}, fmt.Errorf("retry sender mirror %s: %w", op.From, err)
		}
	}
	if err := e.enqueue(updated, ev); err != nil {
		return RetryOutcome{}, err
	}
	e.mirror(ev)
	e.logger().Info("retried settlement", zap.String("operation", opID), zap.String("event", ev.ID))
	return RetryOutcome{Operation: updated, EventID: ev.ID}, nil
}

// reissue signs and queues a request for a queued operation that has none in
// the outbox. The journals already say queued, so only the outbox changes.
func (e *Emitter) reissue(op types.Operation) (RetryOutcome, error) {
	if len(e.Key) == 0 {
		return RetryOutcome{}, errors.New("settlement signing key is not configured")
	}
	ev, err := e.resign(op)
	if err != nil {
		return RetryOutcome{}, err
	}
	if err := e.enqueue(op, ev); err != nil {
		return RetryOutcome{}, err
	}
	e.mirror(ev)
	e.logger().Info("reissued missing settlement request", zap.String("operation", op.ID), zap.String("event", ev.ID))
	return RetryOutcome{Operation: op, EventID: ev.ID}, nil
}

// resign copies the previous request for op with a new timestamp. Without a
// previous request one is rebuilt from the operation itself.
func (e *Emitter) resign(op types.Operation) (sign.Event, error) {
	template := sign.Event{Kind: sign.KindSettlementRequest}
	entry, err := db.GetSettlementByOperation(e.Outbox, op.ID)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(entry.Payload), &template); err != nil {
			return sign.Event{}, fmt.Errorf("decode previous request: %w", err)
		}
	case errors.Is(err, db.ErrOutboxEntryNotFound):
		method := types.SettlementMethodTransfer
		if op.From == "" {
			method = types.SettlementMethodMint
		}
		template.Tags = e.requestTags(Request{
			Method:    method,
			Context:   "retry",
			Sender:    op.From,
			Recipient: op.To,
			Amount:    op.Amount,
		}, op, "")
	default:
		return sign.Event{}, err
	}
	if amount, ok := template.Tag("amount"); !ok || amount != strconv.FormatInt(op.Amount, 10) {
		return sign.Event{}, fmt.Errorf("previous request for %s does not match the operation", op.ID)
	}
	template.CreatedAt = e.now().Unix()
	return sign.SignEvent(e.Key, template)
}

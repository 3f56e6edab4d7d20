// Package settlement turns domain decisions into signed settlement requests:
// it records the intended operation in the journals, signs the request, and
// queues it in the outbox for relay delivery. It also applies the receipts
// external processors send back.
package settlement

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adamavenir/tally/internal/db"
	"github.com/adamavenir/tally/internal/sign"
	"github.com/adamavenir/tally/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request describes one value movement to settle.
type Request struct {
	Method      types.SettlementMethod
	Context     string
	Sender      string
	Recipient   string
	Amount      int64
	Description string
	// OpType overrides the journal operation type derived from Method.
	OpType types.OperationType
}

// Emission is what Emit recorded and queued.
type Emission struct {
	Operation types.Operation
	Event     sign.Event
}

// Emitter records operations and queues their signed settlement requests.
// It performs no relay I/O.
type Emitter struct {
	Journal   *db.Journal
	Outbox    *sql.DB
	Key       ed25519.PrivateKey
	Addresses AddressResolver
	Bus       MessageBus

	TokenID string
	ChainID string

	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

func (e *Emitter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Emitter) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Emitter) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func validateRequest(req Request) error {
	if req.Recipient == "" {
		return errors.New("settlement recipient is required")
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: %d", types.ErrInvalidAmount, req.Amount)
	}
	switch req.Method {
	case types.SettlementMethodMint:
	case types.SettlementMethodTransfer:
		if req.Sender == "" {
			return errors.New("transfer requires a sender")
		}
		if req.Sender == req.Recipient {
			return errors.New("transfer sender and recipient must differ")
		}
	default:
		return fmt.Errorf("unknown settlement method %q", req.Method)
	}
	if req.OpType != "" && !req.OpType.Valid() {
		return fmt.Errorf("unknown operation type %q", req.OpType)
	}
	return nil
}

func operationType(req Request) types.OperationType {
	if req.OpType != "" {
		return req.OpType
	}
	if req.Method == types.SettlementMethodMint {
		return types.OperationTypeMint
	}
	return types.OperationTypeTransfer
}

// Emit records a queued operation in the recipient journal (and the sender's,
// for transfers), signs the settlement request and writes it to the outbox.
// The optional bus mirror is best-effort.
func (e *Emitter) Emit(ctx context.Context, req Request) (Emission, error) {
	if err := validateRequest(req); err != nil {
		return Emission{}, err
	}
	if len(e.Key) == 0 {
		return Emission{}, errors.New("settlement signing key is not configured")
	}

	now := e.now()
	op := types.Operation{
		ID:        e.newID(),
		Type:      operationType(req),
		From:      req.Sender,
		To:        req.Recipient,
		Amount:    req.Amount,
		Status:    types.OperationStatusQueued,
		CreatedAt: now,
	}

	address := ""
	if e.Addresses != nil {
		resolved, err := e.Addresses.Resolve(req.Recipient)
		if err != nil {
			return Emission{}, fmt.Errorf("resolve address for %s: %w", req.Recipient, err)
		}
		address = resolved
	}

	ev, err := sign.SignEvent(e.Key, sign.Event{
		Kind:      sign.KindSettlementRequest,
		CreatedAt: now.Unix(),
		Tags:      e.requestTags(req, op, address),
		Content:   req.Description,
	})
	if err != nil {
		return Emission{}, fmt.Errorf("sign settlement request: %w", err)
	}

	if err := e.Journal.Append(op.To, op); err != nil {
		return Emission{}, fmt.Errorf("record operation: %w", err)
	}
	if op.From != "" {
		if err := e.Journal.Append(op.From, op); err != nil {
			return Emission{}, fmt.Errorf("mirror operation to %s: %w", op.From, err)
		}
	}

	if err := e.enqueue(op, ev); err != nil {
		e.abandon(op, err)
		return Emission{}, err
	}
	e.mirror(ev)

	e.logger().Info("settlement requested",
		zap.String("operation", op.ID),
		zap.String("event", ev.ID),
		zap.String("method", string(req.Method)),
		zap.String("context", req.Context),
		zap.String("from", op.From),
		zap.String("to", op.To),
		zap.Int64("amount", op.Amount),
	)
	return Emission{Operation: op, Event: ev}, nil
}

func (e *Emitter) requestTags(req Request, op types.Operation, address string) [][]string {
	tags := [][]string{
		{"recipient", req.Recipient},
	}
	if address != "" {
		tags = append(tags, []string{"address", address})
	}
	if req.Sender != "" {
		tags = append(tags, []string{"sender", req.Sender})
	}
	tags = append(tags,
		[]string{"amount", strconv.FormatInt(req.Amount, 10)},
		[]string{"token", e.TokenID},
		[]string{"chain", e.ChainID},
		[]string{"method", string(req.Method)},
		[]string{"context", req.Context},
		[]string{"op", op.ID},
	)
	return tags
}

func (e *Emitter) enqueue(op types.Operation, ev sign.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode settlement request: %w", err)
	}
	nowMs := e.now().UnixMilli()
	err = db.EnqueueSettlement(e.Outbox, types.OutboxEntry{
		EventID:       ev.ID,
		OperationID:   op.ID,
		FromAccount:   op.From,
		ToAccount:     op.To,
		Payload:       string(payload),
		CreatedAt:     nowMs,
		NextAttemptAt: nowMs,
	})
	if err != nil {
		return fmt.Errorf("queue settlement request: %w", err)
	}
	return nil
}

// abandon marks an operation whose request never reached the outbox as
// failed, so it leaves the pending set and can be retried.
func (e *Emitter) abandon(op types.Operation, cause error) {
	failed := types.OperationStatusFailed
	message := cause.Error()
	patch := types.OperationPatch{Status: &failed, Error: &message}
	for _, account := range []string{op.To, op.From} {
		if account == "" {
			continue
		}
		if _, err := e.Journal.UpdateStatus(account, op.ID, patch); err != nil {
			e.logger().Error("operation left queued without a request",
				zap.String("operation", op.ID),
				zap.String("account", account),
				zap.Error(err),
			)
		}
	}
}

func (e *Emitter) mirror(ev sign.Event) {
	if e.Bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err == nil {
		err = e.Bus.Publish(SubjectRequested, data)
	}
	if err != nil {
		e.logger().Warn("settlement bus mirror failed", zap.String("event", ev.ID), zap.Error(err))
	}
}

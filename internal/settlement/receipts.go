package settlement

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adamavenir/tally/internal/db"
	"github.com/adamavenir/tally/internal/sign"
	"github.com/adamavenir/tally/internal/types"
	"go.uber.org/zap"
)

// ParseReceiptEvent extracts a receipt from a signed kind-7351 event. When
// trusted is non-empty the signer must be one of those public keys.
func ParseReceiptEvent(ev sign.Event, trusted ...string) (types.Receipt, error) {
	if ev.Kind != sign.KindSettlementReceipt {
		return types.Receipt{}, fmt.Errorf("event kind %d is not a settlement receipt", ev.Kind)
	}
	if err := sign.VerifyEvent(ev); err != nil {
		return types.Receipt{}, fmt.Errorf("receipt signature: %w", err)
	}
	if len(trusted) > 0 {
		ok := false
		for _, key := range trusted {
			if key == ev.PubKey {
				ok = true
				break
			}
		}
		if !ok {
			return types.Receipt{}, fmt.Errorf("receipt signed by untrusted key %s", ev.PubKey)
		}
	}
	requestID, _ := ev.Tag("e")
	status, _ := ev.Tag("status")
	ref, _ := ev.Tag("ref")
	reason, _ := ev.Tag("error")
	receipt := types.Receipt{
		RequestID:     requestID,
		SettlementRef: ref,
		Status:        types.ReceiptStatus(status),
		Error:         reason,
	}
	return receipt, validateReceipt(receipt)
}

func validateReceipt(receipt types.Receipt) error {
	if receipt.RequestID == "" {
		return errors.New("receipt is missing the request event id")
	}
	switch receipt.Status {
	case types.ReceiptStatusSuccess, types.ReceiptStatusFailure, types.ReceiptStatusProcessing:
		return nil
	default:
		return fmt.Errorf("unknown receipt status %q", receipt.Status)
	}
}

// ReceiptApplier folds processor receipts back into the journals.
type ReceiptApplier struct {
	Journal *db.Journal
	Outbox  *sql.DB
	Logger  *zap.Logger
	Now     func() time.Time
}

func (a *ReceiptApplier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Apply updates the operation behind receipt.RequestID in the owner journal
// and in the sender's mirror. A confirmed operation is final: later receipts
// for it are ignored, as are processing receipts for failed operations.
func (a *ReceiptApplier) Apply(receipt types.Receipt) (types.Operation, error) {
	if err := validateReceipt(receipt); err != nil {
		return types.Operation{}, err
	}
	entry, err := db.GetSettlement(a.Outbox, receipt.RequestID)
	if err != nil {
		return types.Operation{}, err
	}
	current, err := a.Journal.Get(entry.ToAccount, entry.OperationID)
	if err != nil {
		return types.Operation{}, err
	}
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("operation", current.ID), zap.String("event", receipt.RequestID))

	if current.Status == types.OperationStatusConfirmed ||
		(current.Status == types.OperationStatusFailed && receipt.Status == types.ReceiptStatusProcessing) {
		logger.Info("ignoring receipt for settled operation",
			zap.String("status", string(current.Status)),
			zap.String("receipt", string(receipt.Status)),
		)
		return current, nil
	}

	patch := receiptPatch(receipt, a.now())
	updated, err := a.Journal.UpdateStatus(entry.ToAccount, entry.OperationID, patch)
	if err != nil {
		return types.Operation{}, err
	}
	if entry.FromAccount != "" {
		if _, err := a.Journal.UpdateStatus(entry.FromAccount, entry.OperationID, patch); err != nil {
			return types.Operation{}, fmt.Errorf("update sender mirror %s: %w", entry.FromAccount, err)
		}
	}
	logger.Info("applied settlement receipt", zap.String("status", string(updated.Status)))
	return updated, nil
}

func receiptPatch(receipt types.Receipt, now time.Time) types.OperationPatch {
	var patch types.OperationPatch
	status := types.OperationStatusProcessing
	switch receipt.Status {
	case types.ReceiptStatusSuccess:
		status = types.OperationStatusConfirmed
		patch.ProcessedAt = &now
		patch.ClearError = true
	case types.ReceiptStatusFailure:
		status = types.OperationStatusFailed
		patch.ProcessedAt = &now
		reason := receipt.Error
		if reason == "" {
			reason = "settlement failed"
		}
		patch.Error = &reason
	}
	patch.Status = &status
	if receipt.SettlementRef != "" {
		ref := receipt.SettlementRef
		patch.SettlementRef = &ref
	}
	return patch
}

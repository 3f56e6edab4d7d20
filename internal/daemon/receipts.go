package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adamavenir/tally/internal/settlement"
	"github.com/adamavenir/tally/internal/sign"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// receiptWorker consumes settlement.receipts. Messages are signed kind-7351
// receipt events. The queue group makes sure a receipt is applied by one
// daemon even when several are running.
func (d *Daemon) receiptWorker(ctx context.Context) error {
	sub, err := d.nc.QueueSubscribe(settlement.SubjectReceipts, d.cfg.ReceiptQueue, func(m *nats.Msg) {
		if err := d.handleReceipt(m.Data); err != nil {
			d.logger.Warn("receipt not applied", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", settlement.SubjectReceipts, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (d *Daemon) handleReceipt(data []byte) error {
	var ev sign.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode receipt: %w", err)
	}
	receipt, err := settlement.ParseReceiptEvent(ev, d.cfg.TrustedProcessors...)
	if err != nil {
		return fmt.Errorf("reject receipt %s: %w", ev.ID, err)
	}
	op, err := d.receipts.Apply(receipt)
	if err != nil {
		return fmt.Errorf("apply receipt %s: %w", receipt.RequestID, err)
	}
	d.logger.Info("receipt applied",
		zap.String("event", receipt.RequestID),
		zap.String("receipt", ev.ID),
		zap.String("operation", op.ID),
		zap.String("status", string(op.Status)),
	)
	return nil
}

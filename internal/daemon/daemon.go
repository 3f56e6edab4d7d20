// Package daemon runs the background side of settlement: it drains the
// outbox on a timer and whenever a journal changes, and applies receipts
// arriving on the message bus.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adamavenir/tally/internal/settlement"
	"github.com/adamavenir/tally/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher publishes due outbox entries.
type Dispatcher interface {
	DispatchOnce(ctx context.Context) (settlement.DispatchResult, error)
}

// ReceiptApplier folds a processor receipt into the journals.
type ReceiptApplier interface {
	Apply(receipt types.Receipt) (types.Operation, error)
}

// Config holds daemon options.
type Config struct {
	DataDir      string
	Interval     time.Duration
	Debounce     time.Duration
	ReceiptQueue string
	// TrustedProcessors limits accepted receipt signers. Empty accepts any
	// valid signature.
	TrustedProcessors []string
}

// DefaultConfig returns default daemon configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Second,
		Debounce:     500 * time.Millisecond,
		ReceiptQueue: "tally-receipts",
	}
}

// LockInfo represents the daemon lock file contents.
type LockInfo struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"started_at"`
}

type Daemon struct {
	cfg        Config
	dispatcher Dispatcher
	receipts   ReceiptApplier
	nc         *nats.Conn
	logger     *zap.Logger
	wake       chan struct{}
	lockPath   string
}

// New creates a daemon. nc may be nil, in which case no receipt worker runs.
func New(cfg Config, dispatcher Dispatcher, receipts ReceiptApplier, nc *nats.Conn, logger *zap.Logger) *Daemon {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaults.Debounce
	}
	if cfg.ReceiptQueue == "" {
		cfg.ReceiptQueue = defaults.ReceiptQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:        cfg,
		dispatcher: dispatcher,
		receipts:   receipts,
		nc:         nc,
		logger:     logger.Named("daemon"),
		wake:       make(chan struct{}, 1),
		lockPath:   filepath.Join(cfg.DataDir, "daemon.lock"),
	}
}

// Run blocks until ctx is cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.acquireLock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := os.Remove(d.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("release lock", zap.Error(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.dispatchLoop(ctx) })
	g.Go(func() error { return d.watchJournals(ctx) })
	if d.nc != nil && d.receipts != nil {
		g.Go(func() error { return d.receiptWorker(ctx) })
	}
	d.logger.Info("daemon started",
		zap.String("data_dir", d.cfg.DataDir),
		zap.Duration("interval", d.cfg.Interval),
		zap.Bool("receipts", d.nc != nil),
	)
	err := g.Wait()
	d.logger.Info("daemon stopped")
	return err
}

// Wake requests a dispatch cycle as soon as possible.
func (d *Daemon) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Daemon) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.dispatch(ctx)
		case <-d.wake:
			d.dispatch(ctx)
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context) {
	result, err := d.dispatcher.DispatchOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("dispatch cycle failed", zap.Error(err))
		}
		return
	}
	if result != (settlement.DispatchResult{}) {
		d.logger.Info("dispatch cycle",
			zap.Int("published", result.Published),
			zap.Int("retrying", result.Retrying),
			zap.Int("failed", result.Failed),
		)
	}
}

// acquireLock creates the lock file, detecting stale locks.
func (d *Daemon) acquireLock() error {
	if data, err := os.ReadFile(d.lockPath); err == nil {
		var info LockInfo
		if json.Unmarshal(data, &info) == nil && info.PID > 0 {
			if syscall.Kill(info.PID, 0) == nil {
				return fmt.Errorf("daemon already running (pid %d)", info.PID)
			}
			d.logger.Warn("removing stale daemon lock", zap.Int("pid", info.PID))
		}
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(LockInfo{PID: os.Getpid(), StartedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return os.WriteFile(d.lockPath, data, 0o600)
}

// IsLocked reports whether a live daemon holds the lock in dataDir.
func IsLocked(dataDir string) bool {
	data, err := os.ReadFile(filepath.Join(dataDir, "daemon.lock"))
	if err != nil {
		return false
	}
	var info LockInfo
	if json.Unmarshal(data, &info) != nil || info.PID <= 0 {
		return false
	}
	return syscall.Kill(info.PID, 0) == nil
}

package settlement

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/adamavenir/tally/internal/db"
	"github.com/adamavenir/tally/internal/relay"
	"github.com/adamavenir/tally/internal/sign"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize     = 50
	DefaultMaxAttempts   = 12
	DefaultRetryBase     = 5 * time.Second
	DefaultMaxRetryDelay = 10 * time.Minute
)

// Publisher delivers one event to a set of relays.
type Publisher interface {
	Publish(ctx context.Context, ev sign.Event, relayURLs []string, key ed25519.PrivateKey) relay.Result
}

// Dispatcher drains the outbox into the relay publisher.
type Dispatcher struct {
	Outbox    *sql.DB
	Publisher Publisher
	Relays    []string
	Key       ed25519.PrivateKey

	BatchSize     int
	MaxAttempts   int
	RetryBase     time.Duration
	MaxRetryDelay time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// DispatchResult summarizes one cycle.
type DispatchResult struct {
	Published int `json:"published"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return DefaultMaxAttempts
}

// retryDelay is base * 2^attempt with overflow protection, capped at max.
func retryDelay(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 62 {
		attempt = 62
	}
	multiplier := int64(1) << attempt
	delay := time.Duration(math.MaxInt64)
	if int64(base) <= math.MaxInt64/multiplier {
		delay = time.Duration(int64(base) * multiplier)
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// DispatchOnce publishes every due outbox entry once. Entries that no relay
// accepted are rescheduled with exponential delay, and marked failed after
// MaxAttempts.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult
	batch := d.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	entries, err := db.ListDueSettlements(d.Outbox, d.now().UnixMilli(), batch)
	if err != nil {
		return result, fmt.Errorf("list due settlements: %w", err)
	}
	if len(entries) == 0 {
		return result, nil
	}
	if len(d.Relays) == 0 {
		return result, fmt.Errorf("%d settlement requests waiting but no relays are configured", len(entries))
	}

	base := d.RetryBase
	if base <= 0 {
		base = DefaultRetryBase
	}
	maxDelay := d.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxRetryDelay
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		logger := d.logger().With(zap.String("event", entry.EventID), zap.String("operation", entry.OperationID))

		var ev sign.Event
		if err := json.Unmarshal([]byte(entry.Payload), &ev); err != nil {
			logger.Error("discarding unreadable settlement request", zap.Error(err))
			if markErr := db.MarkSettlementAttempt(d.Outbox, entry.EventID, err.Error(), d.now().UnixMilli(), true); markErr != nil {
				return result, markErr
			}
			result.Failed++
			continue
		}

		published := d.Publisher.Publish(ctx, ev, d.Relays, d.Key)
		if published.OK() {
			if err := db.MarkSettlementPublished(d.Outbox, entry.EventID, d.now().UnixMilli()); err != nil {
				return result, err
			}
			logger.Info("settlement request published", zap.Strings("relays", published.Accepted))
			result.Published++
			continue
		}

		attempt := entry.Attempts + 1
		giveUp := attempt >= d.maxAttempts()
		next := d.now().Add(retryDelay(base, entry.Attempts, maxDelay))
		reason := published.Err().Error()
		if err := db.MarkSettlementAttempt(d.Outbox, entry.EventID, reason, next.UnixMilli(), giveUp); err != nil {
			return result, err
		}
		if giveUp {
			logger.Error("settlement request delivery abandoned", zap.Int("attempts", attempt), zap.String("error", reason))
			result.Failed++
			continue
		}
		logger.Warn("settlement request not accepted by any relay",
			zap.Int("attempts", attempt),
			zap.Time("next_attempt", next),
			zap.String("error", reason),
		)
		result.Retrying++
	}
	return result, nil
}

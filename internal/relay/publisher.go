package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adamavenir/tally/internal/sign"
	"go.uber.org/zap"
)

const DefaultTimeout = 15 * time.Second

// Rejection is a relay that did not accept the event.
type Rejection struct {
	URL string
	Err error
}

// Result is the per-relay outcome of one publish.
type Result struct {
	Accepted []string
	Rejected []Rejection
}

// OK reports whether at least one relay accepted the event.
func (r Result) OK() bool {
	return len(r.Accepted) > 0
}

// Err summarizes a failed publish. It returns nil when OK.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	if len(r.Rejected) == 0 {
		return errors.New("no relays configured")
	}
	errs := make([]error, 0, len(r.Rejected))
	for _, rejection := range r.Rejected {
		errs = append(errs, rejection.Err)
	}
	return errors.Join(errs...)
}

// Publisher fans one event out to every configured relay.
type Publisher struct {
	Dialer  Dialer
	Backoff *BackoffRegistry
	Timeout time.Duration
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewPublisher(backoff *BackoffRegistry, logger *zap.Logger) *Publisher {
	if backoff == nil {
		backoff = NewBackoffRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		Dialer:  WebsocketDialer{},
		Backoff: backoff,
		Timeout: DefaultTimeout,
		Logger:  logger,
	}
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Publisher) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

// Publish delivers ev to relayURLs in parallel. Relays in backoff are skipped
// without dialing. With a signing key each session answers the relay's auth
// challenge before sending. Every relay gets its own timeout; one slow relay
// never cancels the others.
func (p *Publisher) Publish(ctx context.Context, ev sign.Event, relayURLs []string, key ed25519.PrivateKey) Result {
	urls := normalizeURLs(relayURLs)
	outcomes := make([]error, len(urls))
	live := make([]int, 0, len(urls))
	for i, url := range urls {
		if until, ok := p.Backoff.InBackoff(url); ok {
			outcomes[i] = newError(url, ErrInBackoff, "until "+until.UTC().Format(time.RFC3339))
			continue
		}
		live = append(live, i)
	}

	var wg sync.WaitGroup
	for _, i := range live {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = p.publishOne(ctx, urls[i], ev, key)
		}(i)
	}
	wg.Wait()

	var result Result
	for i, url := range urls {
		err := outcomes[i]
		if err == nil {
			result.Accepted = append(result.Accepted, url)
			continue
		}
		result.Rejected = append(result.Rejected, Rejection{URL: url, Err: err})
	}
	return result
}

func (p *Publisher) publishOne(ctx context.Context, url string, ev sign.Event, key ed25519.PrivateKey) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	err := p.session(ctx, url, ev, key)
	logger := p.Logger.With(zap.String("relay", url), zap.String("event", ev.ID))
	if err == nil {
		p.Backoff.RecordSuccess(url)
		logger.Debug("relay accepted event")
		return nil
	}
	until := p.Backoff.RecordFailure(url, err)
	logger.Warn("relay publish failed", zap.Error(err), zap.Time("backoff_until", until))
	return err
}

func (p *Publisher) session(ctx context.Context, url string, ev sign.Event, key ed25519.PrivateKey) error {
	conn, err := p.Dialer.Dial(ctx, url)
	if err != nil {
		return newError(url, ErrNetwork, err.Error())
	}
	defer conn.Close()

	send := func(data []byte, encodeErr error) error {
		if encodeErr != nil {
			return newError(url, ErrNetwork, encodeErr.Error())
		}
		if err := conn.Send(data); err != nil {
			return newError(url, ErrNetwork, err.Error())
		}
		return nil
	}
	sendEvent := func() error {
		return send(encodeEvent(ev))
	}

	eventSent := false
	authID := ""
	probeID := ""
	if len(key) == 0 {
		if err := sendEvent(); err != nil {
			return err
		}
		eventSent = true
	} else {
		probeID = "probe-" + shortID(ev.ID)
		filter := Filter{
			Kinds: []int{sign.KindDirectMessage},
			PTags: []string{sign.PublicKeyHex(key)},
			Limit: 1,
		}
		if err := send(encodeReq(probeID, filter)); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return newError(url, ErrNetwork, err.Error())
		}
		data, err := conn.Receive()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return newError(url, ErrNetwork, ctxErr.Error())
			}
			return newError(url, ErrNetwork, err.Error())
		}
		frame, err := decodeFrame(data)
		if err != nil {
			p.Logger.Debug("ignoring malformed relay frame", zap.String("relay", url), zap.Error(err))
			continue
		}

		switch frame.Label {
		case labelAuth:
			if len(key) == 0 || eventSent || authID != "" {
				continue
			}
			authEv, err := sign.AuthEvent(key, url, frame.Challenge, p.now())
			if err != nil {
				return newError(url, ErrAuthFailed, err.Error())
			}
			authID = authEv.ID
			if err := send(encodeAuth(authEv)); err != nil {
				return err
			}

		case labelEOSE, labelClosed:
			if eventSent || authID != "" || frame.SubID != probeID {
				continue
			}
			// A relay that closes the probe for auth will follow up with a
			// challenge; anything else means it does not gate on auth.
			if frame.Label == labelClosed && strings.HasPrefix(frame.Message, "auth-required:") {
				continue
			}
			if err := sendEvent(); err != nil {
				return err
			}
			eventSent = true

		case labelOK:
			switch {
			case authID != "" && frame.EventID == authID && !eventSent:
				if !frame.OK {
					return newError(url, ErrAuthFailed, frame.Message)
				}
				if err := sendEvent(); err != nil {
					return err
				}
				eventSent = true
			case frame.EventID == ev.ID && eventSent:
				if frame.OK {
					return nil
				}
				return newError(url, classifyRejection(frame.Message), frame.Message)
			}

		case labelNotice:
			p.Logger.Debug("relay notice", zap.String("relay", url), zap.String("message", frame.Message))
		}
	}
}

func normalizeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		out = append(out, url)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

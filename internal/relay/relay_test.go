package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adamavenir/tally/internal/sign"
	"golang.org/x/net/websocket"
)

type fakeRelay struct {
	t *testing.T

	challenge   string
	requireAuth bool
	rejectAuth  bool
	eventReason string
	silent      bool

	dials atomic.Int32
	srv   *httptest.Server

	mu     sync.Mutex
	events []sign.Event
	auths  []sign.Event
}

func newFakeRelay(t *testing.T, configure func(*fakeRelay)) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{t: t, challenge: "challenge-1"}
	if configure != nil {
		configure(relay)
	}
	relay.srv = httptest.NewServer(websocket.Handler(relay.serve))
	t.Cleanup(relay.srv.Close)
	return relay
}

func (f *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) received() []sign.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sign.Event(nil), f.events...)
}

func (f *fakeRelay) send(conn *websocket.Conn, frame ...any) {
	data, err := json.Marshal(frame)
	if err != nil {
		f.t.Errorf("marshal frame: %v", err)
		return
	}
	_ = websocket.Message.Send(conn, string(data))
}

func (f *fakeRelay) serve(conn *websocket.Conn) {
	defer conn.Close()
	f.dials.Add(1)
	authed := false
	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			return
		}
		if f.silent {
			continue
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil || len(parts) < 2 {
			f.send(conn, "NOTICE", "bad frame")
			continue
		}
		var label string
		_ = json.Unmarshal(parts[0], &label)

		switch label {
		case "REQ":
			var sub string
			_ = json.Unmarshal(parts[1], &sub)
			if f.requireAuth && !authed {
				f.send(conn, "AUTH", f.challenge)
				f.send(conn, "CLOSED", sub, "auth-required: sign in first")
				continue
			}
			f.send(conn, "EOSE", sub)

		case "AUTH":
			var ev sign.Event
			_ = json.Unmarshal(parts[1], &ev)
			f.mu.Lock()
			f.auths = append(f.auths, ev)
			f.mu.Unlock()
			challenge, _ := ev.Tag("challenge")
			if f.rejectAuth || sign.VerifyEvent(ev) != nil || challenge != f.challenge {
				f.send(conn, "OK", ev.ID, false, "auth-required: invalid auth event")
				continue
			}
			authed = true
			f.send(conn, "OK", ev.ID, true, "")

		case "EVENT":
			var ev sign.Event
			_ = json.Unmarshal(parts[1], &ev)
			if f.requireAuth && !authed {
				f.send(conn, "OK", ev.ID, false, "auth-required: not authenticated")
				continue
			}
			f.mu.Lock()
			f.events = append(f.events, ev)
			reason := f.eventReason
			f.mu.Unlock()
			if reason != "" {
				f.send(conn, "OK", ev.ID, false, reason)
				continue
			}
			f.send(conn, "OK", ev.ID, true, "")
		}
	}
}

func testEvent(t *testing.T) sign.Event {
	t.Helper()
	key, err := sign.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ev, err := sign.SignEvent(key, sign.Event{
		Kind:      sign.KindSettlementRequest,
		CreatedAt: 1700000000,
		Tags:      [][]string{{"recipient", "alice"}},
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := sign.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func newTestPublisher(now *time.Time) *Publisher {
	backoff := NewBackoffRegistry()
	backoff.Now = func() time.Time { return *now }
	pub := NewPublisher(backoff, nil)
	pub.Timeout = 2 * time.Second
	pub.Now = func() time.Time { return *now }
	return pub
}

func TestPublishWithoutKeySendsImmediately(t *testing.T) {
	relay := newFakeRelay(t, nil)
	now := time.Unix(1700000000, 0)
	pub := newTestPublisher(&now)
	ev := testEvent(t)

	result := pub.Publish(context.Background(), ev, []string{relay.URL()}, nil)
	if !result.OK() || len(result.Accepted) != 1 {
		t.Fatalf("expected acceptance, got %+v", result)
	}
	if got := relay.received(); len(got) != 1 || got[0].ID != ev.ID {
		t.Fatalf("expected relay to receive event, got %+v", got)
	}
}

func TestPublishAnswersAuthChallenge(t *testing.T) {
	relay := newFakeRelay(t, func(f *fakeRelay) { f.requireAuth = true })
	now := time.Unix(1700000000, 0)
	pub := newTestPublisher(&now)
	ev := testEvent(t)

	result := pub.Publish(context.Background(), ev, []string{relay.URL()}, testKey(t))
	if !result.OK() {
		t.Fatalf("expected acceptance, got %+v", result.Rejected)
	}
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.auths) != 1 {
		t.Fatalf("expected one auth event, got %d", len(relay.auths))
	}
	auth := relay.auths[0]
	if got, _ := auth.Tag("relay"); got != relay.URL() {
		t.Fatalf("expected relay tag %q, got %q", relay.URL(), got)
	}
	if auth.Kind != sign.KindRelayAuth {
		t.Fatalf("expected auth kind, got %d", auth.Kind)
	}
}

func TestPublishAuthRejected(t *testing.T) {
	relay := newFakeRelay(t, func(f *fakeRelay) {
		f.requireAuth = true
		f.rejectAuth = true
	})
	now := time.Unix(1700000000, 0)
	pub := newTestPublisher(&now)

	result := pub.Publish(context.Background(), testEvent(t), []string{relay.URL()}, testKey(t))
	if result.OK() || len(result.Rejected) != 1 {
		t.Fatalf("expected rejection, got %+v", result)
	}
	if !errors.Is(result.Rejected[0].Err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", result.Rejected[0].Err)
	}
	if len(relay.received()) != 0 {
		t.Fatal("event must not be sent after failed auth")
	}
}

func TestPublishUnauthenticatedWhenRelayNeverChallenges(t *testing.T) {
	relay := newFakeRelay(t, nil)
	now := time.Unix(1700000000, 0)
	pub := newTestPublisher(&now)
	ev := testEvent(t)

	result := pub.Publish(context.Background(), ev, []string{relay.URL()}, testKey(t))
	if !result.OK() {
		t.Fatalf("expected acceptance, got %+v", result.Rejected)
	}
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.auths) != 0 {
		t.Fatalf("expected no auth, got %d", len(relay.auths))
	}
}

func TestPublishRateLimitedRelayIsSkippedDuringBackoff(t *testing.T) {
	relay := newFakeRelay(t, func(f *fakeRelay) { f.eventReason = "rate-limited: slow down" })
	now := time.Unix(1700000000, 0)
	pub := newTestPublisher(&now)

	first := pub.Publish(context.Background(), testEvent(t), []string{relay.URL()}, nil)
	if first.OK() || !errors.Is(first.Rejected[0].Err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %+v", first)
	}
	if relay.dials.Load() != 1 {
		t.Fatalf("expected one dial, got %d", relay.dials.Load())
	}

	now = now.Add(59 * time.Second)
	second := pub.Publish(context.Background(), testEvent(t), []string{relay.URL()}, nil)
	if second.OK() || !errors.Is(second.Rejected[0].Err, ErrInBackoff) {
		t.Fatalf("expected backoff skip, got %+v", second)
	}
	if relay.dials.Load() != 1 {
		t.Fatalf("relay in backoff must not be dialed, got %d dials", relay.dials.Load())
	}

	now = now.Add(2 * time.Second)
	relay.mu.Lock()
	relay.eventReason = ""
	relay.mu.Unlock()
	third := pub.Publish(context.Background(), testEvent(t), []string{relay.URL()}, nil)
	if !third.OK() {
		t.Fatalf("expected acceptance after backoff, got %+v", third.Rejected)
	}
	if len(pub.Backoff.Snapshot()) != 0 {
		t.Fatal("success must clear backoff")
	}
}

func TestPublishPartialSuccess(t *testing.T) {
	good := newFakeRelay(t, nil)
	bad := newFakeRelay(t, func(f *fakeRelay) { f.eventReason = "blocked: not allowed" })
	now := time.Unix(1700000000, 0)
	pub := newTestPublisher(&now)

	result := pub.Publish(context.Background(), testEvent(t), []string{good.URL(), bad.URL(), good.URL(), " "}, nil)
	if !result.OK() || len(result.Accepted) != 1 || result.Accepted[0] != good.URL() {
		t.Fatalf("expected one acceptance, got %+v", result)
	}
	if len(result.Rejected) != 1 || !errors.Is(result.Rejected[0].Err, ErrRelayRejection) {
		t.Fatalf("expected one rejection, got %+v", result.Rejected)
	}
	if result.Err() != nil {
		t.Fatalf("expected nil Err on partial success, got %v", result.Err())
	}
}

func TestPublishTimeoutIsNetworkError(t *testing.T) {
	relay := newFakeRelay(t, func(f *fakeRelay) { f.silent = true })
	now := time.Unix(1700000000, 0)
	pub := newTestPublisher(&now)
	pub.Timeout = 150 * time.Millisecond

	start := time.Now()
	result := pub.Publish(context.Background(), testEvent(t), []string{relay.URL()}, nil)
	if result.OK() || !errors.Is(result.Rejected[0].Err, ErrNetwork) {
		t.Fatalf("expected network error, got %+v", result)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not honoured: %v", elapsed)
	}
}

func TestPublishAllInBackoffReturnsImmediately(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pub := newTestPublisher(&now)
	pub.Dialer = failingDialer{t: t}
	urls := []string{"ws://a.invalid", "ws://b.invalid"}
	for _, url := range urls {
		pub.Backoff.RecordFailure(url, ErrNetwork)
	}

	result := pub.Publish(context.Background(), testEvent(t), urls, nil)
	if result.OK() || len(result.Rejected) != 2 {
		t.Fatalf("expected two rejections, got %+v", result)
	}
	for _, rejection := range result.Rejected {
		if !errors.Is(rejection.Err, ErrInBackoff) {
			t.Fatalf("expected ErrInBackoff, got %v", rejection.Err)
		}
	}
}

func TestPublishNoRelays(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pub := newTestPublisher(&now)
	result := pub.Publish(context.Background(), testEvent(t), nil, nil)
	if result.OK() || result.Err() == nil {
		t.Fatalf("expected failure with no relays, got %+v", result)
	}
}

type failingDialer struct {
	t *testing.T
}

func (d failingDialer) Dial(context.Context, string) (Conn, error) {
	d.t.Fatal("dial must not be called")
	return nil, errors.New("unreachable")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	now := time.Unix(1700000000, 0)
	reg := NewBackoffRegistry()
	reg.Now = func() time.Time { return now }

	tests := []struct {
		cause error
		want  time.Duration
	}{
		{ErrNetwork, 5 * time.Second},
		{ErrNetwork, 10 * time.Second},
		{ErrNetwork, 20 * time.Second},
		{ErrRateLimited, 120 * time.Second},
		{ErrNetwork, 80 * time.Second},
		{ErrNetwork, 120 * time.Second},
		{ErrNetwork, 120 * time.Second},
	}
	for i, tt := range tests {
		until := reg.RecordFailure("ws://r", tt.cause)
		if got := until.Sub(now); got != tt.want {
			t.Fatalf("failure %d: expected %v, got %v", i+1, tt.want, got)
		}
	}

	if _, ok := reg.InBackoff("ws://r"); !ok {
		t.Fatal("expected relay in backoff")
	}
	reg.RecordSuccess("ws://r")
	if _, ok := reg.InBackoff("ws://r"); ok {
		t.Fatal("expected backoff cleared")
	}

	first := reg.RecordFailure("ws://limited", ErrRateLimited)
	if got := first.Sub(now); got != 60*time.Second {
		t.Fatalf("expected 60s rate limit backoff, got %v", got)
	}
}

func TestClassifyRejection(t *testing.T) {
	tests := []struct {
		reason string
		want   error
	}{
		{"rate-limited: too fast", ErrRateLimited},
		{"Rate limit exceeded", ErrRateLimited},
		{"too many requests", ErrRateLimited},
		{"please slow down", ErrRateLimited},
		{"throttled", ErrRateLimited},
		{"HTTP 429", ErrRateLimited},
		{"auth-required: sign in", ErrAuthRequired},
		{"blocked: spam", ErrRelayRejection},
		{"", ErrRelayRejection},
	}
	for _, tt := range tests {
		if got := classifyRejection(tt.reason); got != tt.want {
			t.Fatalf("classify %q: expected %v, got %v", tt.reason, tt.want, got)
		}
	}
}

func TestDecodeFrame(t *testing.T) {
	frame, err := decodeFrame([]byte(`["OK","abc",false,"blocked: nope"]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Label != labelOK || frame.EventID != "abc" || frame.OK || frame.Message != "blocked: nope" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	frame, err = decodeFrame([]byte(`["AUTH","chal"]`))
	if err != nil || frame.Challenge != "chal" {
		t.Fatalf("unexpected auth frame: %+v %v", frame, err)
	}
	if _, err := decodeFrame([]byte(`{}`)); err == nil {
		t.Fatal("expected error for non-array frame")
	}
	if _, err := decodeFrame([]byte(`[]`)); err == nil {
		t.Fatal("expected error for empty frame")
	}
}

package settlement

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adamavenir/tally/internal/db"
	"github.com/adamavenir/tally/internal/relay"
	"github.com/adamavenir/tally/internal/sign"
	"github.com/adamavenir/tally/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBus struct {
	mu       sync.Mutex
	err      error
	messages map[string][][]byte
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if b.messages == nil {
		b.messages = map[string][][]byte{}
	}
	b.messages[subject] = append(b.messages[subject], data)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	accept bool
	events []sign.Event
}

func (p *fakePublisher) Publish(_ context.Context, ev sign.Event, urls []string, _ ed25519.PrivateKey) relay.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if p.accept {
		return relay.Result{Accepted: urls}
	}
	var result relay.Result
	for _, url := range urls {
		result.Rejected = append(result.Rejected, relay.Rejection{
			URL: url,
			Err: &relay.Error{URL: url, Kind: relay.ErrRateLimited, Reason: "rate-limited: wait"},
		})
	}
	return result
}

type fixture struct {
	dir     string
	now     time.Time
	journal *db.Journal
	emitter *Emitter
	bus     *fakeBus
	logs    *observer.ObservedLogs
	ids     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	outbox, err := db.OpenOutbox(filepath.Join(dir, "outbox.db"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { _ = outbox.Close() })

	key, err := sign.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	f := &fixture{dir: dir, now: t0, bus: &fakeBus{}, logs: logs}
	f.journal = db.NewJournal(dir, nil, logger)
	f.emitter = &Emitter{
		Journal:   f.journal,
		Outbox:    outbox,
		Key:       key,
		Addresses: NewAddressBook(dir),
		Bus:       f.bus,
		TokenID:   "0xtoken",
		ChainID:   "8453",
		Logger:    logger,
		Now:       func() time.Time { return f.now },
		NewID: func() string {
			f.ids++
			return fmt.Sprintf("op-%d", f.ids)
		},
	}
	return f
}

func (f *fixture) applier() *ReceiptApplier {
	return &ReceiptApplier{
		Journal: f.journal,
		Outbox:  f.emitter.Outbox,
		Logger:  f.emitter.Logger,
		Now:     func() time.Time { return f.now },
	}
}

func (f *fixture) dispatcher(pub Publisher) *Dispatcher {
	return &Dispatcher{
		Outbox:      f.emitter.Outbox,
		Publisher:   pub,
		Relays:      []string{"wss://relay.one", "wss://relay.two"},
		Key:         f.emitter.Key,
		MaxAttempts: 3,
		Logger:      f.emitter.Logger,
		Now:         func() time.Time { return f.now },
	}
}

func TestEmitTransferRecordsBothJournalsAndQueuesRequest(t *testing.T) {
	f := newFixture(t)
	if err := NewAddressBook(f.dir).Set("bob", "0xb0b"); err != nil {
		t.Fatalf("set address: %v", err)
	}

	emission, err := f.emitter.Emit(context.Background(), Request{
		Method:      types.SettlementMethodTransfer,
		Context:     types.ContextRSVP,
		Sender:      "alice",
		Recipient:   "bob",
		Amount:      1,
		Description: "RSVP for ofr-1",
		OpType:      types.OperationTypeRSVP,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	op := emission.Operation
	if op.Type != types.OperationTypeRSVP || op.Status != types.OperationStatusQueued || op.From != "alice" {
		t.Fatalf("unexpected operation: %+v", op)
	}

	for _, account := range []string{"alice", "bob"} {
		if _, err := f.journal.Get(account, op.ID); err != nil {
			t.Fatalf("expected op in %s journal: %v", account, err)
		}
	}
	bob, _ := f.journal.Balance("bob")
	alice, _ := f.journal.Balance("alice")
	if bob.Pending != 1 || alice.Pending != -1 {
		t.Fatalf("unexpected balances: bob=%+v alice=%+v", bob, alice)
	}

	entry, err := db.GetSettlement(f.emitter.Outbox, emission.Event.ID)
	if err != nil {
		t.Fatalf("get outbox entry: %v", err)
	}
	if entry.OperationID != op.ID || entry.FromAccount != "alice" || entry.ToAccount != "bob" {
		t.Fatalf("unexpected outbox entry: %+v", entry)
	}
	var ev sign.Event
	if err := json.Unmarshal([]byte(entry.Payload), &ev); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if err := sign.VerifyEvent(ev); err != nil {
		t.Fatalf("verify queued event: %v", err)
	}
	wantTags := map[string]string{
		"recipient": "bob",
		"address":   "0xb0b",
		"sender":    "alice",
		"amount":    "1",
		"token":     "0xtoken",
		"chain":     "8453",
		"method":    "transfer",
		"context":   "rsvp",
		"op":        op.ID,
	}
	for name, want := range wantTags {
		if got, _ := ev.Tag(name); got != want {
			t.Fatalf("tag %s: expected %q, got %q", name, want, got)
		}
	}
	if ev.Kind != sign.KindSettlementRequest || ev.Content != "RSVP for ofr-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(f.bus.messages[SubjectRequested]) != 1 {
		t.Fatalf("expected bus mirror, got %v", f.bus.messages)
	}
}

func TestEmitValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  Request
	}{
		{"missing recipient", Request{Method: types.SettlementMethodMint, Amount: 1}},
		{"zero amount", Request{Method: types.SettlementMethodMint, Recipient: "bob"}},
		{"transfer without sender", Request{Method: types.SettlementMethodTransfer, Recipient: "bob", Amount: 1}},
		{"self transfer", Request{Method: types.SettlementMethodTransfer, Sender: "bob", Recipient: "bob", Amount: 1}},
		{"unknown method", Request{Method: "burn", Recipient: "bob", Amount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.emitter.Emit(context.Background(), tt.req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if _, err := f.emitter.Emit(context.Background(), Request{Method: types.SettlementMethodMint, Recipient: "bob"}); !errors.Is(err, types.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	accounts, _ := f.journal.Accounts()
	entries, _ := db.ListSettlements(f.emitter.Outbox, "")
	if len(accounts) != 0 || len(entries) != 0 {
		t.Fatalf("expected no side effects, got accounts=%v entries=%d", accounts, len(entries))
	}
}

func TestEmitBusFailureIsLoggedNotReturned(t *testing.T) {
	f := newFixture(t)
	f.bus.err = errors.New("nats down")

	if _, err := f.emitter.Emit(context.Background(), Request{
		Method:    types.SettlementMethodMint,
		Context:   types.ContextBadgeClaim,
		Recipient: "carol",
		Amount:    5,
		OpType:    types.OperationTypeClaim,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if f.logs.FilterMessage("settlement bus mirror failed").Len() != 1 {
		t.Fatalf("expected bus failure warning, got %v", f.logs.All())
	}
}

func TestDispatcherRetriesWithBackoffThenPublishes(t *testing.T) {
	f := newFixture(t)
	emission, err := f.emitter.Emit(context.Background(), Request{Method: types.SettlementMethodMint, Recipient: "bob", Amount: 2})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	pub := &fakePublisher{}
	d := f.dispatcher(pub)

	result, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Retrying != 1 || result.Published != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	entry, _ := db.GetSettlement(f.emitter.Outbox, emission.Event.ID)
	if entry.Attempts != 1 || entry.NextAttemptAt != t0.Add(5*time.Second).UnixMilli() || entry.LastError == nil {
		t.Fatalf("unexpected entry after failure: %+v", entry)
	}

	result, _ = d.DispatchOnce(context.Background())
	if result != (DispatchResult{}) {
		t.Fatalf("entry must not be due yet, got %+v", result)
	}

	f.now = f.now.Add(5 * time.Second)
	pub.accept = true
	result, err = d.DispatchOnce(context.Background())
	if err != nil || result.Published != 1 {
		t.Fatalf("expected publish, got %+v %v", result, err)
	}
	entry, _ = db.GetSettlement(f.emitter.Outbox, emission.Event.ID)
	if entry.Status != types.OutboxStatusPublished || entry.PublishedAt == nil {
		t.Fatalf("unexpected entry after publish: %+v", entry)
	}
	if len(pub.events) != 2 || pub.events[1].ID != emission.Event.ID {
		t.Fatalf("expected the queued event to be published, got %d events", len(pub.events))
	}
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	emission, err := f.emitter.Emit(context.Background(), Request{Method: types.SettlementMethodMint, Recipient: "bob", Amount: 2})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	d := f.dispatcher(&fakePublisher{})

	var last DispatchResult
	for i := 0; i < 3; i++ {
		last, err = d.DispatchOnce(context.Background())
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		f.now = f.now.Add(time.Hour)
	}
	if last.Failed != 1 {
		t.Fatalf("expected final attempt to give up, got %+v", last)
	}
	entry, _ := db.GetSettlement(f.emitter.Outbox, emission.Event.ID)
	if entry.Status != types.OutboxStatusFailed || entry.Attempts != 3 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if f.logs.FilterMessage("settlement request delivery abandoned").Len() != 1 {
		t.Fatal("expected abandonment to be logged")
	}

	outcome, err := f.emitter.Retry(context.Background(), "bob", emission.Operation.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !outcome.Requeued || outcome.EventID != emission.Event.ID {
		t.Fatalf("expected delivery requeue, got %+v", outcome)
	}
	entry, _ = db.GetSettlement(f.emitter.Outbox, emission.Event.ID)
	if entry.Status != types.OutboxStatusPending || entry.Attempts != 0 {
		t.Fatalf("unexpected requeued entry: %+v", entry)
	}
}

func TestDispatcherWithoutRelays(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(&fakePublisher{})
	d.Relays = nil
	if _, err := d.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("empty outbox must not fail: %v", err)
	}
	if _, err := f.emitter.Emit(context.Background(), Request{Method: types.SettlementMethodMint, Recipient: "bob", Amount: 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := d.DispatchOnce(context.Background()); err == nil {
		t.Fatal("expected error when requests wait without relays")
	}
}

func TestReceiptSuccessConfirmsBothJournals(t *testing.T) {
	f := newFixture(t)
	emission, err := f.emitter.Emit(context.Background(), Request{
		Method: types.SettlementMethodTransfer, Sender: "alice", Recipient: "bob", Amount: 3,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	f.now = f.now.Add(time.Minute)

	updated, err := f.applier().Apply(types.Receipt{
		RequestID:     emission.Event.ID,
		Status:        types.ReceiptStatusSuccess,
		SettlementRef: "0xabc",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Status != types.OperationStatusConfirmed || updated.SettlementRef == nil || *updated.SettlementRef != "0xabc" {
		t.Fatalf("unexpected operation: %+v", updated)
	}
	if updated.ProcessedAt == nil || !updated.ProcessedAt.Equal(f.now) {
		t.Fatalf("expected processedAt %v, got %v", f.now, updated.ProcessedAt)
	}
	bob, _ := f.journal.Balance("bob")
	alice, _ := f.journal.Balance("alice")
	if bob.Confirmed != 3 || alice.Confirmed != -3 || bob.Pending != 0 || alice.Pending != 0 {
		t.Fatalf("unexpected balances: bob=%+v alice=%+v", bob, alice)
	}

	// A late processing receipt must not reopen a confirmed operation.
	again, err := f.applier().Apply(types.Receipt{RequestID: emission.Event.ID, Status: types.ReceiptStatusProcessing})
	if err != nil || again.Status != types.OperationStatusConfirmed {
		t.Fatalf("expected confirmed to stick, got %+v %v", again, err)
	}
}

func TestReceiptFailureThenRetryResigns(t *testing.T) {
	f := newFixture(t)
	emission, err := f.emitter.Emit(context.Background(), Request{
		Method: types.SettlementMethodTransfer, Context: types.ContextRefund, Sender: "host", Recipient: "bob", Amount: 1,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	failed, err := f.applier().Apply(types.Receipt{
		RequestID: emission.Event.ID,
		Status:    types.ReceiptStatusFailure,
		Error:     "insufficient gas",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if failed.Status != types.OperationStatusFailed || failed.Error == nil || *failed.Error != "insufficient gas" {
		t.Fatalf("unexpected failed op: %+v", failed)
	}

	f.now = f.now.Add(time.Hour)
	outcome, err := f.emitter.Retry(context.Background(), "host", emission.Operation.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if outcome.Requeued || outcome.EventID == emission.Event.ID {
		t.Fatalf("expected a fresh request, got %+v", outcome)
	}
	for _, account := range []string{"host", "bob"} {
		op, err := f.journal.Get(account, emission.Operation.ID)
		if err != nil {
			t.Fatalf("get %s: %v", account, err)
		}
		if op.Status != types.OperationStatusQueued || op.Error != nil || op.ProcessedAt != nil {
			t.Fatalf("%s: unexpected op after retry: %+v", account, op)
		}
	}

	entry, err := db.GetSettlement(f.emitter.Outbox, outcome.EventID)
	if err != nil {
		t.Fatalf("get new entry: %v", err)
	}
	var ev sign.Event
	_ = json.Unmarshal([]byte(entry.Payload), &ev)
	if got, _ := ev.Tag("context"); got != types.ContextRefund {
		t.Fatalf("expected original context to be kept, got %q", got)
	}
	if ev.CreatedAt != f.now.Unix() {
		t.Fatalf("expected fresh timestamp, got %d", ev.CreatedAt)
	}

	if _, err := f.emitter.Retry(context.Background(), "bob", emission.Operation.ID); !errors.Is(err, types.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition for queued op, got %v", err)
	}
}

func TestEmitOutboxFailureLeavesRetryableOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.emitter.Outbox.Close(); err != nil {
		t.Fatalf("close outbox: %v", err)
	}
	if _, err := f.emitter.Emit(ctx, Request{
		Method: types.SettlementMethodTransfer, Context: types.ContextRSVP, Sender: "alice", Recipient: "host", Amount: 1,
	}); err == nil {
		t.Fatal("expected emit to fail with a closed outbox")
	}

	for _, account := range []string{"alice", "host"} {
		op, err := f.journal.Get(account, "op-1")
		if err != nil {
			t.Fatalf("get %s: %v", account, err)
		}
		if op.Status != types.OperationStatusFailed || op.Error == nil {
			t.Fatalf("%s: expected failed op, got %+v", account, op)
		}
	}
	pending, err := PendingOperations(f.journal, nil)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %+v %v", pending, err)
	}

	outbox, err := db.OpenOutbox(filepath.Join(f.dir, "outbox.db"))
	if err != nil {
		t.Fatalf("reopen outbox: %v", err)
	}
	t.Cleanup(func() { _ = outbox.Close() })
	f.emitter.Outbox = outbox

	outcome, err := f.emitter.Retry(ctx, "alice", "op-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if outcome.Operation.Status != types.OperationStatusQueued || outcome.EventID == "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	entry, err := db.GetSettlementByOperation(outbox, "op-1")
	if err != nil || entry.EventID != outcome.EventID {
		t.Fatalf("expected queued request %s, got %+v %v", outcome.EventID, entry, err)
	}
}

func TestRetryReissuesMissingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emission, err := f.emitter.Emit(ctx, Request{Method: types.SettlementMethodMint, Recipient: "bob", Amount: 4})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := f.emitter.Outbox.Exec(`DELETE FROM tally_outbox`); err != nil {
		t.Fatalf("clear outbox: %v", err)
	}

	f.now = f.now.Add(time.Minute)
	outcome, err := f.emitter.Retry(ctx, "bob", emission.Operation.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if outcome.Requeued || outcome.EventID == "" || outcome.EventID == emission.Event.ID {
		t.Fatalf("expected a reissued request, got %+v", outcome)
	}
	entry, err := db.GetSettlement(f.emitter.Outbox, outcome.EventID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	var ev sign.Event
	_ = json.Unmarshal([]byte(entry.Payload), &ev)
	if amount, _ := ev.Tag("amount"); amount != "4" {
		t.Fatalf("expected amount 4, got %q", amount)
	}

	if _, err := f.emitter.Retry(ctx, "bob", emission.Operation.ID); !errors.Is(err, types.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition once a request exists, got %v", err)
	}
}

func TestParseReceiptEvent(t *testing.T) {
	key, _ := sign.GenerateKey()
	ev, err := sign.SignEvent(key, sign.Event{
		Kind: sign.KindSettlementReceipt,
		Tags: [][]string{{"e", "req-1"}, {"status", "success"}, {"ref", "0xfeed"}},
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	receipt, err := ParseReceiptEvent(ev)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if receipt.RequestID != "req-1" || receipt.Status != types.ReceiptStatusSuccess || receipt.SettlementRef != "0xfeed" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if _, err := ParseReceiptEvent(ev, "someone-else"); err == nil {
		t.Fatal("expected untrusted signer to be rejected")
	}
	if _, err := ParseReceiptEvent(ev, sign.PublicKeyHex(key)); err != nil {
		t.Fatalf("expected trusted signer to pass: %v", err)
	}

	ev.Tags = append(ev.Tags, []string{"extra", "x"})
	if _, err := ParseReceiptEvent(ev); err == nil {
		t.Fatal("expected tampered receipt to fail verification")
	}

	bad, _ := sign.SignEvent(key, sign.Event{Kind: sign.KindSettlementReceipt, Tags: [][]string{{"e", "req-1"}, {"status", "done"}}})
	if _, err := ParseReceiptEvent(bad); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}

func TestReceiptForUnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.applier().Apply(types.Receipt{RequestID: "nope", Status: types.ReceiptStatusSuccess})
	if !errors.Is(err, db.ErrOutboxEntryNotFound) {
		t.Fatalf("expected ErrOutboxEntryNotFound, got %v", err)
	}
}

func TestPendingOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mint, _ := f.emitter.Emit(ctx, Request{Method: types.SettlementMethodMint, Recipient: "team/alice", Amount: 1})
	f.now = f.now.Add(time.Second)
	transfer, _ := f.emitter.Emit(ctx, Request{Method: types.SettlementMethodTransfer, Sender: "team/alice", Recipient: "bob", Amount: 1})
	f.now = f.now.Add(time.Second)
	done, _ := f.emitter.Emit(ctx, Request{Method: types.SettlementMethodMint, Recipient: "carol", Amount: 1})
	if _, err := f.applier().Apply(types.Receipt{RequestID: done.Event.ID, Status: types.ReceiptStatusSuccess}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	all, err := PendingOperations(f.journal, nil)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(all) != 2 || all[0].ID != mint.Operation.ID || all[1].ID != transfer.Operation.ID {
		t.Fatalf("unexpected pending set: %+v", all)
	}

	team, _ := PendingOperations(f.journal, func(account string) bool { return account == "team/alice" })
	if len(team) != 1 || team[0].ID != mint.Operation.ID {
		t.Fatalf("unexpected filtered set: %+v", team)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{3, 40 * time.Second},
		{10, 10 * time.Minute},
		{100, 10 * time.Minute},
		{-1, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(5*time.Second, tt.attempt, 10*time.Minute); got != tt.want {
			t.Fatalf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

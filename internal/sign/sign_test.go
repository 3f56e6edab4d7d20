package sign

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Cheap parameters keep the key file tests fast.
var testKDF = KDFParams{Time: 1, Memory: 1024, Threads: 1}

func TestSignAndVerifyEvent(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ev, err := SignEvent(key, Event{
		Kind:      KindSettlementRequest,
		CreatedAt: 1700000000,
		Tags:      [][]string{{"recipient", "alice"}, {"amount", "3"}},
		Content:   "rsvp refund",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(ev.ID) != 64 || ev.PubKey != PublicKeyHex(key) {
		t.Fatalf("unexpected signed event: %+v", ev)
	}
	if err := VerifyEvent(ev); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := ev
	tampered.Content = "something else"
	if err := VerifyEvent(tampered); err == nil {
		t.Fatal("expected tampered content to fail verification")
	}

	if value, ok := ev.Tag("amount"); !ok || value != "3" {
		t.Fatalf("expected amount tag, got %q %v", value, ok)
	}
	if _, ok := ev.Tag("missing"); ok {
		t.Fatal("expected missing tag to be absent")
	}
}

func TestAuthEventBindsRelayAndChallenge(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ev, err := AuthEvent(key, "wss://relay.example", "c-123", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("auth event: %v", err)
	}
	if ev.Kind != KindRelayAuth {
		t.Fatalf("expected kind %d, got %d", KindRelayAuth, ev.Kind)
	}
	relay, _ := ev.Tag("relay")
	challenge, _ := ev.Tag("challenge")
	if relay != "wss://relay.example" || challenge != "c-123" {
		t.Fatalf("unexpected tags: %v", ev.Tags)
	}
	if err := VerifyEvent(ev); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "signer.key")
	if err := SaveKeyFile(path, key, []byte("hunter2"), testKDF); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadKeyFile(path, []byte("hunter2"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !key.Equal(loaded) {
		t.Fatal("loaded key differs from saved key")
	}

	if _, err := LoadKeyFile(path, []byte("wrong")); err == nil || !strings.Contains(err.Error(), "wrong passphrase") {
		t.Fatalf("expected wrong passphrase error, got %v", err)
	}
	if err := SaveKeyFile(path, key, []byte("hunter2"), testKDF); err == nil {
		t.Fatal("expected refusing to overwrite existing key file")
	}
}

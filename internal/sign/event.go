// Package sign builds and verifies the signed protocol events exchanged with
// relays: settlement requests, receipts, and relay authentication responses.
package sign

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event kinds used by the settlement protocol.
const (
	KindDirectMessage     = 4
	KindSettlementRequest = 7350
	KindSettlementReceipt = 7351
	KindRelayAuth         = 22242
)

// Event is a signed protocol message.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the first value of the named tag.
func (e Event) Tag(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// ComputeID hashes the serialized [0, pubkey, created_at, kind, tags, content]
// array. The id is what gets signed, so any field change invalidates it.
func ComputeID(e Event) (string, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	data, err := json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SignEvent fills PubKey, ID and Sig. CreatedAt defaults to now.
func SignEvent(key ed25519.PrivateKey, e Event) (Event, error) {
	if len(key) != ed25519.PrivateKeySize {
		return Event{}, errors.New("invalid signing key")
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	e.PubKey = PublicKeyHex(key)
	id, err := ComputeID(e)
	if err != nil {
		return Event{}, err
	}
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return Event{}, err
	}
	e.ID = id
	e.Sig = hex.EncodeToString(ed25519.Sign(key, idBytes))
	return e, nil
}

// VerifyEvent checks that the id matches the content and the signature
// matches the id.
func VerifyEvent(e Event) error {
	id, err := ComputeID(e)
	if err != nil {
		return err
	}
	if id != e.ID {
		return errors.New("event id mismatch")
	}
	pub, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("invalid event pubkey")
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return errors.New("invalid event signature encoding")
	}
	idBytes, _ := hex.DecodeString(e.ID)
	if !ed25519.Verify(ed25519.PublicKey(pub), idBytes, sig) {
		return errors.New("invalid event signature")
	}
	return nil
}

// AuthEvent builds the signed response to a relay challenge. It is bound to
// both the challenge string and the relay URL so it cannot be replayed
// against another relay.
func AuthEvent(key ed25519.PrivateKey, relayURL, challenge string, now time.Time) (Event, error) {
	return SignEvent(key, Event{
		Kind:      KindRelayAuth,
		CreatedAt: now.Unix(),
		Tags: [][]string{
			{"relay", relayURL},
			{"challenge", challenge},
		},
	})
}

// Package relay delivers signed events to a set of message relays over
// websockets, handling the authentication handshake and per-relay backoff.
package relay

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds reported per relay. Use errors.Is against an *Error.
var (
	ErrNetwork        = errors.New("relay network error")
	ErrRelayRejection = errors.New("relay rejected event")
	ErrRateLimited    = errors.New("relay rate limited")
	ErrAuthRequired   = errors.New("relay requires authentication")
	ErrAuthFailed     = errors.New("relay authentication failed")
	ErrInBackoff      = errors.New("relay in backoff")
)

// Error is a failure for a single relay.
type Error struct {
	URL    string
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.URL, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.URL, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(url string, kind error, reason string) *Error {
	return &Error{URL: url, Kind: kind, Reason: reason}
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"too many",
	"slow down",
	"throttl",
	"429",
}

// classifyRejection maps an OK=false reason to a failure kind.
func classifyRejection(reason string) error {
	lower := strings.ToLower(strings.TrimSpace(reason))
	if strings.HasPrefix(lower, "auth-required:") {
		return ErrAuthRequired
	}
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return ErrRateLimited
		}
	}
	return ErrRelayRejection
}

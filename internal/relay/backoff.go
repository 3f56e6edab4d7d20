package relay

import (
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	DefaultBackoffBase        = 5 * time.Second
	DefaultRateLimitedBackoff = 60 * time.Second
	DefaultMaxBackoff         = 120 * time.Second
)

// EndpointState is the backoff bookkeeping for one relay URL.
type EndpointState struct {
	URL          string    `json:"url"`
	BackoffUntil time.Time `json:"backoff_until"`
	Attempts     int       `json:"attempts"`
}

// BackoffRegistry tracks failing relays for the life of a process. It is safe
// for concurrent use.
type BackoffRegistry struct {
	mu     sync.Mutex
	states map[string]*EndpointState

	Now             func() time.Time
	Base            time.Duration
	RateLimitedBase time.Duration
	Max             time.Duration
}

func NewBackoffRegistry() *BackoffRegistry {
	return &BackoffRegistry{
		states:          make(map[string]*EndpointState),
		Base:            DefaultBackoffBase,
		RateLimitedBase: DefaultRateLimitedBackoff,
		Max:             DefaultMaxBackoff,
	}
}

func (r *BackoffRegistry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// InBackoff reports whether url must be skipped right now.
func (r *BackoffRegistry) InBackoff(url string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[url]
	if !ok {
		return time.Time{}, false
	}
	if r.now().Before(state.BackoffUntil) {
		return state.BackoffUntil, true
	}
	return time.Time{}, false
}

// RecordFailure extends the backoff for url. Rate-limit failures start from a
// longer base; each consecutive failure doubles the delay up to Max.
func (r *BackoffRegistry) RecordFailure(url string, cause error) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[url]
	if !ok {
		state = &EndpointState{URL: url}
		r.states[url] = state
	}
	state.Attempts++

	base := r.Base
	if errors.Is(cause, ErrRateLimited) {
		base = r.RateLimitedBase
	}
	delay := base
	for i := 1; i < state.Attempts && delay < r.Max; i++ {
		delay *= 2
	}
	if delay > r.Max {
		delay = r.Max
	}
	state.BackoffUntil = r.now().Add(delay)
	return state.BackoffUntil
}

// RecordSuccess forgets any backoff for url.
func (r *BackoffRegistry) RecordSuccess(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, url)
}

// Snapshot returns the current states sorted by URL.
func (r *BackoffRegistry) Snapshot() []EndpointState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EndpointState, 0, len(r.states))
	for _, state := range r.states {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

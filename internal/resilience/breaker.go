// Package resilience provides the retry-with-backoff wrapper and the
// process-local circuit breakers that guard every mutating operation.
package resilience

import (
	"sync"
	"time"

	"github.com/statelinehq/stateline/model"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all calls through. Consecutive failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all calls immediately.
	BreakerOpen
	// BreakerHalfOpen allows a bounded number of trial calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerSettings configures breaker thresholds.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that trips
	// Closed → Open.
	FailureThreshold int
	// OpenDuration is how long the breaker stays Open before moving to
	// HalfOpen.
	OpenDuration time.Duration
	// HalfOpenMaxSuccesses is the number of consecutive successes in
	// HalfOpen that closes the breaker and resets the failure counter.
	HalfOpenMaxSuccesses int
	// HalfOpenMaxTrials bounds concurrent trial calls in HalfOpen.
	HalfOpenMaxTrials int
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = 30 * time.Second
	}
	if s.HalfOpenMaxSuccesses < 1 {
		s.HalfOpenMaxSuccesses = 2
	}
	if s.HalfOpenMaxTrials < 1 {
		s.HalfOpenMaxTrials = 1
	}
	return s
}

// Breaker implements the circuit breaker pattern with three states:
// Closed → Open → HalfOpen. Breaker state is process-local; it is a
// fast-fail heuristic, not a correctness mechanism. Safe for concurrent use.
type Breaker struct {
	key      string
	settings BreakerSettings

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenSuccesses   int
	halfOpenInFlight    int
}

// NewBreaker creates a breaker with the given key and settings.
func NewBreaker(key string, settings BreakerSettings) *Breaker {
	return &Breaker{
		key:      key,
		settings: settings.withDefaults(),
		state:    BreakerClosed,
	}
}

// Allow checks whether a call may proceed. Returns a CIRCUIT_OPEN error when
// the breaker is open or the half-open trial budget is exhausted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.settings.OpenDuration {
			b.state = BreakerHalfOpen
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 1
			return nil
		}
		return model.NewCircuitOpenError(b.key)
	case BreakerHalfOpen:
		if b.halfOpenInFlight >= b.settings.HalfOpenMaxTrials {
			return model.NewCircuitOpenError(b.key)
		}
		b.halfOpenInFlight++
		return nil
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFailures = 0
	case BreakerHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.settings.HalfOpenMaxSuccesses {
			b.state = BreakerClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 0
		}
	}
}

// Release returns a half-open trial slot without recording an outcome.
// Callers use it when a result carries no signal about downstream health,
// so the slot must not stay consumed.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		// Any failure in half-open immediately reopens.
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	}
}

// State returns the current breaker state, accounting for open-duration expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.settings.OpenDuration {
		return BreakerHalfOpen
	}
	return b.state
}

// Registry owns the breakers of one process, keyed by a caller-supplied
// string (e.g. "workflow.applyTransition"). It is passed by injection so
// tests can construct isolated instances instead of sharing package state.
type Registry struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry with default settings for
// breakers it creates on demand.
func NewRegistry(settings BreakerSettings) *Registry {
	return &Registry{
		settings: settings.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewBreaker(key, r.settings)
		r.breakers[key] = b
	}
	return b
}

// States returns a snapshot of all breaker states, for diagnostics.
func (r *Registry) States() map[string]BreakerState {
	r.mu.Lock()
	keys := make([]*Breaker, 0, len(r.breakers))
	names := make([]string, 0, len(r.breakers))
	for k, b := range r.breakers {
		keys = append(keys, b)
		names = append(names, k)
	}
	r.mu.Unlock()

	out := make(map[string]BreakerState, len(keys))
	for i, b := range keys {
		out[names[i]] = b.State()
	}
	return out
}

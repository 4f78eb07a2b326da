package resilience

import (
	"context"
	"math/rand"
	"time"
)

// Backoff types.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
)

// Backoff computes the delay before each retry attempt.
type Backoff struct {
	Type   string
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // symmetric jitter fraction, in [0, 1)
}

// Delay returns the backoff delay before retrying after attempt n (1-based):
// min(base * growth(n), max) plus symmetric jitter of ±Jitter*delay.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch b.Type {
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	default: // exponential
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if b.Max > 0 && delay >= b.Max {
				break
			}
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}

	if b.Jitter > 0 {
		// Uniform in [-jitter, +jitter] of the computed delay.
		frac := (rand.Float64()*2 - 1) * b.Jitter
		delay += time.Duration(float64(delay) * frac)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Policy configures one retried execution.
type Policy struct {
	// Retries is the total number of attempts. Values below 1 mean a single
	// attempt.
	Retries int
	Backoff Backoff
	// BreakerKey routes every attempt through the named circuit breaker.
	// Empty disables breaker protection.
	BreakerKey string
	// Permanent classifies errors that must not be retried. Such errors are
	// returned immediately and do not count as breaker failures.
	Permanent func(error) bool
}

// Runner executes functions under a retry policy, routing attempts through
// the injected breaker registry.
type Runner struct {
	breakers *Registry
}

// NewRunner creates a retry runner backed by the given breaker registry.
func NewRunner(breakers *Registry) *Runner {
	return &Runner{breakers: breakers}
}

// Breakers exposes the underlying registry for diagnostics.
func (r *Runner) Breakers() *Registry {
	return r.breakers
}

// Do executes fn up to p.Retries times with computed backoff between
// attempts, re-raising the last error once attempts are exhausted. When a
// breaker key is set, each attempt is first routed through the breaker:
// open-circuit rejections consume an attempt but are not counted as breaker
// failures.
func (r *Runner) Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Retries
	if attempts < 1 {
		attempts = 1
	}

	var breaker *Breaker
	if p.BreakerKey != "" && r.breakers != nil {
		breaker = r.breakers.Get(p.BreakerKey)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff.Delay(attempt - 1)):
			}
		}

		if breaker != nil {
			if err := breaker.Allow(); err != nil {
				lastErr = err
				continue
			}
		}

		err := fn(ctx)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}
		if p.Permanent != nil && p.Permanent(err) {
			// A permanent error says nothing about downstream health, so it
			// neither counts as a breaker failure nor keeps hold of a
			// half-open trial slot.
			if breaker != nil {
				breaker.Release()
			}
			return err
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		lastErr = err
	}
	return lastErr
}

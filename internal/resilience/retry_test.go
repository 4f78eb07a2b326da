package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_exponentialDelays(t *testing.T) {
	b := Backoff{Type: BackoffExponential, Base: 200 * time.Millisecond, Max: 5 * time.Second}

	want := []time.Duration{
		200 * time.Millisecond,  // attempt 1: 200 * 2^0
		400 * time.Millisecond,  // attempt 2: 200 * 2^1
		800 * time.Millisecond,  // attempt 3
		1600 * time.Millisecond, // attempt 4
		3200 * time.Millisecond, // attempt 5
		5 * time.Second,         // attempt 6: capped
		5 * time.Second,         // attempt 7: capped
	}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoff_linearDelays(t *testing.T) {
	b := Backoff{Type: BackoffLinear, Base: 100 * time.Millisecond, Max: 250 * time.Millisecond}

	if got := b.Delay(1); got != 100*time.Millisecond {
		t.Errorf("Delay(1) = %v", got)
	}
	if got := b.Delay(2); got != 200*time.Millisecond {
		t.Errorf("Delay(2) = %v", got)
	}
	if got := b.Delay(3); got != 250*time.Millisecond {
		t.Errorf("Delay(3) = %v, want capped at max", got)
	}
}

func TestBackoff_jitterBounds(t *testing.T) {
	b := Backoff{Type: BackoffExponential, Base: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}

	lo := time.Duration(float64(400*time.Millisecond) * 0.8)
	hi := time.Duration(float64(400*time.Millisecond) * 1.2)
	for i := 0; i < 100; i++ {
		d := b.Delay(2)
		if d < lo || d > hi {
			t.Fatalf("Delay(2) = %v, want within [%v, %v]", d, lo, hi)
		}
	}
}

func TestRunner_succeedsOnLaterAttempt(t *testing.T) {
	r := NewRunner(NewRegistry(BreakerSettings{}))

	calls := 0
	err := r.Do(context.Background(), Policy{Retries: 5, Backoff: Backoff{Base: time.Millisecond}}, func(context.Context) error {
		calls++
		if calls < 5 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
}

func TestRunner_reRaisesLastErrorOnExhaustion(t *testing.T) {
	r := NewRunner(NewRegistry(BreakerSettings{}))

	last := errors.New("attempt 3 failed")
	calls := 0
	err := r.Do(context.Background(), Policy{Retries: 3, Backoff: Backoff{Base: time.Millisecond}}, func(context.Context) error {
		calls++
		if calls == 3 {
			return last
		}
		return errors.New("earlier")
	})
	if !errors.Is(err, last) {
		t.Errorf("err = %v, want the last attempt's error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunner_breakerShortCircuitsAttempts(t *testing.T) {
	reg := NewRegistry(BreakerSettings{FailureThreshold: 2, OpenDuration: time.Minute})
	r := NewRunner(reg)

	calls := 0
	err := r.Do(context.Background(), Policy{
		Retries:    5,
		Backoff:    Backoff{Base: time.Millisecond},
		BreakerKey: "store.apply",
	}, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// Attempts 1 and 2 execute and trip the breaker; 3-5 are rejected
	// without invoking fn.
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if reg.Get("store.apply").State() != BreakerOpen {
		t.Error("expected breaker to be open")
	}
}

func TestRunner_permanentErrorShortCircuits(t *testing.T) {
	reg := NewRegistry(BreakerSettings{FailureThreshold: 1, OpenDuration: time.Minute})
	r := NewRunner(reg)

	permanent := errors.New("no such edge")
	calls := 0
	err := r.Do(context.Background(), Policy{
		Retries:    5,
		Backoff:    Backoff{Base: time.Millisecond},
		BreakerKey: "store.apply",
		Permanent:  func(err error) bool { return errors.Is(err, permanent) },
	}, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if reg.Get("store.apply").State() != BreakerClosed {
		t.Error("permanent errors must not count as breaker failures")
	}
}

func TestRunner_permanentErrorFreesHalfOpenTrial(t *testing.T) {
	reg := NewRegistry(BreakerSettings{
		FailureThreshold:     1,
		OpenDuration:         20 * time.Millisecond,
		HalfOpenMaxSuccesses: 1,
		HalfOpenMaxTrials:    1,
	})
	r := NewRunner(reg)
	permanent := errors.New("no such edge")
	policy := Policy{
		Retries:    1,
		Backoff:    Backoff{Base: time.Millisecond},
		BreakerKey: "store.apply",
		Permanent:  func(err error) bool { return errors.Is(err, permanent) },
	}

	// Trip the breaker, then wait out the open window.
	_ = r.Do(context.Background(), policy, func(context.Context) error {
		return errors.New("down")
	})
	if reg.Get("store.apply").State() != BreakerOpen {
		t.Fatal("expected breaker to be open")
	}
	time.Sleep(25 * time.Millisecond)

	// A permanent error consumes the only half-open trial slot. It must
	// give the slot back, or the breaker can never see a success again.
	err := r.Do(context.Background(), policy, func(context.Context) error {
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want the permanent error", err)
	}

	calls := 0
	err = r.Do(context.Background(), policy, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("healthy call after permanent error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if got := reg.Get("store.apply").State(); got != BreakerClosed {
		t.Errorf("breaker state = %v, want closed", got)
	}
}

func TestRunner_contextCancelStopsRetries(t *testing.T) {
	r := NewRunner(NewRegistry(BreakerSettings{}))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	errDone := make(chan error, 1)
	go func() {
		errDone <- r.Do(ctx, Policy{Retries: 10, Backoff: Backoff{Base: time.Hour}}, func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

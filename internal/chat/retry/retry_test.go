package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRetrier(clock *manualClock, delays *[]time.Duration) *Retrier {
	policy := Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
		Multiplier:      2,
		Cooldown:        30 * time.Second,
	}
	return New("test-op", policy,
		WithClock(clock.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			if delays != nil {
				*delays = append(*delays, d)
			}
			return nil
		}),
	)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	retrier := newTestRetrier(clock, nil)

	calls := 0
	err := retrier.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
	if retrier.State() != StateClosed {
		t.Fatalf("expected closed breaker, got %v", retrier.State())
	}
}

func TestDoBoundedAttemptsAndSchedule(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	var delays []time.Duration
	retrier := newTestRetrier(clock, &delays)

	calls := 0
	err := retrier.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("store down")
	})
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if !errors.Is(err, apperrors.New(apperrors.CodeRetryBudgetExhausted, "")) {
		t.Fatalf("expected RETRY_BUDGET_EXHAUSTED, got %v", err)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 delays, got %d", len(delays))
	}
	if delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("expected 1s then 2s, got %v", delays)
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	retrier := newTestRetrier(clock, nil)

	calls := 0
	fail := func(context.Context) error {
		calls++
		return errors.New("store down")
	}

	if err := retrier.Do(context.Background(), fail); err == nil {
		t.Fatal("expected failure")
	}
	if retrier.State() != StateOpen {
		t.Fatalf("expected open breaker, got %v", retrier.State())
	}

	// While open, no network attempts happen at all.
	before := calls
	err := retrier.Do(context.Background(), fail)
	if !errors.Is(err, apperrors.New(apperrors.CodeBreakerOpen, "")) {
		t.Fatalf("expected BREAKER_OPEN, got %v", err)
	}
	if calls != before {
		t.Fatalf("open breaker attempted the operation: %d -> %d", before, calls)
	}
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	retrier := newTestRetrier(clock, nil)

	if err := retrier.Do(context.Background(), func(context.Context) error {
		return errors.New("store down")
	}); err == nil {
		t.Fatal("expected failure")
	}

	clock.Advance(31 * time.Second)
	if retrier.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cool-down, got %v", retrier.State())
	}

	if err := retrier.Do(context.Background(), func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if retrier.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", retrier.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	retrier := newTestRetrier(clock, nil)

	fail := func(context.Context) error { return errors.New("store down") }
	if err := retrier.Do(context.Background(), fail); err == nil {
		t.Fatal("expected failure")
	}

	clock.Advance(31 * time.Second)
	if err := retrier.Do(context.Background(), fail); err == nil {
		t.Fatal("expected probe failure")
	}
	if retrier.State() != StateOpen {
		t.Fatalf("expected reopened breaker, got %v", retrier.State())
	}
}

func TestTerminalErrorsAreNotRetried(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	retrier := newTestRetrier(clock, nil)

	calls := 0
	err := retrier.Do(context.Background(), func(context.Context) error {
		calls++
		return apperrors.New(apperrors.CodeSessionNotFound, "session missing")
	})
	if calls != 1 {
		t.Fatalf("terminal error retried: %d attempts", calls)
	}
	if !errors.Is(err, apperrors.New(apperrors.CodeSessionNotFound, "")) {
		t.Fatalf("expected terminal error surfaced, got %v", err)
	}
	if retrier.State() != StateClosed {
		t.Fatalf("terminal error must not trip the breaker, got %v", retrier.State())
	}
}

func TestCancelledProbeKeepsBreakerOpen(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	retrier := newTestRetrier(clock, nil)

	if err := retrier.Do(context.Background(), func(context.Context) error {
		return errors.New("store down")
	}); err == nil {
		t.Fatal("expected failure")
	}

	clock.Advance(31 * time.Second)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retrier.Do(cancelled, func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("cancelled probe ran the operation %d times", calls)
	}
	// No remote call happened, so the breaker must not close; the probe
	// slot frees up for the next caller.
	if retrier.State() == StateClosed {
		t.Fatal("cancellation closed the breaker without a successful probe")
	}

	if err := retrier.Do(context.Background(), func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("follow-up probe: %v", err)
	}
	if retrier.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", retrier.State())
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	retrier := New("test-op", DefaultPolicy(),
		WithClock(clock.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			return context.Canceled
		}),
	)

	calls := 0
	err := retrier.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("store down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cancellation after first attempt, got %d", calls)
	}
}

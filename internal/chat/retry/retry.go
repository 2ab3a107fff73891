// Package retry bounds every remote call behind an exponential backoff
// budget and a circuit breaker. No other component retries on its own:
// a failing operation is attempted at most MaxAttempts times, then the
// breaker opens and further calls of the same kind short-circuit until the
// cool-down elapses. There is no self-re-invocation outside the bounded
// loop in Do.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

// State describes the circuit breaker state. Callers may query it; only
// the retrier itself mutates it.
type State int

const (
	// StateClosed admits calls normally.
	StateClosed State = iota
	// StateOpen short-circuits every call until the cool-down elapses.
	StateOpen
	// StateHalfOpen admits a single probe call after the cool-down.
	StateHalfOpen
)

// String returns a log-friendly label.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Policy bounds one kind of remote call.
type Policy struct {
	// MaxAttempts is the per-Do attempt budget.
	MaxAttempts int
	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration
	// MaxInterval caps the exponential delay growth.
	MaxInterval time.Duration
	// Multiplier scales the delay between attempts.
	Multiplier float64
	// RandomizationFactor jitters delays; zero keeps the schedule exact.
	RandomizationFactor float64
	// Cooldown is how long the breaker stays open after the budget is
	// exhausted.
	Cooldown time.Duration
}

// DefaultPolicy returns the standard budget: three attempts with 1s/2s/4s
// spacing and a 30 second breaker cool-down.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
		Multiplier:      2,
		Cooldown:        30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 4 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 30 * time.Second
	}
	return p
}

// Retrier guards one kind of remote call with a bounded retry loop and a
// circuit breaker. Construct one retrier per call kind.
type Retrier struct {
	name   string
	policy Policy
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    State
	openedAt time.Time
	probing  bool
}

// Option customizes a Retrier.
type Option func(*Retrier)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(r *Retrier) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithSleep overrides the delay function (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// New creates a retrier named after the call kind it guards.
func New(name string, policy Policy, opts ...Option) *Retrier {
	r := &Retrier{
		name:   name,
		policy: policy.normalized(),
		clock:  time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State reports the current breaker state, accounting for an elapsed
// cool-down.
func (r *Retrier) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateOpen && !r.clock().Before(r.openedAt.Add(r.policy.Cooldown)) {
		return StateHalfOpen
	}
	return r.state
}

// admit decides whether a Do call may proceed. While half-open, a single
// probe is admitted; concurrent calls short-circuit.
func (r *Retrier) admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		return nil
	case StateOpen:
		if r.clock().Before(r.openedAt.Add(r.policy.Cooldown)) {
			return apperrors.WithMetadata(apperrors.CodeBreakerOpen,
				fmt.Sprintf("%s: circuit breaker is open", r.name),
				map[string]string{"operation": r.name})
		}
		r.state = StateHalfOpen
		r.probing = true
		return nil
	default: // StateHalfOpen
		if r.probing {
			return apperrors.WithMetadata(apperrors.CodeBreakerOpen,
				fmt.Sprintf("%s: circuit breaker probe in flight", r.name),
				map[string]string{"operation": r.name})
		}
		r.probing = true
		return nil
	}
}

func (r *Retrier) recordSuccess() {
	r.mu.Lock()
	r.state = StateClosed
	r.probing = false
	r.mu.Unlock()
}

// recordAborted releases the probe slot without judging the remote:
// cancellation says nothing about its health, so the breaker keeps its
// state.
func (r *Retrier) recordAborted() {
	r.mu.Lock()
	r.probing = false
	r.mu.Unlock()
}

func (r *Retrier) recordExhausted() {
	r.mu.Lock()
	r.state = StateOpen
	r.openedAt = r.clock()
	r.probing = false
	r.mu.Unlock()
}

// Do runs operation at most MaxAttempts times with exponential delays.
//
// Terminal domain errors (invalid token, session not found, validation)
// return immediately: the remote answered, so they count as breaker
// successes and are never retried. Exhausting the budget opens the breaker
// and wraps the last error with RETRY_BUDGET_EXHAUSTED.
func (r *Retrier) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	if err := r.admit(); err != nil {
		return err
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = r.policy.InitialInterval
	schedule.MaxInterval = r.policy.MaxInterval
	schedule.Multiplier = r.policy.Multiplier
	schedule.RandomizationFactor = r.policy.RandomizationFactor

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			r.recordAborted()
			return err
		}

		err := operation(ctx)
		if err == nil {
			r.recordSuccess()
			return nil
		}
		if apperrors.IsTerminal(err) {
			r.recordSuccess()
			return err
		}
		lastErr = err

		if attempt == r.policy.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, schedule.NextBackOff()); err != nil {
			r.recordAborted()
			return err
		}
	}

	r.recordExhausted()
	return apperrors.Wrap(apperrors.CodeRetryBudgetExhausted,
		fmt.Sprintf("%s: retry budget exhausted after %d attempts", r.name, r.policy.MaxAttempts),
		lastErr)
}

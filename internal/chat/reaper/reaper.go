// Package reaper expires sessions that have been inactive past their TTL.
// Expiry is advisory: a session is marked Expired and stops accepting
// joins, but its data is kept.
package reaper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

// DefaultTTL is how long a session may sit without activity before it is
// expired.
const DefaultTTL = 24 * time.Hour

// DefaultInterval is the scan cadence.
const DefaultInterval = 10 * time.Minute

// scanBatch bounds one pass.
const scanBatch = 100

// Reaper scans for inactive sessions and expires them.
type Reaper struct {
	store    storage.SessionStore
	retrier  *retry.Retrier
	ttl      time.Duration
	interval time.Duration
	clock    func() time.Time
}

// Option customizes a Reaper.
type Option func(*Reaper)

// WithTTL overrides the inactivity TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Reaper) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithInterval overrides the scan cadence.
func WithInterval(interval time.Duration) Option {
	return func(r *Reaper) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(r *Reaper) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New creates a reaper with the default TTL and cadence.
func New(store storage.SessionStore, retrier *retry.Retrier, opts ...Option) *Reaper {
	r := &Reaper{
		store:    store,
		retrier:  retrier,
		ttl:      DefaultTTL,
		interval: DefaultInterval,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run scans until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if expired, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("reaper: sweep: %v", err)
			} else if expired > 0 {
				log.Printf("reaper: expired %d inactive sessions", expired)
			}
		}
	}
}

// Sweep expires every session inactive past the TTL and reports how many
// it transitioned. The per-session compare-and-set tolerates concurrent
// reapers and sessions that saw activity between the scan and the write.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock().UTC().Add(-r.ttl)

	var ids []string
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		listed, listErr := r.store.ListInactiveSessions(ctx, cutoff, scanBatch)
		if listErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "list inactive sessions", listErr)
		}
		ids = listed
		return nil
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	at := r.clock().UTC()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		session, err := r.store.GetSession(ctx, id)
		if err != nil {
			continue
		}
		changed, err := r.store.SetSessionStatus(ctx, id, session.Status, domain.SessionExpired, at)
		if err != nil {
			log.Printf("reaper: expire %s: %v", id, err)
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// Package sync keeps one client's view of a session converged with the
// store. A loop is driven by feed events and a fallback tick; every cycle
// re-fetches state and reconciles instead of trusting incremental updates.
package sync

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tedyzhu/ququer-sub001/internal/chat/channel"
	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/feed"
	"github.com/tedyzhu/ququer-sub001/internal/chat/lifecycle"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

// Defaults for the cycle cadence.
const (
	// DefaultTickInterval is the fallback cadence when no events arrive.
	DefaultTickInterval = 5 * time.Second
	// DefaultDegradedCooldown is the fixed pause after a failed cycle. One
	// failed cycle never triggers an immediate follow-up.
	DefaultDegradedCooldown = 10 * time.Second
)

// Handler receives the loop's observations. Callbacks run on the loop
// goroutine; implementations must not block.
type Handler interface {
	// OnSessionChanged fires when membership, status, or the derived title
	// changed since the previous cycle.
	OnSessionChanged(session domain.Session, title string)
	// OnMessage fires once per newly observed message, in (sentAt, id)
	// order.
	OnMessage(message domain.Message)
	// OnMessageStateChanged fires when a known message's status moved.
	OnMessageStateChanged(message domain.Message)
	// OnDegraded fires when a cycle fails and the loop enters its cool-down.
	OnDegraded(err error)
}

// Loop synchronizes one participant's view of one session.
type Loop struct {
	sessionID string
	userID    string
	store     storage.SessionStore
	channel   *channel.Channel
	retrier   *retry.Retrier
	broker    *feed.Broker
	destroyer *lifecycle.Destroyer
	handler   Handler
	clock     func() time.Time
	tick      time.Duration
	cooldown  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error

	cursor   storage.MessageCursor
	seen     map[string]domain.MessageStatus
	lastHash string
}

// Config assembles a Loop.
type Config struct {
	SessionID string
	UserID    string
	Store     storage.SessionStore
	Channel   *channel.Channel
	Retrier   *retry.Retrier
	// Broker provides event-driven wake-ups; nil degrades to tick-only.
	Broker *feed.Broker
	// Destroyer, when set, gets every message with a destroy deadline so
	// timers survive the loop's restarts.
	Destroyer *lifecycle.Destroyer
	Handler   Handler
	// Cursor resumes the stream; zero starts from the beginning.
	Cursor storage.MessageCursor

	TickInterval     time.Duration
	DegradedCooldown time.Duration
	Clock            func() time.Time
	Sleep            func(ctx context.Context, d time.Duration) error
}

// NewLoop creates a sync loop. Store, Channel, Retrier, and Handler are
// required.
func NewLoop(cfg Config) *Loop {
	l := &Loop{
		sessionID: cfg.SessionID,
		userID:    cfg.UserID,
		store:     cfg.Store,
		channel:   cfg.Channel,
		retrier:   cfg.Retrier,
		broker:    cfg.Broker,
		destroyer: cfg.Destroyer,
		handler:   cfg.Handler,
		clock:     cfg.Clock,
		tick:      cfg.TickInterval,
		cooldown:  cfg.DegradedCooldown,
		sleep:     cfg.Sleep,
		cursor:    cfg.Cursor,
		seen:      make(map[string]domain.MessageStatus),
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if l.tick <= 0 {
		l.tick = DefaultTickInterval
	}
	if l.cooldown <= 0 {
		l.cooldown = DefaultDegradedCooldown
	}
	if l.sleep == nil {
		l.sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return l
}

// Cursor returns the loop's current resume position.
func (l *Loop) Cursor() storage.MessageCursor {
	return l.cursor
}

// Run cycles until ctx is done. A failed cycle reports SYNC_DEGRADED to
// the handler and waits out a fixed cool-down; the loop never re-enters a
// cycle from within a cycle, so there is no retry amplification on top of
// the per-call budgets.
func (l *Loop) Run(ctx context.Context) error {
	var wake <-chan feed.Event
	if l.broker != nil {
		events, cancel := l.broker.Subscribe(l.sessionID)
		defer cancel()
		wake = events
	}

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		if err := l.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			degraded := apperrors.Wrap(apperrors.CodeSyncDegraded, "sync cycle failed", err)
			l.handler.OnDegraded(degraded)
			log.Printf("sync: session %s degraded: %v", l.sessionID, err)
			if err := l.sleep(ctx, l.cooldown); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

// Cycle performs one reconciliation pass: re-fetch the session, drain new
// messages, diff known message states, and re-arm destruction timers.
func (l *Loop) Cycle(ctx context.Context) error {
	session, err := l.fetchSession(ctx)
	if err != nil {
		return err
	}

	if hash := sessionHash(session); hash != l.lastHash {
		l.lastHash = hash
		l.handler.OnSessionChanged(session, domain.DisplayTitle(l.userID, session.Participants))
	}

	messages, cursor, err := l.channel.Receive(ctx, l.sessionID, l.userID, l.cursor, func(id string) bool {
		_, known := l.seen[id]
		return known
	})
	if err != nil {
		return err
	}
	l.cursor = cursor

	for _, message := range messages {
		l.seen[message.ID] = message.Status
		l.handler.OnMessage(message)
		l.trackDestroy(message)
	}

	return l.reconcileStates(ctx)
}

// reconcileStates re-reads known non-terminal messages and reports status
// movement. Terminal messages drop out of the watch set.
func (l *Loop) reconcileStates(ctx context.Context) error {
	now := l.clock().UTC()
	for id, lastStatus := range l.seen {
		if lastStatus == domain.MessageDestroyed {
			continue
		}
		message, err := l.getMessage(ctx, id)
		if err != nil {
			if errors.Is(err, apperrors.New(apperrors.CodeMessageNotFound, "")) {
				delete(l.seen, id)
				continue
			}
			return err
		}

		effective := message.StatusAt(now)
		if effective != lastStatus {
			l.seen[id] = effective
			l.handler.OnMessageStateChanged(message)
		}
		l.trackDestroy(message)
	}
	return nil
}

func (l *Loop) trackDestroy(message domain.Message) {
	if l.destroyer != nil && message.DestroyDeadline != nil {
		l.destroyer.Track(message)
	}
}

func (l *Loop) fetchSession(ctx context.Context) (domain.Session, error) {
	var session domain.Session
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		fetched, getErr := l.store.GetSession(ctx, l.sessionID)
		if errors.Is(getErr, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeSessionNotFound,
				"session disappeared",
				map[string]string{"SessionID": l.sessionID})
		}
		if getErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "fetch session", getErr)
		}
		session = fetched
		return nil
	})
	return session, err
}

func (l *Loop) getMessage(ctx context.Context, messageID string) (domain.Message, error) {
	var message domain.Message
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		fetched, getErr := l.store.GetMessage(ctx, messageID)
		if errors.Is(getErr, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeMessageNotFound, "message disappeared")
		}
		if getErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "fetch message", getErr)
		}
		message = fetched
		return nil
	})
	return message, err
}

// sessionHash summarizes the fields OnSessionChanged cares about.
func sessionHash(session domain.Session) string {
	hash := session.Status.String()
	for _, p := range session.Participants {
		hash += "|" + p.UserID + ":" + p.DisplayName
	}
	return hash
}

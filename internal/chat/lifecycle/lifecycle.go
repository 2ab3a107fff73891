// Package lifecycle destroys read messages when their deadline passes.
//
// Destruction is driven by the stored absolute deadline, never by a
// restarted countdown: tracking the same message twice, or re-tracking it
// after a process restart, arms a timer for the same instant. The sweep
// loop picks up deadlines that elapsed while no timer was armed.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/feed"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

// DefaultSweepInterval is how often the recovery sweep scans for elapsed
// deadlines nobody has a timer armed for.
const DefaultSweepInterval = 30 * time.Second

// sweepBatch bounds one recovery scan.
const sweepBatch = 100

// Destroyer arms per-message timers and performs the two-step destruction
// write: Read -> Destroying -> Destroyed with the payload cleared.
type Destroyer struct {
	store     storage.SessionStore
	retrier   *retry.Retrier
	publisher feed.Publisher
	clock     func() time.Time
	interval  time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Option customizes a Destroyer.
type Option func(*Destroyer)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(d *Destroyer) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithSweepInterval overrides the recovery sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(d *Destroyer) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// NewDestroyer creates a destroyer. publisher may be nil.
func NewDestroyer(store storage.SessionStore, retrier *retry.Retrier, publisher feed.Publisher, opts ...Option) *Destroyer {
	d := &Destroyer{
		store:     store,
		retrier:   retrier,
		publisher: publisher,
		clock:     time.Now,
		interval:  DefaultSweepInterval,
		timers:    make(map[string]*time.Timer),
	}
	if publisher == nil {
		d.publisher = feed.NopPublisher{}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Track arms a destruction timer for the message if it carries a deadline.
// Re-tracking is harmless: the timer always fires at the stored absolute
// deadline, and an elapsed deadline destroys immediately.
func (d *Destroyer) Track(message domain.Message) {
	if message.DestroyDeadline == nil || message.Status == domain.MessageDestroyed {
		return
	}

	remaining := message.DestroyDeadline.Sub(d.clock())
	if remaining <= 0 {
		go d.destroy(context.Background(), message.ID, message.SessionID)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, armed := d.timers[message.ID]; armed {
		return
	}
	messageID, sessionID := message.ID, message.SessionID
	d.timers[messageID] = time.AfterFunc(remaining, func() {
		d.mu.Lock()
		delete(d.timers, messageID)
		d.mu.Unlock()
		d.destroy(context.Background(), messageID, sessionID)
	})
}

// Stop disarms the timer for one message, if any.
func (d *Destroyer) Stop(messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[messageID]; ok {
		timer.Stop()
		delete(d.timers, messageID)
	}
}

// Close disarms every timer.
func (d *Destroyer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}

// Destroy runs the destruction chain for one message immediately.
func (d *Destroyer) Destroy(ctx context.Context, messageID, sessionID string) error {
	return d.destroy(ctx, messageID, sessionID)
}

// destroy advances Read -> Destroying -> Destroyed. Both hops are
// conditional, so concurrent destroyers and repeats converge on a single
// terminal write. The payload is cleared with the final transition, and a
// session preview still showing the destroyed text is cleared with it.
func (d *Destroyer) destroy(ctx context.Context, messageID, sessionID string) error {
	var previewText string
	if message, err := d.store.GetMessage(ctx, messageID); err == nil &&
		message.Type == domain.MessageText && !message.Redacted {
		previewText = domain.Preview(message.Payload)
	}

	var destroyed bool
	err := d.retrier.Do(ctx, func(ctx context.Context) error {
		_, updateErr := d.store.UpdateMessageStatus(ctx, messageID,
			[]domain.MessageStatus{domain.MessageRead}, domain.MessageDestroying,
			storage.MessageStatusUpdate{})
		if errors.Is(updateErr, storage.ErrNotFound) {
			return nil
		}
		if updateErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "begin destruction", updateErr)
		}

		changed, updateErr := d.store.UpdateMessageStatus(ctx, messageID,
			[]domain.MessageStatus{domain.MessageDestroying}, domain.MessageDestroyed,
			storage.MessageStatusUpdate{ClearPayload: true})
		if updateErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "finish destruction", updateErr)
		}
		destroyed = changed
		return nil
	})
	if err != nil {
		log.Printf("lifecycle: destroy %s: %v", messageID, err)
		return err
	}
	if !destroyed {
		return nil
	}

	// Best effort: the preview is never authoritative, but destroyed text
	// must not keep showing in the session list.
	if previewText != "" {
		if _, err := d.store.ClearSessionPreview(ctx, sessionID, previewText); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("lifecycle: clear preview for %s: %v", sessionID, err)
		}
	}

	d.publisher.Publish(feed.Event{
		SessionID: sessionID,
		Kind:      feed.EventMessageStateChanged,
		MessageID: messageID,
	})
	return nil
}

// Run sweeps for elapsed deadlines until ctx is done. The sweep recovers
// messages whose deadline passed while no process had a timer armed, e.g.
// across restarts.
func (d *Destroyer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Close()
			return ctx.Err()
		case <-ticker.C:
			if err := d.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("lifecycle: sweep: %v", err)
			}
		}
	}
}

// Sweep destroys every message whose deadline is already past.
func (d *Destroyer) Sweep(ctx context.Context) error {
	var due []domain.Message
	err := d.retrier.Do(ctx, func(ctx context.Context) error {
		listed, listErr := d.store.ListDestroyDue(ctx, d.clock().UTC(), sweepBatch)
		if listErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "list due messages", listErr)
		}
		due = listed
		return nil
	})
	if err != nil {
		return err
	}

	for _, message := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.destroy(ctx, message.ID, message.SessionID)
	}
	return nil
}

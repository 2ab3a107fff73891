// Package channel moves messages through a session: sending, delivery on
// first receive, and the read transition that arms timed destruction.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/feed"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

// Channel sends and receives messages over a session store.
type Channel struct {
	store     storage.SessionStore
	retrier   *retry.Retrier
	publisher feed.Publisher
	clock     func() time.Time
	suffix    func() string
}

// Option customizes a Channel.
type Option func(*Channel)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Channel) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMessageSuffix overrides the message id suffix source (tests).
func WithMessageSuffix(suffix func() string) Option {
	return func(c *Channel) {
		if suffix != nil {
			c.suffix = suffix
		}
	}
}

// New creates a message channel. publisher may be nil.
func New(store storage.SessionStore, retrier *retry.Retrier, publisher feed.Publisher, opts ...Option) *Channel {
	c := &Channel{
		store:     store,
		retrier:   retrier,
		publisher: publisher,
		clock:     time.Now,
		suffix:    uuid.NewString,
	}
	if publisher == nil {
		c.publisher = feed.NopPublisher{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send validates, persists, and announces one message. The append runs
// under the retry budget; exhaustion surfaces as SEND_FAILED and the
// message is not enqueued anywhere else, so a failed send is simply gone.
func (c *Channel) Send(ctx context.Context, input domain.CreateMessageInput) (domain.Message, error) {
	sentAt := c.clock().UTC()
	message, err := domain.CreateMessage(input, sentAt, c.suffix())
	if err != nil {
		return domain.Message{}, err
	}

	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		appendErr := c.store.AppendMessage(ctx, message)
		if errors.Is(appendErr, storage.ErrAlreadyExists) {
			// The previous attempt's write landed; the send succeeded.
			return nil
		}
		if errors.Is(appendErr, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeSessionNotFound,
				"cannot send to an unknown session",
				map[string]string{"SessionID": message.SessionID})
		}
		if appendErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "append message", appendErr)
		}
		return nil
	})
	if err != nil {
		if apperrors.IsTerminal(err) {
			return domain.Message{}, err
		}
		return domain.Message{}, apperrors.Wrap(apperrors.CodeSendFailed,
			fmt.Sprintf("send message to %s", message.SessionID), err)
	}

	// Preview refresh is best effort and never retried: the next send
	// overwrites it anyway.
	if message.Type == domain.MessageText {
		if err := c.store.TouchSession(ctx, message.SessionID, sentAt, domain.Preview(message.Payload)); err != nil {
			log.Printf("channel: refresh preview for %s: %v", message.SessionID, err)
		}
	}

	c.publisher.Publish(feed.Event{
		SessionID: message.SessionID,
		Kind:      feed.EventMessageAdded,
		MessageID: message.ID,
	})
	return message, nil
}

// Receive returns messages strictly after the cursor in (sentAt, id) order,
// skipping ids the caller already knows. Messages from other senders are
// marked Delivered on their first receive; the conditional update makes
// concurrent receivers race safely.
func (c *Channel) Receive(ctx context.Context, sessionID, receiverID string, after storage.MessageCursor, known func(messageID string) bool) ([]domain.Message, storage.MessageCursor, error) {
	var fetched []domain.Message
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		messages, queryErr := c.store.QueryMessages(ctx, sessionID, after, 0)
		if queryErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "query messages", queryErr)
		}
		fetched = messages
		return nil
	})
	if err != nil {
		return nil, after, err
	}

	cursor := after
	result := make([]domain.Message, 0, len(fetched))
	for _, message := range fetched {
		cursor = cursor.Advance(message)
		if known != nil && known(message.ID) {
			continue
		}
		if message.SenderID != receiverID && message.Status == domain.MessageSent {
			changed, err := c.store.UpdateMessageStatus(ctx, message.ID,
				[]domain.MessageStatus{domain.MessageSent}, domain.MessageDelivered,
				storage.MessageStatusUpdate{})
			if err != nil {
				log.Printf("channel: mark %s delivered: %v", message.ID, err)
			} else if changed {
				message.Status = domain.MessageDelivered
				c.publisher.Publish(feed.Event{
					SessionID: sessionID,
					Kind:      feed.EventMessageStateChanged,
					MessageID: message.ID,
				})
			} else {
				// Someone else advanced it first; re-read the winner's state.
				if refreshed, getErr := c.store.GetMessage(ctx, message.ID); getErr == nil {
					message = refreshed
				}
			}
		}
		result = append(result, message)
	}
	return result, cursor, nil
}

// MarkRead records that a user viewed the message and arms its destroy
// deadline. The deadline is computed exactly once: repeats and crashed
// clients re-calling MarkRead never extend the countdown.
func (c *Channel) MarkRead(ctx context.Context, messageID string) (domain.Message, error) {
	message, err := c.getMessage(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}

	switch message.Status {
	case domain.MessageRead, domain.MessageDestroying, domain.MessageDestroyed:
		// Already read; the stored deadline stands.
		return message, nil
	}

	deadline := c.clock().UTC().Add(time.Duration(message.DestroyTimeoutSeconds) * time.Second)
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		changed, updateErr := c.store.UpdateMessageStatus(ctx, messageID,
			[]domain.MessageStatus{domain.MessageSent, domain.MessageDelivered},
			domain.MessageRead,
			storage.MessageStatusUpdate{DestroyDeadline: &deadline})
		if errors.Is(updateErr, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeMessageNotFound,
				"message vanished during read",
				map[string]string{"MessageID": messageID})
		}
		if updateErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "mark message read", updateErr)
		}
		if !changed {
			// A concurrent reader won; their deadline stands.
			return nil
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}

	updated, err := c.getMessage(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	c.publisher.Publish(feed.Event{
		SessionID: updated.SessionID,
		Kind:      feed.EventMessageStateChanged,
		MessageID: updated.ID,
	})
	return updated, nil
}

func (c *Channel) getMessage(ctx context.Context, messageID string) (domain.Message, error) {
	var message domain.Message
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		fetched, getErr := c.store.GetMessage(ctx, messageID)
		if errors.Is(getErr, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeMessageNotFound,
				"message does not exist",
				map[string]string{"MessageID": messageID})
		}
		if getErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "fetch message", getErr)
		}
		message = fetched
		return nil
	})
	return message, err
}

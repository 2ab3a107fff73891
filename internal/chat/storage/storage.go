// Package storage defines the session store contract consumed by the chat
// core. Every mutating operation reports whether it actually changed
// anything so callers can keep their retry paths idempotent.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a create collided with an existing record.
var ErrAlreadyExists = errors.New("record already exists")

// ErrSessionFull indicates a conditional participant append was rejected
// because the session is at capacity.
var ErrSessionFull = errors.New("session is at participant capacity")

// MessageCursor addresses a position in a session's message stream:
// strictly after (SentAtMillis, MessageID) in (sentAt, id) order.
type MessageCursor struct {
	SentAtMillis int64
	MessageID    string
}

// After reports whether the message sits strictly past the cursor.
func (c MessageCursor) After(m domain.Message) bool {
	millis := m.SentAt.UTC().UnixMilli()
	if millis != c.SentAtMillis {
		return millis > c.SentAtMillis
	}
	return m.ID > c.MessageID
}

// Advance moves the cursor past the message.
func (c MessageCursor) Advance(m domain.Message) MessageCursor {
	return MessageCursor{
		SentAtMillis: m.SentAt.UTC().UnixMilli(),
		MessageID:    m.ID,
	}
}

// MessageStatusUpdate carries the optional field changes applied together
// with a conditional status transition.
type MessageStatusUpdate struct {
	// DestroyDeadline is persisted when transitioning into Read. It is
	// never overwritten once set.
	DestroyDeadline *time.Time
	// ClearPayload irrecoverably redacts the payload (Destroyed).
	ClearPayload bool
}

// SessionStore persists sessions, participants, and messages.
//
// Implementations must make AddParticipantIfAbsent, SetSessionStatus, and
// UpdateMessageStatus atomic: two concurrent callers may not both observe
// "changed" for the same logical transition, and a lost update of the
// participant collection is never acceptable.
type SessionStore interface {
	// CreateSession persists a new session. ErrAlreadyExists when the id
	// is taken.
	CreateSession(ctx context.Context, session domain.Session) error

	// GetSession fetches a session snapshot with its participants.
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)

	// AddParticipantIfAbsent appends the participant unless a member with
	// the same user id exists. It returns the resulting snapshot and
	// whether anything was written. capacity <= 0 means unbounded;
	// ErrSessionFull when the append would exceed it.
	AddParticipantIfAbsent(ctx context.Context, sessionID string, participant domain.Participant, capacity int) (domain.Session, bool, error)

	// SetSessionStatus performs a compare-and-set on the session status.
	// It returns false without error when the current status is not
	// `from` (someone else already applied the transition) or when
	// from -> to is not a forward transition. Status never regresses.
	SetSessionStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, at time.Time) (bool, error)

	// TouchSession bumps updatedAt and, when preview is non-empty,
	// replaces the denormalized last-message preview. Best effort.
	TouchSession(ctx context.Context, sessionID string, at time.Time, preview string) error

	// ClearSessionPreview empties the denormalized preview when it still
	// equals matching, so a destroyed message's text does not linger in
	// the session list. It reports whether anything was written.
	ClearSessionPreview(ctx context.Context, sessionID, matching string) (bool, error)

	// AppendMessage persists a new message in the Sent state.
	AppendMessage(ctx context.Context, message domain.Message) error

	// GetMessage fetches one message by id.
	GetMessage(ctx context.Context, messageID string) (domain.Message, error)

	// QueryMessages returns up to limit messages strictly after the
	// cursor, ordered by (sentAt, id). limit <= 0 means no limit.
	QueryMessages(ctx context.Context, sessionID string, after MessageCursor, limit int) ([]domain.Message, error)

	// UpdateMessageStatus transitions a message from any status in `from`
	// to `to`, applying the update fields in the same atomic write. It
	// returns false without error when the current status is not in
	// `from`.
	UpdateMessageStatus(ctx context.Context, messageID string, from []domain.MessageStatus, to domain.MessageStatus, update MessageStatusUpdate) (bool, error)

	// ListDestroyDue returns Read messages whose destroy deadline is at or
	// before now. Used for deadline recovery after restarts.
	ListDestroyDue(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)

	// ListInactiveSessions returns ids of non-expired sessions whose
	// updatedAt is at or before the cutoff. Used by the reaper.
	ListInactiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

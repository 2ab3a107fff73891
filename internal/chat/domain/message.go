package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

// Destroy timeout bounds, in seconds. The timeout is configured at send
// time and clamped into this range.
const (
	DefaultDestroyTimeoutSeconds = 10
	MinDestroyTimeoutSeconds     = 5
	MaxDestroyTimeoutSeconds     = 60
)

// MessageType distinguishes user text from membership announcements.
type MessageType int

const (
	// MessageTypeUnspecified represents an invalid message type.
	MessageTypeUnspecified MessageType = iota
	// MessageText is a user-authored message.
	MessageText
	// MessageSystem is generated by the join flow ("<name> joined").
	MessageSystem
)

// String returns the lowercase label used in storage and wire payloads.
func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageSystem:
		return "system"
	default:
		return "unspecified"
	}
}

// ParseMessageType maps a storage label back to a type.
func ParseMessageType(label string) MessageType {
	switch label {
	case "text":
		return MessageText
	case "system":
		return MessageSystem
	default:
		return MessageTypeUnspecified
	}
}

// MessageStatus tracks a message through its send -> deliver -> read ->
// timed-destruction lifecycle.
type MessageStatus int

const (
	// MessageStatusUnspecified represents an invalid message status.
	MessageStatusUnspecified MessageStatus = iota
	// MessageSent means the message is persisted but not yet observed by a
	// receiving client.
	MessageSent
	// MessageDelivered means a receiving client has fetched the message.
	MessageDelivered
	// MessageRead means a user viewed the message; the destroy deadline is
	// computed exactly once on this transition.
	MessageRead
	// MessageDestroying is the transient redaction state.
	MessageDestroying
	// MessageDestroyed is terminal: the payload is irrecoverably cleared.
	MessageDestroyed
)

// String returns the lowercase label used in storage and wire payloads.
func (s MessageStatus) String() string {
	switch s {
	case MessageSent:
		return "sent"
	case MessageDelivered:
		return "delivered"
	case MessageRead:
		return "read"
	case MessageDestroying:
		return "destroying"
	case MessageDestroyed:
		return "destroyed"
	default:
		return "unspecified"
	}
}

// ParseMessageStatus maps a storage label back to a status.
func ParseMessageStatus(label string) MessageStatus {
	switch label {
	case "sent":
		return MessageSent
	case "delivered":
		return MessageDelivered
	case "read":
		return MessageRead
	case "destroying":
		return MessageDestroying
	case "destroyed":
		return MessageDestroyed
	default:
		return MessageStatusUnspecified
	}
}

// CanAdvanceTo reports whether the status may move to next. Message status
// only moves forward; MessageDestroyed is terminal. Skipping intermediate
// states forward is allowed (a reader may mark a Sent message Read without
// an observed Delivered hop).
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == MessageDestroyed || next == MessageStatusUnspecified {
		return false
	}
	return next > s
}

// Message is one chat message and its destruction bookkeeping.
type Message struct {
	ID                    string
	SessionID             string
	SenderID              string
	Type                  MessageType
	Payload               string
	SentAt                time.Time
	Status                MessageStatus
	DestroyTimeoutSeconds int
	// DestroyDeadline is set exactly once, on the transition into Read.
	// Clients derive remaining time from it; they never re-arm it.
	DestroyDeadline *time.Time
	Redacted        bool
}

// Less orders messages by sentAt with the id as a deterministic tie-break.
func (m Message) Less(other Message) bool {
	if m.SentAt.Equal(other.SentAt) {
		return m.ID < other.ID
	}
	return m.SentAt.Before(other.SentAt)
}

// NewMessageID builds a monotonically sortable message id from the send
// time and a random suffix. Lexical order matches send order per sender.
func NewMessageID(sentAt time.Time, suffix string) string {
	return fmt.Sprintf("%013d-%s", sentAt.UTC().UnixMilli(), suffix)
}

// ClampDestroyTimeout bounds a requested destroy timeout, substituting the
// default for non-positive values.
func ClampDestroyTimeout(seconds int) int {
	if seconds <= 0 {
		return DefaultDestroyTimeoutSeconds
	}
	if seconds < MinDestroyTimeoutSeconds {
		return MinDestroyTimeoutSeconds
	}
	if seconds > MaxDestroyTimeoutSeconds {
		return MaxDestroyTimeoutSeconds
	}
	return seconds
}

// previewRunes bounds the denormalized last-message preview.
const previewRunes = 50

// Preview truncates a payload for the session list.
func Preview(payload string) string {
	runes := []rune(payload)
	if len(runes) <= previewRunes {
		return payload
	}
	return string(runes[:previewRunes]) + "…"
}

// CreateMessageInput describes a message being sent.
type CreateMessageInput struct {
	SessionID             string
	SenderID              string
	Type                  MessageType
	Payload               string
	DestroyTimeoutSeconds int
}

// CreateMessage validates and builds a message in the Sent state.
//
// The id is derived from sentAt plus the provided suffix so ids sort by
// send time; callers supply the suffix source (random in production,
// deterministic in tests).
func CreateMessage(input CreateMessageInput, sentAt time.Time, suffix string) (Message, error) {
	sessionID := strings.TrimSpace(input.SessionID)
	if sessionID == "" {
		return Message{}, apperrors.New(apperrors.CodeMessageEmptySessionID, "message session id is required")
	}
	senderID := strings.TrimSpace(input.SenderID)
	if senderID == "" {
		return Message{}, apperrors.New(apperrors.CodeMessageEmptySenderID, "message sender id is required")
	}
	if strings.TrimSpace(input.Payload) == "" {
		return Message{}, apperrors.New(apperrors.CodeMessageEmptyPayload, "message payload is required")
	}
	messageType := input.Type
	if messageType == MessageTypeUnspecified {
		messageType = MessageText
	}

	sentAt = sentAt.UTC()
	return Message{
		ID:                    NewMessageID(sentAt, suffix),
		SessionID:             sessionID,
		SenderID:              senderID,
		Type:                  messageType,
		Payload:               input.Payload,
		SentAt:                sentAt,
		Status:                MessageSent,
		DestroyTimeoutSeconds: ClampDestroyTimeout(input.DestroyTimeoutSeconds),
	}, nil
}

// StatusAt derives the effective lifecycle status at time t.
//
// Destruction is deadline-based: a Read message with a stored deadline is
// Destroyed at any t at or past the deadline, no matter how many times a
// client restarted in between.
func (m Message) StatusAt(t time.Time) MessageStatus {
	if m.Status == MessageRead && m.DestroyDeadline != nil && !t.Before(*m.DestroyDeadline) {
		return MessageDestroyed
	}
	if m.Status == MessageDestroying {
		return MessageDestroyed
	}
	return m.Status
}

// RemainingAt reports the countdown left before destruction at time t.
// It returns zero when no deadline applies or the deadline has passed.
func (m Message) RemainingAt(t time.Time) time.Duration {
	if m.DestroyDeadline == nil {
		return 0
	}
	remaining := m.DestroyDeadline.Sub(t)
	if remaining < 0 {
		return 0
	}
	return remaining
}

package domain

import (
	"errors"
	"testing"
	"time"

	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

func TestMessageStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to MessageStatus
		want     bool
	}{
		{MessageSent, MessageDelivered, true},
		{MessageSent, MessageRead, true},
		{MessageDelivered, MessageRead, true},
		{MessageRead, MessageDestroying, true},
		{MessageDestroying, MessageDestroyed, true},
		{MessageDelivered, MessageSent, false},
		{MessageRead, MessageDelivered, false},
		{MessageDestroyed, MessageDestroying, false},
		{MessageDestroyed, MessageRead, false},
		{MessageSent, MessageStatusUnspecified, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.want {
			t.Fatalf("%v -> %v = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCreateMessage(t *testing.T) {
	sentAt := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	msg, err := CreateMessage(CreateMessageInput{
		SessionID:             "sess-1",
		SenderID:              "user-a",
		Payload:               "hello",
		DestroyTimeoutSeconds: 10,
	}, sentAt, "abc123")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if msg.Status != MessageSent {
		t.Fatalf("expected sent, got %v", msg.Status)
	}
	if msg.Type != MessageText {
		t.Fatalf("expected text type default, got %v", msg.Type)
	}
	if msg.ID != NewMessageID(sentAt, "abc123") {
		t.Fatalf("unexpected id %q", msg.ID)
	}
	if msg.DestroyDeadline != nil {
		t.Fatal("deadline must not be set before read")
	}
}

func TestCreateMessageValidation(t *testing.T) {
	sentAt := time.Now()
	_, err := CreateMessage(CreateMessageInput{SenderID: "a", Payload: "x"}, sentAt, "s")
	if !errors.Is(err, apperrors.New(apperrors.CodeMessageEmptySessionID, "")) {
		t.Fatalf("expected empty session id error, got %v", err)
	}
	_, err = CreateMessage(CreateMessageInput{SessionID: "s", Payload: "x"}, sentAt, "s")
	if !errors.Is(err, apperrors.New(apperrors.CodeMessageEmptySenderID, "")) {
		t.Fatalf("expected empty sender id error, got %v", err)
	}
	_, err = CreateMessage(CreateMessageInput{SessionID: "s", SenderID: "a", Payload: "   "}, sentAt, "s")
	if !errors.Is(err, apperrors.New(apperrors.CodeMessageEmptyPayload, "")) {
		t.Fatalf("expected empty payload error, got %v", err)
	}
}

func TestClampDestroyTimeout(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, DefaultDestroyTimeoutSeconds},
		{-5, DefaultDestroyTimeoutSeconds},
		{1, MinDestroyTimeoutSeconds},
		{10, 10},
		{30, 30},
		{600, MaxDestroyTimeoutSeconds},
	}
	for _, tc := range cases {
		if got := ClampDestroyTimeout(tc.in); got != tc.want {
			t.Fatalf("ClampDestroyTimeout(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestMessageIDSortsBySendTime(t *testing.T) {
	earlier := NewMessageID(time.UnixMilli(1_700_000_000_000), "zzz")
	later := NewMessageID(time.UnixMilli(1_700_000_000_001), "aaa")
	if !(earlier < later) {
		t.Fatalf("expected %q < %q", earlier, later)
	}
}

func TestMessageLessTieBreaksOnID(t *testing.T) {
	at := time.Now().UTC()
	a := Message{ID: "001-a", SentAt: at}
	b := Message{ID: "001-b", SentAt: at}
	if !a.Less(b) || b.Less(a) {
		t.Fatal("expected id tie-break ordering")
	}
}

func TestStatusAtIsDeadlineBased(t *testing.T) {
	deadline := time.Date(2026, 3, 14, 9, 0, 10, 0, time.UTC)
	msg := Message{Status: MessageRead, DestroyDeadline: &deadline}

	if got := msg.StatusAt(deadline.Add(-time.Second)); got != MessageRead {
		t.Fatalf("before deadline: got %v", got)
	}
	if got := msg.StatusAt(deadline); got != MessageDestroyed {
		t.Fatalf("at deadline: got %v", got)
	}
	// Re-deriving at a later time must yield the same answer: the stored
	// deadline, not a client timer, decides.
	if got := msg.StatusAt(deadline.Add(time.Hour)); got != MessageDestroyed {
		t.Fatalf("past deadline: got %v", got)
	}
}

func TestRemainingAt(t *testing.T) {
	deadline := time.Date(2026, 3, 14, 9, 0, 10, 0, time.UTC)
	msg := Message{Status: MessageRead, DestroyDeadline: &deadline}

	if got := msg.RemainingAt(deadline.Add(-4 * time.Second)); got != 4*time.Second {
		t.Fatalf("expected 4s remaining, got %v", got)
	}
	if got := msg.RemainingAt(deadline.Add(time.Second)); got != 0 {
		t.Fatalf("expected 0 after deadline, got %v", got)
	}
	if got := (Message{}).RemainingAt(deadline); got != 0 {
		t.Fatalf("expected 0 without deadline, got %v", got)
	}
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage/memory"
	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

func fastRetrier() *retry.Retrier {
	return retry.New("test", retry.DefaultPolicy(),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func seedSession(t *testing.T, store storage.SessionStore) domain.Session {
	t.Helper()
	session, err := domain.CreateSession(domain.CreateSessionInput{
		Creator: &domain.CreateParticipantInput{UserID: "alice", DisplayName: "Alice"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

func newChannel(store storage.SessionStore, clock func() time.Time) *Channel {
	var n int
	var mu sync.Mutex
	suffix := func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("suffix%04d", n)
	}
	opts := []Option{WithMessageSuffix(suffix)}
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}
	return New(store, fastRetrier(), nil, opts...)
}

// brokenStore fails every message append with a transient error.
type brokenStore struct {
	storage.SessionStore
	appends int
}

func (s *brokenStore) AppendMessage(ctx context.Context, message domain.Message) error {
	s.appends++
	return errors.New("store unavailable")
}

func TestSendPersistsAndUpdatesPreview(t *testing.T) {
	store := memory.New()
	session := seedSession(t, store)
	ch := newChannel(store, nil)

	message, err := ch.Send(context.Background(), domain.CreateMessageInput{
		SessionID: session.ID,
		SenderID:  "alice",
		Payload:   "hello there",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if message.Status != domain.MessageSent {
		t.Fatalf("expected sent status, got %v", message.Status)
	}

	stored, err := store.GetMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("fetch message: %v", err)
	}
	if stored.Payload != "hello there" {
		t.Fatalf("payload mismatch: %q", stored.Payload)
	}

	updated, err := store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("fetch session: %v", err)
	}
	if updated.LastMessagePreview != "hello there" {
		t.Fatalf("preview mismatch: %q", updated.LastMessagePreview)
	}
}

func TestSendBoundedRetriesThenBreakerOpens(t *testing.T) {
	broken := &brokenStore{SessionStore: memory.New()}
	session := seedSession(t, broken.SessionStore)
	ch := newChannel(broken, nil)

	input := domain.CreateMessageInput{
		SessionID: session.ID,
		SenderID:  "alice",
		Payload:   "doomed",
	}

	_, err := ch.Send(context.Background(), input)
	if !errors.Is(err, apperrors.New(apperrors.CodeSendFailed, "")) {
		t.Fatalf("expected SEND_FAILED, got %v", err)
	}
	if !errors.Is(err, apperrors.New(apperrors.CodeRetryBudgetExhausted, "")) {
		t.Fatalf("expected exhausted retry budget in chain, got %v", err)
	}
	if broken.appends != 3 {
		t.Fatalf("expected exactly 3 append attempts, got %d", broken.appends)
	}

	// The breaker is now open: further sends short-circuit without touching
	// the store.
	_, err = ch.Send(context.Background(), input)
	if !errors.Is(err, apperrors.New(apperrors.CodeBreakerOpen, "")) {
		t.Fatalf("expected BREAKER_OPEN, got %v", err)
	}
	if broken.appends != 3 {
		t.Fatalf("open breaker hit the store: %d appends", broken.appends)
	}
}

func TestReceiveOrdersAndDeduplicates(t *testing.T) {
	store := memory.New()
	session := seedSession(t, store)
	ch := newChannel(store, nil)

	var sent []domain.Message
	for i := 0; i < 3; i++ {
		message, err := ch.Send(context.Background(), domain.CreateMessageInput{
			SessionID: session.ID,
			SenderID:  "alice",
			Payload:   fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		sent = append(sent, message)
	}

	known := map[string]bool{sent[0].ID: true}
	received, cursor, err := ch.Receive(context.Background(), session.ID, "bob",
		storage.MessageCursor{}, func(id string) bool { return known[id] })
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 new messages, got %d", len(received))
	}
	if received[0].ID != sent[1].ID || received[1].ID != sent[2].ID {
		t.Fatalf("unexpected order: %q, %q", received[0].ID, received[1].ID)
	}
	// Messages from the other sender are Delivered on first receive.
	for _, m := range received {
		if m.Status != domain.MessageDelivered {
			t.Fatalf("expected delivered, got %v for %s", m.Status, m.ID)
		}
	}

	// The cursor advances past everything seen, known or not.
	again, _, err := ch.Receive(context.Background(), session.ID, "bob", cursor, nil)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no messages past cursor, got %d", len(again))
	}
}

func TestReceiveDoesNotDeliverOwnMessages(t *testing.T) {
	store := memory.New()
	session := seedSession(t, store)
	ch := newChannel(store, nil)

	message, err := ch.Send(context.Background(), domain.CreateMessageInput{
		SessionID: session.ID,
		SenderID:  "alice",
		Payload:   "own message",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	received, _, err := ch.Receive(context.Background(), session.ID, "alice",
		storage.MessageCursor{}, nil)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("expected own message echoed, got %d", len(received))
	}
	if received[0].Status != domain.MessageSent {
		t.Fatalf("own message must stay sent, got %v", received[0].Status)
	}

	stored, err := store.GetMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if stored.Status != domain.MessageSent {
		t.Fatalf("sender receive advanced status to %v", stored.Status)
	}
}

func TestMarkReadArmsDeadlineOnce(t *testing.T) {
	store := memory.New()
	session := seedSession(t, store)

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ch := newChannel(store, clock)

	message, err := ch.Send(context.Background(), domain.CreateMessageInput{
		SessionID:             session.ID,
		SenderID:              "alice",
		Payload:               "burn after reading",
		DestroyTimeoutSeconds: 10,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	read, err := ch.MarkRead(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if read.Status != domain.MessageRead {
		t.Fatalf("expected read status, got %v", read.Status)
	}
	if read.DestroyDeadline == nil {
		t.Fatal("expected destroy deadline")
	}
	want := now.Add(10 * time.Second)
	if !read.DestroyDeadline.Equal(want) {
		t.Fatalf("deadline mismatch: got %v want %v", read.DestroyDeadline, want)
	}

	// A later repeat must not extend the countdown.
	now = now.Add(5 * time.Second)
	repeat, err := ch.MarkRead(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if !repeat.DestroyDeadline.Equal(want) {
		t.Fatalf("repeat moved the deadline: got %v want %v", repeat.DestroyDeadline, want)
	}
}

func TestMarkReadUnknownMessage(t *testing.T) {
	store := memory.New()
	ch := newChannel(store, nil)

	_, err := ch.MarkRead(context.Background(), "0000000000000-missing")
	if !errors.Is(err, apperrors.New(apperrors.CodeMessageNotFound, "")) {
		t.Fatalf("expected MESSAGE_NOT_FOUND, got %v", err)
	}
}

func TestSendRejectsEmptyPayloadWithoutRetry(t *testing.T) {
	broken := &brokenStore{SessionStore: memory.New()}
	ch := newChannel(broken, nil)

	_, err := ch.Send(context.Background(), domain.CreateMessageInput{
		SessionID: "b2c3d4e5f6g7h2j3k4m5n6p7q2",
		SenderID:  "alice",
		Payload:   "   ",
	})
	if !errors.Is(err, apperrors.New(apperrors.CodeMessageEmptyPayload, "")) {
		t.Fatalf("expected MESSAGE_EMPTY_PAYLOAD, got %v", err)
	}
	if broken.appends != 0 {
		t.Fatalf("validation failure hit the store: %d appends", broken.appends)
	}
}

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage/memory"
)

func fastRetrier() *retry.Retrier {
	return retry.New("test", retry.DefaultPolicy(),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func seedReadMessage(t *testing.T, store storage.SessionStore, deadline time.Time) domain.Message {
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

	message, err := domain.CreateMessage(domain.CreateMessageInput{
		SessionID: session.ID,
		SenderID:  "alice",
		Payload:   "secret",
	}, deadline.Add(-10*time.Second), "suffix0001")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := store.AppendMessage(context.Background(), message); err != nil {
		t.Fatalf("append message: %v", err)
	}

	changed, err := store.UpdateMessageStatus(context.Background(), message.ID,
		[]domain.MessageStatus{domain.MessageSent}, domain.MessageRead,
		storage.MessageStatusUpdate{DestroyDeadline: &deadline})
	if err != nil || !changed {
		t.Fatalf("mark read: changed=%v err=%v", changed, err)
	}

	read, err := store.GetMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("fetch read message: %v", err)
	}
	return read
}

func waitDestroyed(t *testing.T, store storage.SessionStore, messageID string) domain.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		message, err := store.GetMessage(context.Background(), messageID)
		if err != nil {
			t.Fatalf("fetch message: %v", err)
		}
		if message.Status == domain.MessageDestroyed {
			return message
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message was not destroyed in time")
	return domain.Message{}
}

func TestTrackDestroysAtDeadline(t *testing.T) {
	store := memory.New()
	deadline := time.Now().UTC().Add(50 * time.Millisecond)
	message := seedReadMessage(t, store, deadline)

	destroyer := NewDestroyer(store, fastRetrier(), nil)
	defer destroyer.Close()
	destroyer.Track(message)

	destroyed := waitDestroyed(t, store, message.ID)
	if destroyed.Payload != "" {
		t.Fatalf("payload survived destruction: %q", destroyed.Payload)
	}
	if !destroyed.Redacted {
		t.Fatal("expected redacted flag")
	}
}

func TestTrackElapsedDeadlineDestroysImmediately(t *testing.T) {
	store := memory.New()
	deadline := time.Now().UTC().Add(-time.Minute)
	message := seedReadMessage(t, store, deadline)

	destroyer := NewDestroyer(store, fastRetrier(), nil)
	defer destroyer.Close()
	destroyer.Track(message)

	waitDestroyed(t, store, message.ID)
}

func TestRepeatTrackDoesNotExtendDeadline(t *testing.T) {
	store := memory.New()
	deadline := time.Now().UTC().Add(80 * time.Millisecond)
	message := seedReadMessage(t, store, deadline)

	destroyer := NewDestroyer(store, fastRetrier(), nil)
	defer destroyer.Close()

	// Simulate a client restart loop: tracking again and again must still
	// destroy at the original absolute deadline.
	destroyer.Track(message)
	time.Sleep(30 * time.Millisecond)
	destroyer.Track(message)
	time.Sleep(30 * time.Millisecond)
	destroyer.Track(message)

	waitDestroyed(t, store, message.ID)
	if time.Now().UTC().Before(deadline) {
		t.Fatal("destroyed before the deadline")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	store := memory.New()
	deadline := time.Now().UTC().Add(-time.Second)
	message := seedReadMessage(t, store, deadline)

	destroyer := NewDestroyer(store, fastRetrier(), nil)
	defer destroyer.Close()

	for i := 0; i < 3; i++ {
		if err := destroyer.Destroy(context.Background(), message.ID, message.SessionID); err != nil {
			t.Fatalf("destroy %d: %v", i, err)
		}
	}

	destroyed, err := store.GetMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if destroyed.Status != domain.MessageDestroyed {
		t.Fatalf("expected destroyed, got %v", destroyed.Status)
	}
}

func TestDestroyClearsMatchingPreview(t *testing.T) {
	store := memory.New()
	deadline := time.Now().UTC().Add(-time.Second)
	message := seedReadMessage(t, store, deadline)
	if err := store.TouchSession(context.Background(), message.SessionID, message.SentAt, domain.Preview(message.Payload)); err != nil {
		t.Fatalf("seed preview: %v", err)
	}

	destroyer := NewDestroyer(store, fastRetrier(), nil)
	defer destroyer.Close()
	if err := destroyer.Destroy(context.Background(), message.ID, message.SessionID); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	session, err := store.GetSession(context.Background(), message.SessionID)
	if err != nil {
		t.Fatalf("fetch session: %v", err)
	}
	if session.LastMessagePreview != "" {
		t.Fatalf("destroyed text still previewed: %q", session.LastMessagePreview)
	}
}

func TestDestroyKeepsNewerPreview(t *testing.T) {
	store := memory.New()
	deadline := time.Now().UTC().Add(-time.Second)
	message := seedReadMessage(t, store, deadline)
	// A later send already replaced the preview.
	if err := store.TouchSession(context.Background(), message.SessionID, message.SentAt.Add(time.Second), "a fresher message"); err != nil {
		t.Fatalf("seed preview: %v", err)
	}

	destroyer := NewDestroyer(store, fastRetrier(), nil)
	defer destroyer.Close()
	if err := destroyer.Destroy(context.Background(), message.ID, message.SessionID); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	session, err := store.GetSession(context.Background(), message.SessionID)
	if err != nil {
		t.Fatalf("fetch session: %v", err)
	}
	if session.LastMessagePreview != "a fresher message" {
		t.Fatalf("newer preview lost: %q", session.LastMessagePreview)
	}
}

func TestSweepRecoversElapsedDeadlines(t *testing.T) {
	store := memory.New()
	deadline := time.Now().UTC().Add(-time.Minute)
	message := seedReadMessage(t, store, deadline)

	// No Track call: the deadline elapsed while "no process" was running.
	destroyer := NewDestroyer(store, fastRetrier(), nil)
	defer destroyer.Close()
	if err := destroyer.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	destroyed, err := store.GetMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if destroyed.Status != domain.MessageDestroyed {
		t.Fatalf("expected destroyed after sweep, got %v", destroyed.Status)
	}
}

func TestStopDisarmsTimer(t *testing.T) {
	store := memory.New()
	deadline := time.Now().UTC().Add(40 * time.Millisecond)
	message := seedReadMessage(t, store, deadline)

	destroyer := NewDestroyer(store, fastRetrier(), nil)
	defer destroyer.Close()
	destroyer.Track(message)
	destroyer.Stop(message.ID)

	time.Sleep(100 * time.Millisecond)
	current, err := store.GetMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if current.Status != domain.MessageRead {
		t.Fatalf("stopped timer still destroyed the message: %v", current.Status)
	}
}

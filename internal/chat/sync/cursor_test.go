package sync

import (
	"testing"

	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
)

func TestCursorRoundTrip(t *testing.T) {
	cursor := storage.MessageCursor{
		SentAtMillis: 1_700_000_123_456,
		MessageID:    "1700000123456-suffix0001",
	}

	token := EncodeCursor(cursor)
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	decoded, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != cursor {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestCursorZeroValue(t *testing.T) {
	if token := EncodeCursor(storage.MessageCursor{}); token != "" {
		t.Fatalf("zero cursor must encode empty, got %q", token)
	}
	decoded, err := DecodeCursor("")
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if decoded != (storage.MessageCursor{}) {
		t.Fatalf("expected zero cursor, got %+v", decoded)
	}
}

func TestCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!not-base64!!!", "bm90LWpzb24"} {
		if _, err := DecodeCursor(token); err == nil {
			t.Fatalf("expected error for %q", token)
		}
	}
}

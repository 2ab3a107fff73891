package sync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
)

// cursorPayload is the wire shape of an encoded cursor.
type cursorPayload struct {
	SentAtMillis int64  `json:"sent_at_ms"`
	MessageID    string `json:"message_id"`
}

// EncodeCursor serializes a message cursor into an opaque token clients can
// hold across reconnects. The zero cursor encodes to the empty string.
func EncodeCursor(cursor storage.MessageCursor) string {
	if cursor == (storage.MessageCursor{}) {
		return ""
	}
	payload, err := json.Marshal(cursorPayload{
		SentAtMillis: cursor.SentAtMillis,
		MessageID:    cursor.MessageID,
	})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(payload)
}

// DecodeCursor parses an opaque cursor token. The empty string decodes to
// the zero cursor (stream from the beginning).
func DecodeCursor(token string) (storage.MessageCursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return storage.MessageCursor{}, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return storage.MessageCursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return storage.MessageCursor{}, fmt.Errorf("parse cursor: %w", err)
	}
	return storage.MessageCursor{
		SentAtMillis: payload.SentAtMillis,
		MessageID:    payload.MessageID,
	}, nil
}

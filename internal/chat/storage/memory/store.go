// Package memory provides an in-memory SessionStore for tests and
// single-process deployments. All conditional operations hold the store
// mutex for their full read-check-write sequence, which gives the same
// atomicity the SQLite store gets from single-statement writes.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
)

// Store keeps sessions and messages in process memory.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	messages map[string]*domain.Message
	// byCreation preserves message insertion order per session for stable
	// iteration; query order is still (sentAt, id).
	bySession map[string][]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*domain.Session),
		messages:  make(map[string]*domain.Message),
		bySession: make(map[string][]string),
	}
}

func cloneSession(s *domain.Session) domain.Session {
	cloned := *s
	cloned.Participants = append([]domain.Participant(nil), s.Participants...)
	return cloned
}

func cloneMessage(m *domain.Message) domain.Message {
	cloned := *m
	if m.DestroyDeadline != nil {
		deadline := *m.DestroyDeadline
		cloned.DestroyDeadline = &deadline
	}
	return cloned
}

// CreateSession persists a new session.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return storage.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return storage.ErrAlreadyExists
	}
	stored := cloneSession(&session)
	s.sessions[session.ID] = &stored
	return nil
}

// GetSession fetches a session snapshot.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, storage.ErrNotFound
	}
	return cloneSession(session), nil
}

// AddParticipantIfAbsent appends the participant unless already a member.
func (s *Store) AddParticipantIfAbsent(ctx context.Context, sessionID string, participant domain.Participant, capacity int) (domain.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, false, storage.ErrNotFound
	}
	if session.HasParticipant(participant.UserID) {
		return cloneSession(session), false, nil
	}
	if capacity > 0 && len(session.Participants) >= capacity {
		return domain.Session{}, false, storage.ErrSessionFull
	}

	session.Participants = append(session.Participants, participant)
	session.UpdatedAt = participant.JoinedAt
	return cloneSession(session), true, nil
}

// SetSessionStatus performs a compare-and-set on the session status.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if !from.CanAdvanceTo(to) {
		return false, nil
	}
	if session.Status != from {
		return false, nil
	}
	session.Status = to
	session.UpdatedAt = at.UTC()
	return true, nil
}

// TouchSession bumps updatedAt and optionally the last-message preview.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time, preview string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	session.UpdatedAt = at.UTC()
	if preview != "" {
		session.LastMessagePreview = preview
	}
	return nil
}

// ClearSessionPreview empties the preview when it still matches.
func (s *Store) ClearSessionPreview(ctx context.Context, sessionID, matching string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if matching == "" || session.LastMessagePreview != matching {
		return false, nil
	}
	session.LastMessagePreview = ""
	return true, nil
}

// AppendMessage persists a new message.
func (s *Store) AppendMessage(ctx context.Context, message domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[message.ID]; ok {
		return storage.ErrAlreadyExists
	}
	if _, ok := s.sessions[message.SessionID]; !ok {
		return storage.ErrNotFound
	}
	stored := cloneMessage(&message)
	s.messages[message.ID] = &stored
	s.bySession[message.SessionID] = append(s.bySession[message.SessionID], message.ID)
	return nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[messageID]
	if !ok {
		return domain.Message{}, storage.ErrNotFound
	}
	return cloneMessage(message), nil
}

// QueryMessages returns messages strictly after the cursor in (sentAt, id)
// order.
func (s *Store) QueryMessages(ctx context.Context, sessionID string, after storage.MessageCursor, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.Message
	for _, messageID := range s.bySession[sessionID] {
		message := s.messages[messageID]
		if !after.After(*message) {
			continue
		}
		result = append(result, cloneMessage(message))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Less(result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateMessageStatus transitions a message conditionally.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, from []domain.MessageStatus, to domain.MessageStatus, update storage.MessageStatusUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[messageID]
	if !ok {
		return false, storage.ErrNotFound
	}

	matched := false
	for _, status := range from {
		if message.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	if !message.Status.CanAdvanceTo(to) {
		return false, nil
	}

	message.Status = to
	if update.DestroyDeadline != nil && message.DestroyDeadline == nil {
		deadline := update.DestroyDeadline.UTC()
		message.DestroyDeadline = &deadline
	}
	if update.ClearPayload {
		message.Payload = ""
		message.Redacted = true
	}
	return true, nil
}

// ListDestroyDue returns Read messages whose deadline has passed.
func (s *Store) ListDestroyDue(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Message
	for _, message := range s.messages {
		if message.Status != domain.MessageRead || message.DestroyDeadline == nil {
			continue
		}
		if now.Before(*message.DestroyDeadline) {
			continue
		}
		due = append(due, cloneMessage(message))
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Less(due[j]) })
	return due, nil
}

// ListInactiveSessions returns non-expired sessions idle since the cutoff.
func (s *Store) ListInactiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for sessionID, session := range s.sessions {
		if session.Status == domain.SessionExpired {
			continue
		}
		if session.UpdatedAt.After(cutoff) {
			continue
		}
		ids = append(ids, sessionID)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

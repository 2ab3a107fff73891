// Package sqlite provides a SQLite-backed SessionStore implementation.
//
// Conditional operations (participant add, status transitions) are single
// statements or IMMEDIATE transactions so concurrent writers cannot lose
// updates to the participant collection or apply a transition twice.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage/sqlite/migrations"
	"github.com/tedyzhu/ququer-sub001/internal/platform/storage/sqlitemigrate"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists chat sessions and messages in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite chat store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// CreateSession inserts a session and its seed participants.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, status, created_at, updated_at, last_message_preview)
		 VALUES (?, ?, ?, ?, ?)`,
		session.ID,
		session.Status.String(),
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
		session.LastMessagePreview,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %w", err)
	}

	for _, p := range session.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (session_id, user_id, display_name, avatar_ref, role, joined_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			session.ID, p.UserID, p.DisplayName, p.AvatarRef, p.Role.String(), toMillis(p.JoinedAt),
		); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// GetSession fetches a session snapshot with its participants.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, fmt.Errorf("storage is not configured")
	}

	var (
		session         domain.Session
		statusLabel     string
		createdAtMillis int64
		updatedAtMillis int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, status, created_at, updated_at, last_message_preview
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&session.ID, &statusLabel, &createdAtMillis, &updatedAtMillis, &session.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("select session: %w", err)
	}
	session.Status = domain.ParseSessionStatus(statusLabel)
	session.CreatedAt = fromMillis(createdAtMillis)
	session.UpdatedAt = fromMillis(updatedAtMillis)

	participants, err := s.listParticipants(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	session.Participants = participants
	return session, nil
}

func (s *Store) listParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, display_name, avatar_ref, role, joined_at
		 FROM participants WHERE session_id = ?
		 ORDER BY joined_at, user_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var participants []domain.Participant
	for rows.Next() {
		var (
			p              domain.Participant
			roleLabel      string
			joinedAtMillis int64
		)
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarRef, &roleLabel, &joinedAtMillis); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Role = domain.ParseParticipantRole(roleLabel)
		p.JoinedAt = fromMillis(joinedAtMillis)
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

// AddParticipantIfAbsent conditionally appends a participant inside an
// IMMEDIATE transaction so two simultaneous joiners serialize on the write
// lock instead of overwriting each other.
func (s *Store) AddParticipantIfAbsent(ctx context.Context, sessionID string, participant domain.Participant, capacity int) (domain.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, false, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("begin add participant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Take the write lock up front; reads below are then consistent with
	// the insert decision.
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = updated_at WHERE id = ?`, sessionID); err != nil {
		return domain.Session{}, false, fmt.Errorf("lock session row: %w", err)
	}

	var sessionExists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&sessionExists); err != nil {
		return domain.Session{}, false, fmt.Errorf("check session: %w", err)
	}
	if sessionExists == 0 {
		return domain.Session{}, false, storage.ErrNotFound
	}

	var memberCount, alreadyMember int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1),
		        COALESCE(SUM(CASE WHEN user_id = ? THEN 1 ELSE 0 END), 0)
		 FROM participants WHERE session_id = ?`,
		participant.UserID, sessionID).Scan(&memberCount, &alreadyMember); err != nil {
		return domain.Session{}, false, fmt.Errorf("count participants: %w", err)
	}

	added := false
	if alreadyMember == 0 {
		if capacity > 0 && memberCount >= capacity {
			return domain.Session{}, false, storage.ErrSessionFull
		}
		result, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO participants (session_id, user_id, display_name, avatar_ref, role, joined_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, participant.UserID, participant.DisplayName, participant.AvatarRef,
			participant.Role.String(), toMillis(participant.JoinedAt))
		if err != nil {
			return domain.Session{}, false, fmt.Errorf("insert participant: %w", err)
		}
		inserted, err := result.RowsAffected()
		if err != nil {
			return domain.Session{}, false, fmt.Errorf("participant rows affected: %w", err)
		}
		added = inserted > 0
		if added {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET updated_at = ? WHERE id = ?`,
				toMillis(participant.JoinedAt), sessionID); err != nil {
				return domain.Session{}, false, fmt.Errorf("bump session: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Session{}, false, fmt.Errorf("commit add participant: %w", err)
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, false, err
	}
	return session, added, nil
}

// SetSessionStatus performs a compare-and-set on the session status.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if !from.CanAdvanceTo(to) {
		return false, nil
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to.String(), toMillis(at), sessionID, from.String())
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("status rows affected: %w", err)
	}
	if changed == 0 {
		// Distinguish a lost CAS from a missing session.
		var exists int
		if err := s.sqlDB.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return false, storage.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

// TouchSession bumps updatedAt and optionally the last-message preview.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time, preview string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions
		 SET updated_at = ?,
		     last_message_preview = CASE WHEN ? != '' THEN ? ELSE last_message_preview END
		 WHERE id = ?`,
		toMillis(at), preview, preview, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch rows affected: %w", err)
	}
	if changed == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClearSessionPreview empties the preview when it still matches.
func (s *Store) ClearSessionPreview(ctx context.Context, sessionID, matching string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if matching == "" {
		return false, nil
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET last_message_preview = ''
		 WHERE id = ? AND last_message_preview = ?`,
		sessionID, matching)
	if err != nil {
		return false, fmt.Errorf("clear session preview: %w", err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("preview rows affected: %w", err)
	}
	if changed == 0 {
		var exists int
		if err := s.sqlDB.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return false, storage.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

// AppendMessage inserts a message record.
func (s *Store) AppendMessage(ctx context.Context, message domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	var deadline any
	if message.DestroyDeadline != nil {
		deadline = toMillis(*message.DestroyDeadline)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender_id, kind, payload, sent_at, status, destroy_timeout_seconds, destroy_deadline, redacted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.SessionID,
		message.SenderID,
		message.Type.String(),
		message.Payload,
		toMillis(message.SentAt),
		message.Status.String(),
		message.DestroyTimeoutSeconds,
		deadline,
		boolToInt(message.Redacted),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var (
		message       domain.Message
		kindLabel     string
		statusLabel   string
		sentAtMillis  int64
		deadlineNull  sql.NullInt64
		redactedValue int
	)
	err := scan(&message.ID, &message.SessionID, &message.SenderID, &kindLabel,
		&message.Payload, &sentAtMillis, &statusLabel,
		&message.DestroyTimeoutSeconds, &deadlineNull, &redactedValue)
	if err != nil {
		return domain.Message{}, err
	}
	message.Type = domain.ParseMessageType(kindLabel)
	message.Status = domain.ParseMessageStatus(statusLabel)
	message.SentAt = fromMillis(sentAtMillis)
	if deadlineNull.Valid {
		deadline := fromMillis(deadlineNull.Int64)
		message.DestroyDeadline = &deadline
	}
	message.Redacted = redactedValue != 0
	return message, nil
}

const messageColumns = `id, session_id, sender_id, kind, payload, sent_at, status, destroy_timeout_seconds, destroy_deadline, redacted`

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Message{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
	message, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("select message: %w", err)
	}
	return message, nil
}

// QueryMessages returns messages strictly after the cursor in (sentAt, id)
// order.
func (s *Store) QueryMessages(ctx context.Context, sessionID string, after storage.MessageCursor, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	query := `SELECT ` + messageColumns + `
		 FROM messages
		 WHERE session_id = ?
		   AND (sent_at > ? OR (sent_at = ? AND id > ?))
		 ORDER BY sent_at, id`
	args := []any{sessionID, after.SentAtMillis, after.SentAtMillis, after.MessageID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []domain.Message
	for rows.Next() {
		message, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

// UpdateMessageStatus transitions a message conditionally in one statement.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, from []domain.MessageStatus, to domain.MessageStatus, update storage.MessageStatusUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("from statuses are required")
	}

	placeholders := make([]string, 0, len(from))
	args := make([]any, 0, len(from)+6)

	var deadline any
	if update.DestroyDeadline != nil {
		deadline = toMillis(*update.DestroyDeadline)
	}
	args = append(args, to.String(), deadline, deadline,
		boolToInt(update.ClearPayload), boolToInt(update.ClearPayload), messageID)
	for _, status := range from {
		placeholders = append(placeholders, "?")
		args = append(args, status.String())
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE messages
		 SET status = ?,
		     destroy_deadline = CASE WHEN ? IS NOT NULL AND destroy_deadline IS NULL THEN ? ELSE destroy_deadline END,
		     payload = CASE WHEN ? = 1 THEN '' ELSE payload END,
		     redacted = CASE WHEN ? = 1 THEN 1 ELSE redacted END
		 WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message rows affected: %w", err)
	}
	if changed == 0 {
		var exists int
		if err := s.sqlDB.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM messages WHERE id = ?`, messageID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check message: %w", err)
		}
		if exists == 0 {
			return false, storage.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

// ListDestroyDue returns Read messages whose deadline has passed.
func (s *Store) ListDestroyDue(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	query := `SELECT ` + messageColumns + `
		 FROM messages
		 WHERE status = ? AND destroy_deadline IS NOT NULL AND destroy_deadline <= ?
		 ORDER BY destroy_deadline, id`
	args := []any{domain.MessageRead.String(), toMillis(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select due messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []domain.Message
	for rows.Next() {
		message, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due message: %w", err)
		}
		due = append(due, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due messages: %w", err)
	}
	return due, nil
}

// ListInactiveSessions returns non-expired sessions idle since the cutoff.
func (s *Store) ListInactiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	query := `SELECT id FROM sessions
		 WHERE status != ? AND updated_at <= ?
		 ORDER BY updated_at, id`
	args := []any{domain.SessionExpired.String(), toMillis(cutoff)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select inactive sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, sessionID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inactive sessions: %w", err)
	}
	return ids, nil
}

package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
	"github.com/tedyzhu/ququer-sub001/internal/platform/id"
)

// SessionStatus represents the lifecycle status of a session.
type SessionStatus int

const (
	// SessionStatusUnspecified represents an invalid session status.
	SessionStatusUnspecified SessionStatus = iota
	// SessionPending indicates a session with zero or one participant.
	SessionPending
	// SessionActive indicates a session with an established membership.
	SessionActive
	// SessionExpired indicates a session past its inactivity TTL. Advisory
	// only; expired sessions keep their data.
	SessionExpired
)

// String returns the lowercase label used in storage and wire payloads.
func (s SessionStatus) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	default:
		return "unspecified"
	}
}

// ParseSessionStatus maps a storage label back to a status.
func ParseSessionStatus(label string) SessionStatus {
	switch label {
	case "pending":
		return SessionPending
	case "active":
		return SessionActive
	case "expired":
		return SessionExpired
	default:
		return SessionStatusUnspecified
	}
}

// CanAdvanceTo reports whether the status may move to next. Session status
// only ever moves forward: Pending -> Active -> Expired. A repeat of the
// current status is not an advance.
func (s SessionStatus) CanAdvanceTo(next SessionStatus) bool {
	if next == SessionStatusUnspecified {
		return false
	}
	return next > s
}

// Session is the shared chat context: membership, status, and the
// denormalized last-message preview.
type Session struct {
	ID                 string
	Status             SessionStatus
	Participants       []Participant
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastMessagePreview string
}

// HasParticipant reports whether userID is already a member.
func (s Session) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Participant looks up a member by user id.
func (s Session) Participant(userID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// CreateSessionInput describes the metadata needed to create a session.
type CreateSessionInput struct {
	// ID is optional; when empty a new id is generated. The invite flow
	// passes the id embedded in the token so lazily created sessions keep
	// the identity the creator already shared.
	ID      string
	Creator *CreateParticipantInput
}

// CreateSession creates a Pending session, optionally seeded with its
// creator as the single participant.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	sessionID := strings.TrimSpace(input.ID)
	if sessionID == "" {
		generated, err := idGenerator()
		if err != nil {
			return Session{}, fmt.Errorf("generate session id: %w", err)
		}
		sessionID = generated
	}

	createdAt := now().UTC()
	session := Session{
		ID:        sessionID,
		Status:    SessionPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}

	if input.Creator != nil {
		creator, err := NewParticipant(*input.Creator, RoleCreator, createdAt)
		if err != nil {
			return Session{}, err
		}
		session.Participants = []Participant{creator}
	}
	return session, nil
}

// ParticipantRole distinguishes the session creator from later joiners.
type ParticipantRole int

const (
	// RoleUnspecified represents an invalid role.
	RoleUnspecified ParticipantRole = iota
	// RoleCreator is assigned to exactly one participant at creation time.
	RoleCreator
	// RoleJoiner is assigned to every participant added after creation.
	RoleJoiner
)

// String returns the lowercase label used in storage and wire payloads.
func (r ParticipantRole) String() string {
	switch r {
	case RoleCreator:
		return "creator"
	case RoleJoiner:
		return "joiner"
	default:
		return "unspecified"
	}
}

// ParseParticipantRole maps a storage label back to a role.
func ParseParticipantRole(label string) ParticipantRole {
	switch label {
	case "creator":
		return RoleCreator
	case "joiner":
		return RoleJoiner
	default:
		return RoleUnspecified
	}
}

// Participant is a session member keyed by a stable user id.
type Participant struct {
	UserID      string
	DisplayName string
	AvatarRef   string
	Role        ParticipantRole
	JoinedAt    time.Time
}

// CreateParticipantInput describes the identity joining a session.
//
// External membership data of weaker shapes (a bare id string, a partial
// record) must be normalized into this input at the storage boundary and
// never propagated inward.
type CreateParticipantInput struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// NewParticipant validates and normalizes a participant record.
func NewParticipant(input CreateParticipantInput, role ParticipantRole, joinedAt time.Time) (Participant, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return Participant{}, apperrors.New(apperrors.CodeParticipantEmptyUserID, "participant user id is required")
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		return Participant{}, apperrors.New(apperrors.CodeParticipantEmptyDisplayName, "participant display name is required")
	}
	if role != RoleCreator && role != RoleJoiner {
		return Participant{}, apperrors.New(apperrors.CodeParticipantInvalidRole, "participant role must be creator or joiner")
	}
	return Participant{
		UserID:      userID,
		DisplayName: displayName,
		AvatarRef:   strings.TrimSpace(input.AvatarRef),
		Role:        role,
		JoinedAt:    joinedAt.UTC(),
	}, nil
}

// DisplayTitle derives the UI-facing session title for the given viewer.
//
// One participant shows the viewer's own name, two shows "you and <other>",
// and anything larger collapses to a group label with the member count.
func DisplayTitle(selfUserID string, participants []Participant) string {
	switch len(participants) {
	case 0:
		return ""
	case 1:
		return participants[0].DisplayName
	case 2:
		for _, p := range participants {
			if p.UserID != selfUserID {
				return "you and " + p.DisplayName
			}
		}
		return participants[0].DisplayName
	default:
		return fmt.Sprintf("group (%d)", len(participants))
	}
}

// Package join implements idempotent session membership. Joining the same
// session any number of times converges on one membership record, one
// Pending -> Active transition, and one "joined" system message.
package join

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/feed"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

// DefaultMaxParticipants bounds session membership unless configured
// otherwise. Two makes a session strictly one-to-one.
const DefaultMaxParticipants = 8

// Coordinator serializes join attempts against the store's conditional
// participant append. The store is the single source of truth for
// membership; the coordinator never trusts its own snapshot across writes.
type Coordinator struct {
	store           storage.SessionStore
	retrier         *retry.Retrier
	publisher       feed.Publisher
	maxParticipants int
	clock           func() time.Time
	suffix          func() string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithMaxParticipants overrides the membership capacity. Zero or negative
// keeps the default.
func WithMaxParticipants(limit int) Option {
	return func(c *Coordinator) {
		if limit > 0 {
			c.maxParticipants = limit
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMessageSuffix overrides the system-message id suffix source (tests).
func WithMessageSuffix(suffix func() string) Option {
	return func(c *Coordinator) {
		if suffix != nil {
			c.suffix = suffix
		}
	}
}

// NewCoordinator creates a join coordinator. publisher may be nil.
func NewCoordinator(store storage.SessionStore, retrier *retry.Retrier, publisher feed.Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           store,
		retrier:         retrier,
		publisher:       publisher,
		maxParticipants: DefaultMaxParticipants,
		clock:           time.Now,
		suffix:          uuid.NewString,
	}
	if publisher == nil {
		c.publisher = feed.NopPublisher{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result reports the outcome of a join attempt.
type Result struct {
	Session domain.Session
	// Added is false when the user was already a member and the join was a
	// pure read.
	Added bool
	// Activated is true when this join flipped the session Pending -> Active.
	Activated bool
}

// Join makes userID a member of the session, idempotently.
//
// A repeat join for an existing member performs no writes and returns the
// current snapshot. A first join appends the participant, activates a
// Pending session once a second member arrives, and announces the join with
// exactly one system message.
func (c *Coordinator) Join(ctx context.Context, sessionID string, input domain.CreateParticipantInput) (Result, error) {
	now := c.clock().UTC()
	participant, err := domain.NewParticipant(input, domain.RoleJoiner, now)
	if err != nil {
		return Result{}, err
	}

	session, err := c.fetch(ctx, sessionID)
	if err != nil {
		return Result{}, c.wrapJoin(sessionID, err)
	}

	// Repeat joins are pure reads.
	if session.HasParticipant(participant.UserID) {
		return Result{Session: session}, nil
	}
	if session.Status == domain.SessionExpired {
		return Result{}, apperrors.WithMetadata(apperrors.CodeSessionExpired,
			"cannot join an expired session",
			map[string]string{"SessionID": sessionID})
	}

	var added bool
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		snapshot, changed, storeErr := c.store.AddParticipantIfAbsent(ctx, sessionID, participant, c.maxParticipants)
		switch {
		case errors.Is(storeErr, storage.ErrNotFound):
			return apperrors.WithMetadata(apperrors.CodeSessionNotFound,
				"session vanished during join",
				map[string]string{"SessionID": sessionID})
		case errors.Is(storeErr, storage.ErrSessionFull):
			return apperrors.WithMetadata(apperrors.CodeSessionFull,
				"session is at participant capacity",
				map[string]string{"SessionID": sessionID})
		case storeErr != nil:
			return apperrors.Wrap(apperrors.CodeStoreTransient, "append participant", storeErr)
		}
		session = snapshot
		added = changed
		return nil
	})
	if err != nil {
		return Result{}, c.wrapJoin(sessionID, err)
	}

	result := Result{Session: session, Added: added}
	if !added {
		// Lost a race to a concurrent join of the same user. The snapshot
		// already contains the membership; nothing else to do.
		return result, nil
	}

	if session.Status == domain.SessionPending && len(session.Participants) >= 2 {
		activated, err := c.activate(ctx, sessionID, now)
		if err != nil {
			return Result{}, c.wrapJoin(sessionID, err)
		}
		result.Activated = activated
		if activated {
			session.Status = domain.SessionActive
			result.Session = session
		}
	}

	c.announce(ctx, session, participant, now)
	c.publisher.Publish(feed.Event{SessionID: sessionID, Kind: feed.EventParticipantsChanged})
	return result, nil
}

// activate flips Pending -> Active. The compare-and-set makes concurrent
// joins race safely: exactly one observes the transition.
func (c *Coordinator) activate(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	var activated bool
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		changed, storeErr := c.store.SetSessionStatus(ctx, sessionID, domain.SessionPending, domain.SessionActive, at)
		if errors.Is(storeErr, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeSessionNotFound,
				"session vanished during activation",
				map[string]string{"SessionID": sessionID})
		}
		if storeErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "activate session", storeErr)
		}
		activated = changed
		return nil
	})
	return activated, err
}

// announce appends the "<name> joined" system message. Announcing is tied
// to the participant append actually writing, so repeats never duplicate
// it. The append runs under the retry budget; the message is built once so
// every attempt reuses the same id. Failure to announce does not fail the
// join.
func (c *Coordinator) announce(ctx context.Context, session domain.Session, participant domain.Participant, at time.Time) {
	message, err := domain.CreateMessage(domain.CreateMessageInput{
		SessionID: session.ID,
		SenderID:  participant.UserID,
		Type:      domain.MessageSystem,
		Payload:   fmt.Sprintf("%s joined", participant.DisplayName),
	}, at, c.suffix())
	if err != nil {
		log.Printf("join: build system message for %s: %v", session.ID, err)
		return
	}
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		appendErr := c.store.AppendMessage(ctx, message)
		if errors.Is(appendErr, storage.ErrAlreadyExists) {
			// A previous attempt's write landed.
			return nil
		}
		if errors.Is(appendErr, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeSessionNotFound,
				"session vanished during announce",
				map[string]string{"SessionID": session.ID})
		}
		if appendErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "append system message", appendErr)
		}
		return nil
	})
	if err != nil {
		log.Printf("join: announce join in %s: %v", session.ID, err)
		return
	}
	c.publisher.Publish(feed.Event{
		SessionID: session.ID,
		Kind:      feed.EventMessageAdded,
		MessageID: message.ID,
	})
}

func (c *Coordinator) fetch(ctx context.Context, sessionID string) (domain.Session, error) {
	var session domain.Session
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		fetched, getErr := c.store.GetSession(ctx, sessionID)
		if errors.Is(getErr, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeSessionNotFound,
				"session does not exist",
				map[string]string{"SessionID": sessionID})
		}
		if getErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "fetch session", getErr)
		}
		session = fetched
		return nil
	})
	return session, err
}

// wrapJoin tags a failure with the join outcome code unless the cause is
// already terminal for the caller.
func (c *Coordinator) wrapJoin(sessionID string, err error) error {
	if apperrors.IsTerminal(err) {
		return err
	}
	return apperrors.Wrap(apperrors.CodeJoinFailed,
		fmt.Sprintf("join session %s", sessionID), err)
}

package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

// Resolver turns invite tokens into session snapshots.
type Resolver struct {
	store    storage.SessionStore
	retrier  *retry.Retrier
	verifier VerifierConfig
	clock    func() time.Time
}

// NewResolver creates a resolver over the given store.
func NewResolver(store storage.SessionStore, retrier *retry.Retrier, verifier VerifierConfig) *Resolver {
	clock := verifier.Now
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{
		store:    store,
		retrier:  retrier,
		verifier: verifier,
		clock:    clock,
	}
}

// Resolve validates the token and fetches the session it references.
//
// Resolving is side-effect-free: it never creates or mutates a session.
// A missing session is terminal; retrying cannot make it appear.
func (r *Resolver) Resolve(ctx context.Context, token string) (domain.Session, error) {
	claims, err := ParseToken(token, r.verifier)
	if err != nil {
		return domain.Session{}, err
	}
	return r.fetch(ctx, claims.SessionID)
}

// ResolveOrCreate resolves the token, lazily creating a Pending session
// when the referenced id does not exist yet. The source flow mints invite
// links before the session document is durably written, so the first
// joiner may arrive ahead of the creator's write.
func (r *Resolver) ResolveOrCreate(ctx context.Context, token string) (domain.Session, error) {
	claims, err := ParseToken(token, r.verifier)
	if err != nil {
		return domain.Session{}, err
	}

	session, err := r.fetch(ctx, claims.SessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, apperrors.New(apperrors.CodeSessionNotFound, "")) {
		return domain.Session{}, err
	}

	created, err := domain.CreateSession(domain.CreateSessionInput{ID: claims.SessionID}, r.clock, nil)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session for invite: %w", err)
	}
	err = r.retrier.Do(ctx, func(ctx context.Context) error {
		createErr := r.store.CreateSession(ctx, created)
		if errors.Is(createErr, storage.ErrAlreadyExists) {
			// Lost the race to another joiner; the fetch below wins.
			return nil
		}
		return createErr
	})
	if err != nil {
		return domain.Session{}, err
	}
	return r.fetch(ctx, claims.SessionID)
}

func (r *Resolver) fetch(ctx context.Context, sessionID string) (domain.Session, error) {
	var session domain.Session
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		fetched, getErr := r.store.GetSession(ctx, sessionID)
		if errors.Is(getErr, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeSessionNotFound,
				"invite references an unknown session",
				map[string]string{"SessionID": sessionID})
		}
		if getErr != nil {
			return apperrors.Wrap(apperrors.CodeStoreTransient, "fetch session", getErr)
		}
		session = fetched
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-lifecycle/internal/audit"
	apperrors "github.com/openclaw/session-lifecycle/internal/errors"
	"github.com/openclaw/session-lifecycle/internal/metrics"
	"github.com/openclaw/session-lifecycle/internal/model"
	"github.com/openclaw/session-lifecycle/internal/repository"
)

const (
	defaultStoreTimeout   = 2 * time.Second
	defaultStaleBatchSize = 500
	maxSessionIDLength    = 128
)

type RegistryConfig struct {
	// StoreTimeout bounds every store round-trip.
	StoreTimeout   time.Duration
	// StaleBatchSize caps one FindStale scan.
	StaleBatchSize int
	Now            func() time.Time
}

// SessionRegistry wraps the session store with lifecycle operations.
//
// Methods return a tagged result: the bool reports whether the conditional
// operation matched, and a store failure yields a STORE_UNAVAILABLE error.
// Losing a race is (false, nil). Create additionally rejects an empty or
// over-long session id with MISSING_REQUIRED or INVALID_INPUT before touching
// the store.
type SessionRegistry struct {
	repo           repository.SessionRepository
	storeTimeout   time.Duration
	staleBatchSize int
	now            func() time.Time
}

func NewSessionRegistry(repo repository.SessionRepository, cfg RegistryConfig) *SessionRegistry {
	r := &SessionRegistry{
		repo:           repo,
		storeTimeout:   cfg.StoreTimeout,
		staleBatchSize: cfg.StaleBatchSize,
		now:            cfg.Now,
	}
	if r.storeTimeout <= 0 {
		r.storeTimeout = defaultStoreTimeout
	}
	if r.staleBatchSize <= 0 {
		r.staleBatchSize = defaultStaleBatchSize
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Now returns the registry's notion of the current time.
func (r *SessionRegistry) Now() time.Time {
	return r.now()
}

func (r *SessionRegistry) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.storeTimeout)
}

// Create registers a session as active. Re-creating an active session resets
// it; an ended session is never revived and yields (false, nil).
func (r *SessionRegistry) Create(ctx context.Context, id string, info model.UserInfo) (bool, error) {
	if err := validateSessionID(id); err != nil {
		return false, err
	}

	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	ok, err := r.repo.Upsert(ctx, model.CreateSessionParams{
		SessionID: id,
		UserInfo:  info,
		CreatedAt: r.now(),
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to create session")
		return false, apperrors.StoreUnavailable(err)
	}

	if !ok {
		log.Warn().Str("sessionId", id).Msg("refusing to re-create an ended session")
		audit.Log(ctx, audit.Event{Type: audit.EventSessionRevive, SessionID: id})
		return false, nil
	}

	metrics.SessionsCreated.Inc()
	log.Info().
		Str("sessionId", id).
		Str("user", info["full_name"]).
		Msg("session created")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		SessionID: id,
		Details:   map[string]interface{}{"email": info["email"]},
	})

	return true, nil
}

// IsActive reports whether the session exists and has not ended.
// A missing session is (false, nil).
func (r *SessionRegistry) IsActive(ctx context.Context, id string) (bool, error) {
	session, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return session != nil && session.IsActive(), nil
}

func (r *SessionRegistry) Get(ctx context.Context, id string) (*model.Session, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	session, err := r.repo.FindByID(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to read session")
		return nil, apperrors.StoreUnavailable(err)
	}
	return session, nil
}

// Touch refreshes a session on either side of a chat turn.
//
// With completingTurn false it atomically acquires the busy mark, matching
// only active sessions that are not already busy. With completingTurn true it
// releases the mark whoever holds it and counts the turn, matching any active
// session. A false result means the predicate did not match. Callers that need
// to release only their own mark use Acquire and CompleteOwnedTurn.
func (r *SessionRegistry) Touch(ctx context.Context, id string, completingTurn bool) (bool, error) {
	if !completingTurn {
		owner, err := r.Acquire(ctx, id)
		return owner != "", err
	}

	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	ok, err := r.repo.CompleteTurn(ctx, id, r.now(), true)
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Bool("completingTurn", true).Msg("failed to touch session")
		return false, apperrors.StoreUnavailable(err)
	}

	if ok {
		log.Debug().Str("sessionId", id).Bool("completingTurn", true).Msg("session touched")
	}
	return ok, nil
}

// Acquire takes the busy mark for a new turn and returns the owner token that
// releases it. An empty token means the session is busy, ended or unknown.
func (r *SessionRegistry) Acquire(ctx context.Context, id string) (string, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	owner := uuid.NewString()
	ok, err := r.repo.MarkBusy(ctx, id, r.now(), owner)
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Bool("completingTurn", false).Msg("failed to touch session")
		return "", apperrors.StoreUnavailable(err)
	}
	if !ok {
		return "", nil
	}

	log.Debug().Str("sessionId", id).Bool("completingTurn", false).Msg("session touched")
	return owner, nil
}

// CompleteOwnedTurn counts a finished turn and releases the busy mark only
// while owner still holds it. If the mark was reclaimed by ReleaseStuck and
// taken by another turn, that turn's mark is left in place.
func (r *SessionRegistry) CompleteOwnedTurn(ctx context.Context, id, owner string) (bool, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	now := r.now()
	ok, err := r.repo.ReleaseTurn(ctx, id, now, owner)
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to release session turn")
		return false, apperrors.StoreUnavailable(err)
	}
	if ok {
		log.Debug().Str("sessionId", id).Msg("session turn released")
		return true, nil
	}

	ok, err = r.repo.CompleteTurn(ctx, id, now, false)
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to record session turn")
		return false, apperrors.StoreUnavailable(err)
	}
	if ok {
		log.Warn().Str("sessionId", id).Msg("busy mark was reclaimed before the turn completed")
	}
	return ok, nil
}

// RecordTurn counts a completed turn that did not own the busy mark.
func (r *SessionRegistry) RecordTurn(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	ok, err := r.repo.CompleteTurn(ctx, id, r.now(), false)
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to record session turn")
		return false, apperrors.StoreUnavailable(err)
	}
	return ok, nil
}

// End closes an active session on explicit request. Only the first call
// returns true.
func (r *SessionRegistry) End(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	ok, err := r.repo.MarkEnded(ctx, model.EndSessionParams{
		SessionID: id,
		EndedAt:   r.now(),
		Reason:    model.EndReasonClosed,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to end session")
		return false, apperrors.StoreUnavailable(err)
	}

	if ok {
		r.recordEnded(ctx, id, model.EndReasonClosed)
	}
	return ok, nil
}

// EndIfStale ends a session only if, at commit time, it is still active,
// not busy and idle for longer than timeout.
func (r *SessionRegistry) EndIfStale(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	now := r.now()
	ok, err := r.repo.MarkEndedIfStale(ctx, model.EndSessionParams{
		SessionID: id,
		EndedAt:   now,
		Reason:    model.EndReasonInactivity,
	}, now.Add(-timeout))
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to end stale session")
		return false, apperrors.StoreUnavailable(err)
	}

	if ok {
		r.recordEnded(ctx, id, model.EndReasonInactivity)
	}
	return ok, nil
}

func (r *SessionRegistry) recordEnded(ctx context.Context, id string, reason model.EndReason) {
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	log.Info().Str("sessionId", id).Str("reason", string(reason)).Msg("session ended")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionEnd,
		SessionID: id,
		Details:   map[string]interface{}{"reason": string(reason)},
	})
}

// FindStale returns active, idle sessions whose last activity is older than
// timeout, oldest first.
func (r *SessionRegistry) FindStale(ctx context.Context, timeout time.Duration) ([]model.Session, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	sessions, err := r.repo.FindStale(ctx, r.now().Add(-timeout), r.staleBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to find stale sessions")
		return nil, apperrors.StoreUnavailable(err)
	}
	return sessions, nil
}

// ReleaseStuck clears busy marks held for longer than maxBusy, so a turn that
// never completed cannot pin its session forever.
func (r *SessionRegistry) ReleaseStuck(ctx context.Context, maxBusy time.Duration) (int64, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	n, err := r.repo.ReleaseStuck(ctx, r.now().Add(-maxBusy))
	if err != nil {
		log.Error().Err(err).Msg("failed to release stuck sessions")
		return 0, apperrors.StoreUnavailable(err)
	}
	if n > 0 {
		log.Warn().Int64("count", n).Dur("maxBusy", maxBusy).Msg("released stuck busy marks")
	}
	return n, nil
}

// Stats returns aggregate counts. It is best effort: a store failure yields
// zeros alongside the error.
func (r *SessionRegistry) Stats(ctx context.Context) (model.SessionStats, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	stats, err := r.repo.Stats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to get session stats")
		return model.SessionStats{}, apperrors.StoreUnavailable(err)
	}
	return *stats, nil
}

func validateSessionID(id string) error {
	if id == "" {
		return apperrors.MissingRequired("sessionId")
	}
	if len(id) > maxSessionIDLength {
		return apperrors.InvalidInput("sessionId", "too long").
			WithDetails(map[string]interface{}{"maxLength": maxSessionIDLength})
	}
	return nil
}

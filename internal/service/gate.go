package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/session-lifecycle/internal/errors"
	"github.com/openclaw/session-lifecycle/internal/metrics"
)

const defaultReleaseTimeout = 5 * time.Second

// SessionTracker is the slice of the registry the gate depends on.
type SessionTracker interface {
	IsActive(ctx context.Context, id string) (bool, error)
	Acquire(ctx context.Context, id string) (string, error)
	CompleteOwnedTurn(ctx context.Context, id, owner string) (bool, error)
	RecordTurn(ctx context.Context, id string) (bool, error)
}

type TurnMode string

const (
	// TurnOwned holds the session's busy mark until End.
	TurnOwned TurnMode = "owned"
	// TurnShared runs while another turn holds the busy mark.
	TurnShared TurnMode = "shared"
	// TurnUntracked runs without store confirmation because the store was unreachable.
	TurnUntracked TurnMode = "untracked"
)

// ActivityGate guards chat turns: requests for ended sessions are rejected,
// everything else is marked busy for the duration of the turn.
type ActivityGate struct {
	sessions       SessionTracker
	releaseTimeout time.Duration
}

func NewActivityGate(sessions SessionTracker, releaseTimeout time.Duration) *ActivityGate {
	if releaseTimeout <= 0 {
		releaseTimeout = defaultReleaseTimeout
	}
	return &ActivityGate{sessions: sessions, releaseTimeout: releaseTimeout}
}

// Turn is one admitted chat request. End must be called exactly once the
// request finishes, on every exit path; extra calls are ignored.
type Turn struct {
	SessionID string
	Mode      TurnMode

	gate  *ActivityGate
	owner string
	once  sync.Once
}

// Begin admits a chat turn. It returns a SESSION_EXPIRED error when the
// session is ended or unknown. Store failures fail open; any other error is
// returned as is.
func (g *ActivityGate) Begin(ctx context.Context, sessionID string) (*Turn, error) {
	active, err := g.sessions.IsActive(ctx, sessionID)
	if err != nil {
		return g.failOpen(sessionID, err)
	}
	if !active {
		return nil, g.reject(sessionID)
	}

	owner, err := g.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return g.failOpen(sessionID, err)
	}
	if owner != "" {
		turn := g.newTurn(sessionID, TurnOwned)
		turn.owner = owner
		return turn, nil
	}

	// Either another turn holds the busy mark or the session ended in between.
	active, err = g.sessions.IsActive(ctx, sessionID)
	if err != nil {
		return g.failOpen(sessionID, err)
	}
	if !active {
		return nil, g.reject(sessionID)
	}

	log.Debug().Str("sessionId", sessionID).Msg("session busy, running shared turn")
	return g.newTurn(sessionID, TurnShared), nil
}

// Do runs fn inside a turn and releases it however fn returns.
func (g *ActivityGate) Do(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	turn, err := g.Begin(ctx, sessionID)
	if err != nil {
		return err
	}
	defer turn.End(ctx)

	return fn(ctx)
}

func (g *ActivityGate) newTurn(sessionID string, mode TurnMode) *Turn {
	return &Turn{SessionID: sessionID, Mode: mode, gate: g}
}

func (g *ActivityGate) failOpen(sessionID string, err error) (*Turn, error) {
	if !apperrors.IsStoreUnavailable(err) {
		return nil, err
	}
	log.Warn().Err(err).Str("sessionId", sessionID).Msg("session store unavailable, admitting turn untracked")
	return g.newTurn(sessionID, TurnUntracked), nil
}

func (g *ActivityGate) reject(sessionID string) error {
	metrics.SessionsRejected.Inc()
	log.Info().Str("sessionId", sessionID).Msg("rejected turn for inactive session")
	return apperrors.SessionExpired()
}

// End releases the turn. It runs detached from ctx cancellation so a client
// disconnect still clears the busy mark.
func (t *Turn) End(ctx context.Context) {
	t.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.gate.releaseTimeout)
		defer cancel()

		var (
			ok  bool
			err error
		)
		if t.Mode == TurnOwned {
			ok, err = t.gate.sessions.CompleteOwnedTurn(ctx, t.SessionID, t.owner)
		} else {
			ok, err = t.gate.sessions.RecordTurn(ctx, t.SessionID)
		}

		metrics.SessionTurns.WithLabelValues(string(t.Mode)).Inc()

		switch {
		case err != nil:
			log.Warn().Err(err).Str("sessionId", t.SessionID).Str("mode", string(t.Mode)).Msg("failed to complete turn")
		case !ok:
			log.Info().Str("sessionId", t.SessionID).Str("mode", string(t.Mode)).Msg("session ended before turn completed")
		}
	})
}

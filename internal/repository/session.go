package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/openclaw/session-lifecycle/internal/database"
	"github.com/openclaw/session-lifecycle/internal/model"
)

// SessionRepository is the durable store behind the session registry.
// Every mutation is a single conditional statement; a false result means
// the predicate did not match and is not an error.
type SessionRepository interface {
	// Upsert inserts a session or resets an active one. It never revives an ended session.
	Upsert(ctx context.Context, params model.CreateSessionParams) (bool, error)
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// MarkBusy acquires the busy mark for owner only if the session is active and idle.
	MarkBusy(ctx context.Context, id string, at time.Time, owner string) (bool, error)
	// CompleteTurn counts a finished turn; release also clears the busy mark,
	// whoever holds it.
	CompleteTurn(ctx context.Context, id string, at time.Time, release bool) (bool, error)
	// ReleaseTurn counts a finished turn and clears the busy mark only while
	// owner still holds it.
	ReleaseTurn(ctx context.Context, id string, at time.Time, owner string) (bool, error)
	MarkEnded(ctx context.Context, params model.EndSessionParams) (bool, error)
	// MarkEndedIfStale ends the session only if it is still active, idle and older than cutoff.
	MarkEndedIfStale(ctx context.Context, params model.EndSessionParams, cutoff time.Time) (bool, error)
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]model.Session, error)
	// ReleaseStuck clears busy marks acquired before busySince.
	ReleaseStuck(ctx context.Context, busySince time.Time) (int64, error)
	Stats(ctx context.Context) (*model.SessionStats, error)
}

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var sessionColumns = []string{
	"session_id", "user_info", "status", "busy", "busy_since", "busy_owner",
	"created_at", "last_activity", "message_count", "ended_at", "end_reason",
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Upsert(ctx context.Context, params model.CreateSessionParams) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (
			session_id, user_info, status, busy, busy_since,
			created_at, last_activity, message_count, ended_at, end_reason
		)
		VALUES ($1, $2, 'active', FALSE, NULL, $3, $3, 0, NULL, NULL)
		ON CONFLICT (session_id) DO UPDATE SET
			user_info = EXCLUDED.user_info,
			busy = FALSE,
			busy_since = NULL,
			busy_owner = NULL,
			created_at = EXCLUDED.created_at,
			last_activity = GREATEST(chat_sessions.last_activity, EXCLUDED.last_activity),
			message_count = 0
		WHERE chat_sessions.status = 'active'
	`, params.SessionID, params.UserInfo, params.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert session: %w", err)
	}
	return affected(result)
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT `+strings.Join(sessionColumns, ", ")+`
		FROM chat_sessions
		WHERE session_id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) MarkBusy(ctx context.Context, id string, at time.Time, owner string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions SET
			busy = TRUE,
			busy_since = $2,
			busy_owner = $3,
			last_activity = GREATEST(last_activity, $2)
		WHERE session_id = $1 AND status = 'active' AND busy = FALSE
	`, id, at, owner)
	if err != nil {
		return false, fmt.Errorf("mark session busy: %w", err)
	}
	return affected(result)
}

const completeTurnQuery = `
		UPDATE chat_sessions SET
			last_activity = GREATEST(last_activity, $2),
			message_count = message_count + 1
		WHERE session_id = $1 AND status = 'active'
	`

const completeAndReleaseTurnQuery = `
		UPDATE chat_sessions SET
			busy = FALSE,
			busy_since = NULL,
			busy_owner = NULL,
			last_activity = GREATEST(last_activity, $2),
			message_count = message_count + 1
		WHERE session_id = $1 AND status = 'active'
	`

func (r *sessionRepo) CompleteTurn(ctx context.Context, id string, at time.Time, release bool) (bool, error) {
	query := completeTurnQuery
	if release {
		query = completeAndReleaseTurnQuery
	}

	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("complete session turn: %w", err)
	}
	return affected(result)
}

func (r *sessionRepo) ReleaseTurn(ctx context.Context, id string, at time.Time, owner string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions SET
			busy = FALSE,
			busy_since = NULL,
			busy_owner = NULL,
			last_activity = GREATEST(last_activity, $2),
			message_count = message_count + 1
		WHERE session_id = $1 AND status = 'active' AND busy_owner = $3
	`, id, at, owner)
	if err != nil {
		return false, fmt.Errorf("release session turn: %w", err)
	}
	return affected(result)
}

func (r *sessionRepo) MarkEnded(ctx context.Context, params model.EndSessionParams) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions SET
			status = 'ended',
			ended_at = $2,
			end_reason = $3,
			busy = FALSE,
			busy_since = NULL,
			busy_owner = NULL
		WHERE session_id = $1 AND status = 'active'
	`, params.SessionID, params.EndedAt, params.Reason)
	if err != nil {
		return false, fmt.Errorf("mark session ended: %w", err)
	}
	return affected(result)
}

func (r *sessionRepo) MarkEndedIfStale(ctx context.Context, params model.EndSessionParams, cutoff time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions SET
			status = 'ended',
			ended_at = $2,
			end_reason = $3
		WHERE session_id = $1
		AND status = 'active'
		AND busy = FALSE
		AND last_activity < $4
	`, params.SessionID, params.EndedAt, params.Reason, cutoff)
	if err != nil {
		return false, fmt.Errorf("mark stale session ended: %w", err)
	}
	return affected(result)
}

func (r *sessionRepo) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]model.Session, error) {
	qb := psq.Select(sessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"status": model.SessionStatusActive, "busy": false}).
		Where(sq.Lt{"last_activity": cutoff}).
		OrderBy("last_activity ASC")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stale session query: %w", err)
	}

	var sessions []model.Session
	if err := r.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, fmt.Errorf("find stale sessions: %w", err)
	}
	return sessions, nil
}

func (r *sessionRepo) ReleaseStuck(ctx context.Context, busySince time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions SET
			busy = FALSE,
			busy_since = NULL,
			busy_owner = NULL
		WHERE status = 'active'
		AND busy = TRUE
		AND COALESCE(busy_since, last_activity) < $1
	`, busySince)
	if err != nil {
		return 0, fmt.Errorf("release stuck sessions: %w", err)
	}
	return result.RowsAffected()
}

func (r *sessionRepo) Stats(ctx context.Context) (*model.SessionStats, error) {
	query, args, err := psq.Select(
		"COUNT(*) AS total",
		"COUNT(*) FILTER (WHERE status = 'active') AS active",
		"COUNT(*) FILTER (WHERE status = 'ended') AS ended",
	).From("chat_sessions").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stats query: %w", err)
	}

	var stats model.SessionStats
	if err := r.db.GetContext(ctx, &stats, query, args...); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	return &stats, nil
}

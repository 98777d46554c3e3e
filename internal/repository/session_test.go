package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/session-lifecycle/internal/model"
)

var testNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func newMockRepo(t *testing.T) (SessionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSessionRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestSessionRepository_Upsert(t *testing.T) {
	params := model.CreateSessionParams{
		SessionID: "sess-1",
		UserInfo:  model.UserInfo{"full_name": "Ada"},
		CreatedAt: testNow,
	}

	t.Run("returns true when a row is written", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("INSERT INTO chat_sessions").
			WithArgs("sess-1", model.UserInfo{"full_name": "Ada"}, testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.Upsert(context.Background(), params)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns false when the existing session has ended", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("ON CONFLICT \\(session_id\\) DO UPDATE").
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.Upsert(context.Background(), params)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wraps driver errors", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("INSERT INTO chat_sessions").WillReturnError(errors.New("connection refused"))

		_, err := repo.Upsert(context.Background(), params)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upsert session")
	})
}

func TestSessionRepository_FindByID(t *testing.T) {
	t.Run("scans a session row", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		endedAt := testNow.Add(time.Minute)
		rows := sqlmock.NewRows(sessionColumns).AddRow(
			"sess-1", []byte(`{"full_name":"Ada"}`), "ended", false, nil, nil,
			testNow, testNow, 3, endedAt, "inactivity",
		)
		mock.ExpectQuery("(?s)SELECT .+ FROM chat_sessions").WithArgs("sess-1").WillReturnRows(rows)

		s, err := repo.FindByID(context.Background(), "sess-1")
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "Ada", s.UserInfo["full_name"])
		assert.Equal(t, model.SessionStatusEnded, s.Status)
		assert.Equal(t, 3, s.MessageCount)
		require.NotNil(t, s.EndedAt)
		assert.Equal(t, endedAt, *s.EndedAt)
		require.NotNil(t, s.EndReason)
		assert.Equal(t, model.EndReasonInactivity, *s.EndReason)
	})

	t.Run("returns nil for missing session", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("(?s)SELECT .+ FROM chat_sessions").WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(sessionColumns))

		s, err := repo.FindByID(context.Background(), "missing")
		require.NoError(t, err)
		assert.Nil(t, s)
	})
}

func TestSessionRepository_MarkBusy(t *testing.T) {
	t.Run("acquires only idle active sessions", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("(?s)UPDATE chat_sessions SET .+ WHERE session_id = \\$1 AND status = 'active' AND busy = FALSE").
			WithArgs("sess-1", testNow, "owner-a").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.MarkBusy(context.Background(), "sess-1", testNow, "owner-a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports a lost race as false", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE chat_sessions").WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.MarkBusy(context.Background(), "sess-1", testNow, "owner-b")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSessionRepository_CompleteTurn(t *testing.T) {
	t.Run("release clears the busy mark", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("(?s)busy = FALSE,.+message_count = message_count \\+ 1").
			WithArgs("sess-1", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.CompleteTurn(context.Background(), "sess-1", testNow, true)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("shared turn leaves the busy mark alone", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("SET\\s+last_activity = GREATEST\\(last_activity, \\$2\\),\\s+message_count = message_count \\+ 1").
			WithArgs("sess-1", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.CompleteTurn(context.Background(), "sess-1", testNow, false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessionRepository_ReleaseTurn(t *testing.T) {
	t.Run("releases only the owner's mark", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("(?s)busy_owner = NULL,.+message_count = message_count \\+ 1\\s+WHERE session_id = \\$1 AND status = 'active' AND busy_owner = \\$3").
			WithArgs("sess-1", testNow, "owner-a").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.ReleaseTurn(context.Background(), "sess-1", testNow, "owner-a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports a reclaimed mark as false", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE chat_sessions").WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.ReleaseTurn(context.Background(), "sess-1", testNow, "owner-a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSessionRepository_MarkEnded(t *testing.T) {
	params := model.EndSessionParams{SessionID: "sess-1", EndedAt: testNow, Reason: model.EndReasonClosed}

	t.Run("first end wins", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("SET\\s+status = 'ended'").
			WithArgs("sess-1", testNow, model.EndReasonClosed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("SET\\s+status = 'ended'").
			WithArgs("sess-1", testNow, model.EndReasonClosed).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.MarkEnded(context.Background(), params)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.MarkEnded(context.Background(), params)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale end requires an idle session", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		cutoff := testNow.Add(-2 * time.Minute)
		stale := model.EndSessionParams{SessionID: "sess-1", EndedAt: testNow, Reason: model.EndReasonInactivity}
		mock.ExpectExec("AND busy = FALSE\\s+AND last_activity < \\$4").
			WithArgs("sess-1", testNow, model.EndReasonInactivity, cutoff).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.MarkEndedIfStale(context.Background(), stale, cutoff)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessionRepository_FindStale(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := testNow.Add(-2 * time.Minute)
	rows := sqlmock.NewRows(sessionColumns).
		AddRow("sess-1", []byte(`{}`), "active", false, nil, nil, cutoff, cutoff.Add(-time.Minute), 0, nil, nil).
		AddRow("sess-2", []byte(`{}`), "active", false, nil, nil, cutoff, cutoff.Add(-time.Second), 4, nil, nil)
	mock.ExpectQuery("SELECT .+ FROM chat_sessions WHERE .*busy = \\$1 AND status = \\$2.* AND last_activity < \\$3 ORDER BY last_activity ASC LIMIT 100").
		WithArgs(false, "active", cutoff).
		WillReturnRows(rows)

	sessions, err := repo.FindStale(context.Background(), cutoff, 100)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-1", sessions[0].SessionID)
	assert.Equal(t, 4, sessions[1].MessageCount)
	assert.Nil(t, sessions[0].EndedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_ReleaseStuck(t *testing.T) {
	repo, mock := newMockRepo(t)
	since := testNow.Add(-10 * time.Minute)
	mock.ExpectExec("COALESCE\\(busy_since, last_activity\\) < \\$1").
		WithArgs(since).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.ReleaseStuck(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSessionRepository_Stats(t *testing.T) {
	t.Run("returns counts", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) AS total").
			WillReturnRows(sqlmock.NewRows([]string{"total", "active", "ended"}).AddRow(5, 2, 3))

		stats, err := repo.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, &model.SessionStats{Total: 5, Active: 2, Ended: 3}, stats)
	})

	t.Run("wraps query errors", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("timeout"))

		_, err := repo.Stats(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "count sessions")
	})
}

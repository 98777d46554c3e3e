package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/session-lifecycle/internal/audit"
	apperrors "github.com/openclaw/session-lifecycle/internal/errors"
	"github.com/openclaw/session-lifecycle/internal/service"
)

type contextKey string

const (
	TurnContextKey contextKey = "turn"

	SessionIDParam  = "sessionID"
	SessionIDHeader = "X-Session-ID"
)

func GetTurn(ctx context.Context) *service.Turn {
	if turn, ok := ctx.Value(TurnContextKey).(*service.Turn); ok {
		return turn
	}
	return nil
}

// SessionIDFromRequest reads the session id from the route, falling back to
// the X-Session-ID header.
func SessionIDFromRequest(r *http.Request) string {
	if id := chi.URLParam(r, SessionIDParam); id != "" {
		return id
	}
	return r.Header.Get(SessionIDHeader)
}

// ActivityMiddleware wraps a chat turn in the activity gate.
type ActivityMiddleware struct {
	gate *service.ActivityGate
}

func NewActivityMiddleware(gate *service.ActivityGate) *ActivityMiddleware {
	return &ActivityMiddleware{gate: gate}
}

func (m *ActivityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := SessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, apperrors.MissingRequired("sessionId"))
			return
		}

		turn, err := m.gate.Begin(r.Context(), sessionID)
		if err != nil {
			audit.LogFromRequest(r, audit.Event{
				Type:      audit.EventSessionExpired,
				SessionID: sessionID,
			})
			writeError(w, err)
			return
		}
		defer turn.End(r.Context())

		ctx := context.WithValue(r.Context(), TurnContextKey, turn)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

package handler

import (
	"net/http"
	"time"

	"github.com/openclaw/session-lifecycle/internal/httputil"
	"github.com/openclaw/session-lifecycle/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func formatSession(s *model.Session) map[string]any {
	var endReason any
	if s.EndReason != nil {
		endReason = string(*s.EndReason)
	}

	return map[string]any{
		"sessionId":    s.SessionID,
		"userInfo":     s.UserInfo,
		"status":       s.Status,
		"busy":         s.Busy,
		"createdAt":    s.CreatedAt.Format(time.RFC3339),
		"lastActivity": s.LastActivity.Format(time.RFC3339),
		"messageCount": s.MessageCount,
		"endedAt":      formatTime(s.EndedAt),
		"endReason":    endReason,
	}
}

package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/session-lifecycle/internal/errors"
	"github.com/openclaw/session-lifecycle/internal/httputil"
	"github.com/openclaw/session-lifecycle/internal/middleware"
	"github.com/openclaw/session-lifecycle/internal/model"
	"github.com/openclaw/session-lifecycle/internal/notify"
	"github.com/openclaw/session-lifecycle/internal/service"
)

const maxCreateBodySize = 64 << 10

type SessionHandler struct {
	registry  *service.SessionRegistry
	publisher notify.Dispatcher

	events   http.Handler
	chat     http.Handler
	activity func(http.Handler) http.Handler
}

// NewSessionHandler builds the session API. publisher is told about
// sessions closed through the API and may be nil.
func NewSessionHandler(registry *service.SessionRegistry, publisher notify.Dispatcher) *SessionHandler {
	if publisher == nil {
		publisher = notify.Nop
	}
	return &SessionHandler{
		registry:  registry,
		publisher: publisher,
	}
}

// WithEvents mounts the per-session SSE stream.
func (h *SessionHandler) WithEvents(events http.Handler) *SessionHandler {
	h.events = events
	return h
}

// WithChat mounts chat behind the activity gate.
func (h *SessionHandler) WithChat(activity func(http.Handler) http.Handler, chat http.Handler) *SessionHandler {
	h.activity = activity
	h.chat = chat
	return h
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/stats", h.Stats)

	r.Route("/{"+middleware.SessionIDParam+"}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/end", h.End)

		if h.events != nil {
			r.Get("/events", h.events.ServeHTTP)
		}
		if h.chat != nil {
			r.With(h.activity).Handle("/chat", h.chat)
			r.With(h.activity).Handle("/chat/*", h.chat)
		}
	})

	return r
}

type createSessionRequest struct {
	SessionID string         `json:"sessionId"`
	UserInfo  model.UserInfo `json:"userInfo"`
}

// POST /v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxCreateBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		if isBodyTooLarge(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request body too large"})
			return
		}
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	created, err := h.registry.Create(r.Context(), req.SessionID, req.UserInfo)
	if err != nil {
		writeError(w, err)
		return
	}

	if !created {
		writeJSON(w, http.StatusConflict, httputil.ErrorResponse{
			Error: "Session has already ended",
			Code:  apperrors.ErrCodeSessionExpired,
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": req.SessionID,
		"status":    model.SessionStatusActive,
	})
}

// GET /v1/sessions/stats
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("serving empty session stats")
	}

	writeJSON(w, http.StatusOK, stats)
}

// GET /v1/sessions/{sessionID}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, middleware.SessionIDParam)

	session, err := h.registry.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	if session == nil {
		writeError(w, apperrors.NotFound("session"))
		return
	}

	writeJSON(w, http.StatusOK, formatSession(session))
}

// POST /v1/sessions/{sessionID}/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, middleware.SessionIDParam)

	ended, err := h.registry.End(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	if ended {
		if err := h.publisher.Notify(r.Context(), sessionID); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to publish session end")
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ended": ended})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

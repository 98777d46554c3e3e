package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/session-lifecycle/internal/errors"
	"github.com/openclaw/session-lifecycle/internal/middleware"
	"github.com/openclaw/session-lifecycle/internal/service"
	"github.com/openclaw/session-lifecycle/internal/sse"
)

// EventsHandler streams lifecycle events for one session.
type EventsHandler struct {
	broker            *sse.Broker
	registry          *service.SessionRegistry
	heartbeatInterval time.Duration
}

func NewEventsHandler(broker *sse.Broker, registry *service.SessionRegistry) *EventsHandler {
	return &EventsHandler{
		broker:            broker,
		registry:          registry,
		heartbeatInterval: sse.HeartbeatInterval,
	}
}

// GET /v1/sessions/{sessionID}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, middleware.SessionIDParam)
	ctx := r.Context()

	session, err := h.registry.Get(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		writeError(w, apperrors.NotFound("session"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	h.sendEvent(w, flusher, sse.EventConnected, map[string]any{
		"sessionId": sessionID,
		"status":    session.Status,
	})

	if !session.IsActive() {
		h.sendRawEvent(w, flusher, sse.SessionEndedEvent(sessionID))
		return
	}

	client := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("sessionId", sessionID).Msg("sse connection established")

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("sessionId", sessionID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("sessionId", sessionID).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}
			if event.Type == sse.EventSessionEnded {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("sessionId", sessionID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

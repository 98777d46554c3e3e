package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const EventSessionEnded = "session_ended"

// Job is the payload pushed for the external mailer.
type Job struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// QueueDispatcher enqueues a session_ended job on a Redis list.
type QueueDispatcher struct {
	client *redis.Client
	queue  string
}

func NewQueueDispatcher(client *redis.Client, queue string) *QueueDispatcher {
	return &QueueDispatcher{client: client, queue: queue}
}

func (q *QueueDispatcher) Notify(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(Job{Type: EventSessionEnded, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := q.client.RPush(ctx, q.queue, string(payload)).Err(); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}

	log.Debug().Str("sessionId", sessionID).Str("queue", q.queue).Msg("notification enqueued")
	return nil
}

package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/session-lifecycle/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second

	EventConnected    = "connected"
	EventSessionEnded = "session_ended"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	SessionID string
	Events    chan Event
	Done      chan struct{}
}

// Broker fans session events out to SSE clients on every replica through
// Redis pub/sub.
type Broker struct {
	redis   *goredis.Client
	clients map[string]map[*Client]bool // sessionID -> set of clients
	stops   map[string]context.CancelFunc
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *goredis.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		stops:   make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(sessionID string) *Client {
	client := &Client{
		SessionID: sessionID,
		Events:    make(chan Event, 16),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[sessionID] == nil {
		b.clients[sessionID] = make(map[*Client]bool)
		ctx, cancel := context.WithCancel(b.ctx)
		b.stops[sessionID] = cancel
		go b.subscribeToRedis(ctx, sessionID)
	}
	b.clients[sessionID][client] = true
	clientCount := len(b.clients[sessionID])
	b.mu.Unlock()

	log.Info().
		Str("sessionId", sessionID).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.SessionID]; ok {
		if !clients[client] {
			return
		}
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.SessionID)
			b.stops[client.SessionID]()
			delete(b.stops, client.SessionID)
		}

		log.Info().
			Str("sessionId", client.SessionID).
			Int("clientCount", len(clients)).
			Msg("sse client unsubscribed")
	}
}

func (b *Broker) Publish(ctx context.Context, sessionID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.redis.Publish(ctx, redisclient.SessionChannel(sessionID), data).Err()
}

// Notify announces that the session has ended to its live subscribers.
func (b *Broker) Notify(ctx context.Context, sessionID string) error {
	return b.Publish(ctx, sessionID, SessionEndedEvent(sessionID))
}

func SessionEndedEvent(sessionID string) Event {
	data, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	return Event{Type: EventSessionEnded, Data: data}
}

func (b *Broker) subscribeToRedis(ctx context.Context, sessionID string) {
	channel := redisclient.SessionChannel(sessionID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("sessionId", sessionID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(sessionID, event)
		}
	}
}

func (b *Broker) broadcast(sessionID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	clients := b.clients[sessionID]
	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("sessionId", sessionID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.stops = make(map[string]context.CancelFunc)
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}

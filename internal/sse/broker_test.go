package sse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// attach registers a client without starting a redis subscription.
func attach(b *Broker, sessionID string) *Client {
	client := &Client{SessionID: sessionID, Events: make(chan Event, 1), Done: make(chan struct{})}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[sessionID] == nil {
		b.clients[sessionID] = make(map[*Client]bool)
		b.stops[sessionID] = func() {}
	}
	b.clients[sessionID][client] = true
	return client
}

func TestBroker_Notify(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewBroker(db)
	defer b.Close()

	payload, err := json.Marshal(SessionEndedEvent("s1"))
	require.NoError(t, err)
	mock.ExpectPublish("sessions:s1:events", payload).SetVal(1)

	require.NoError(t, b.Notify(context.Background(), "s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionEndedEvent(t *testing.T) {
	event := SessionEndedEvent("s1")

	assert.Equal(t, EventSessionEnded, event.Type)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(event.Data))
}

func TestBroker_Broadcast(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	a := attach(b, "s1")
	other := attach(b, "s2")

	b.broadcast("s1", SessionEndedEvent("s1"))

	select {
	case event := <-a.Events:
		assert.Equal(t, EventSessionEnded, event.Type)
	default:
		t.Fatal("expected event for s1 client")
	}
	assert.Empty(t, other.Events)

	t.Run("drops events when the buffer is full", func(t *testing.T) {
		b.broadcast("s1", SessionEndedEvent("s1"))
		assert.NotPanics(t, func() { b.broadcast("s1", SessionEndedEvent("s1")) })
		assert.Len(t, a.Events, 1)
	})
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	stopped := false
	c1 := attach(b, "s1")
	c2 := attach(b, "s1")
	b.stops["s1"] = func() { stopped = true }
	assert.Equal(t, 2, b.TotalClients())

	b.Unsubscribe(c1)
	assert.Equal(t, 1, b.TotalClients())
	assert.False(t, stopped)

	b.Unsubscribe(c2)
	assert.Zero(t, b.TotalClients())
	assert.True(t, stopped, "last unsubscribe stops the redis subscription")

	select {
	case <-c2.Done:
	default:
		t.Fatal("client should be closed")
	}
	assert.NotPanics(t, func() { b.Unsubscribe(c2) })
}

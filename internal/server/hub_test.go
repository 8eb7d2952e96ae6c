package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	room, err := chat.Open(context.Background(), chat.Options{Name: "lobby", Store: store.NewMemory().Room("lobby")})
	require.NoError(t, err)
	return NewHub("lobby", room)
}

func TestNewClient(t *testing.T) {
	hub := newTestHub(t)
	a := NewClient(nil, hub, "127.0.0.1:12345")
	b := NewClient(nil, hub, "127.0.0.1:12346")

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())

	select {
	case <-a.GetSendChan():
		t.Error("Expected empty send channel but received a message")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestHubShutdown(t *testing.T) {
	hub := newTestHub(t)

	stopped := make(chan struct{})
	go func() {
		hub.Run()
		close(stopped)
	}()

	require.NoError(t, hub.Shutdown(2*time.Second))
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Hub did not stop after shutdown")
	}

	assert.False(t, hub.Register(NewClient(nil, hub, "127.0.0.1:1")), "a stopped hub takes no clients")

	_, err := hub.Cleanup(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHubDropsStalledClient(t *testing.T) {
	hub := newTestHub(t)
	client := NewClient(nil, hub, "127.0.0.1:12345")
	hub.clients[client.id] = client
	hub.room.Connect(client.id)

	for i := 0; i < sendBufferSize; i++ {
		client.send <- []byte("{}")
	}
	hub.deliver([]chat.Outbound{{ConnID: client.id, Payload: []byte(`{"type":"users_list","users":[]}`)}})

	assert.Zero(t, hub.ClientCount())
	assert.True(t, client.closed)
	assert.Zero(t, hub.room.Connections())

	drained := 0
	for range client.send {
		drained++
	}
	assert.Equal(t, sendBufferSize, drained, "the send channel is closed after the queued frames")
}

func TestHubIgnoresUnregisteredClient(t *testing.T) {
	hub := newTestHub(t)
	client := NewClient(nil, hub, "127.0.0.1:12345")

	hub.handleInbound(inboundMessage{client: client, payload: []byte(`{"type":"name_check","name":"x","sessionId":"s1"}`)})
	assert.Empty(t, client.send)
	assert.Nil(t, hub.removeClient(client, "test"))
}

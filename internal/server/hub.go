package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/store"
)

// Hub is the actor of one room. Its Run loop is the only goroutine that
// touches the chat.Room; clients talk to it through channels.
type Hub struct {
	name       string
	room       *chat.Room
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMessage
	cleanup    chan cleanupRequest
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub for room. Call Run to start it.
func NewHub(name string, room *chat.Room) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		name:       name,
		room:       room,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundMessage, 256),
		cleanup:    make(chan cleanupRequest),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Name returns the room name served by the hub.
func (h *Hub) Name() string { return h.name }

// ClientCount reports the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Register hands a new client to the hub. It returns false once the hub
// is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("safe_send_panic", "room", h.name, "error", r)
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client.id]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				logger.Warn("nil_client_registration", "room", h.name)
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.deliver(h.removeClient(client, "disconnected"))

		case msg := <-h.inbound:
			h.handleInbound(msg)

		case req := <-h.cleanup:
			res, out, err := h.room.Cleanup(h.ctx)
			h.deliver(out)
			req.reply <- cleanupReply{result: res, err: err}
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	metrics.Connections.WithLabelValues(h.name).Inc()
	logger.Info("client_registered", "room", h.name, "conn", client.id, "addr", client.addr, "clients", clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	h.deliver(h.room.Connect(client.id))
}

// removeClient drops the client and lets the room react. It returns the
// payloads the room produced.
func (h *Hub) removeClient(client *Client, reason string) []chat.Outbound {
	h.mutex.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mutex.Unlock()
		return nil
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	metrics.Connections.WithLabelValues(h.name).Dec()
	logger.Info("client_unregistered", "room", h.name, "conn", client.id, "reason", reason, "clients", clientCount)

	out, err := h.room.Disconnect(h.ctx, client.id)
	if err != nil {
		logger.Error("disconnect_failed", "room", h.name, "conn", client.id, "error", err)
	}
	return out
}

func (h *Hub) handleInbound(msg inboundMessage) {
	h.mutex.RLock()
	_, registered := h.clients[msg.client.id]
	h.mutex.RUnlock()
	if !registered {
		return
	}

	out, err := h.room.Handle(h.ctx, msg.client.id, msg.payload)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrInvalidEnvelope) || errors.Is(err, chat.ErrUnknownEnvelope):
			logger.Warn("invalid_envelope", "room", h.name, "conn", msg.client.id, "error", err)
		case store.IsClosed(err):
			logger.Warn("store_closed", "room", h.name, "conn", msg.client.id)
		default:
			logger.Error("envelope_failed", "room", h.name, "conn", msg.client.id, "error", err)
		}
	}
	h.deliver(out)
}

// deliver pushes payloads without blocking. A client whose buffer is full
// is dropped, and whatever the room emits for that disconnect is delivered
// in turn.
func (h *Hub) deliver(out []chat.Outbound) {
	for len(out) > 0 {
		var stalled []*Client
		seen := make(map[string]bool)
		for _, o := range out {
			h.mutex.RLock()
			client, ok := h.clients[o.ConnID]
			h.mutex.RUnlock()
			if !ok || seen[o.ConnID] {
				continue
			}
			if !h.safeSend(client, o.Payload) {
				seen[o.ConnID] = true
				stalled = append(stalled, client)
			}
		}

		out = nil
		for _, client := range stalled {
			metrics.DroppedConnections.Inc()
			logger.Warn("client_dropped", "room", h.name, "conn", client.id, "addr", client.addr)
			out = append(out, h.removeClient(client, "send buffer full")...)
		}
	}
}

// Cleanup runs a cleanup pass on the actor and waits for its result.
func (h *Hub) Cleanup(ctx context.Context) (chat.CleanupResult, error) {
	req := cleanupRequest{reply: make(chan cleanupReply, 1)}
	select {
	case h.cleanup <- req:
	case <-ctx.Done():
		return chat.CleanupResult{}, ctx.Err()
	case <-h.ctx.Done():
		return chat.CleanupResult{}, context.Canceled
	}
	select {
	case rep := <-req.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return chat.CleanupResult{}, ctx.Err()
	}
}

// shutdownClients closes every connection without reporting disconnects to
// the room, so memberships survive a restart.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				logger.Warn("client_close_failed", "room", h.name, "conn", client.id, "error", err)
			}
		}
	}
	metrics.Connections.DeleteLabelValues(h.name)

	logger.Info("hub_clients_closed", "room", h.name, "clients", len(clients))
}

// Shutdown stops the hub and waits for all client goroutines to finish,
// or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logger.Info("hub_shutdown", "room", h.name)

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		logger.Warn("hub_shutdown_timeout", "room", h.name)
		return context.DeadlineExceeded
	}
}

package server

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

// Client is one WebSocket connection bound to a room hub. The hub owns the
// send channel; the pumps own the socket.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig
}

// NewClient creates a client with a fresh connection id and the limits of
// the active configuration.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	every := cfg.RateLimit.RefillInterval.Std() / time.Duration(cfg.RateLimit.Burst)

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: int64(cfg.MaxMessageSize),
		limiter:        rate.NewLimiter(rate.Every(every), cfg.RateLimit.Burst),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection id the room knows this client by.
func (c *Client) ID() string { return c.id }

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Warn("read_deadline_failed", "conn", c.id, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			logger.Warn("read_deadline_failed", "conn", c.id, "error", err)
		}
		return nil
	})
}

// handleReadError logs the read error at a fitting level. Any read error
// ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logger.Warn("frame_too_large", "conn", c.id, "addr", c.addr, "limit", SizeBytes(c.maxMessageSize).String())
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		logger.Debug("client_closed", "conn", c.id, "addr", c.addr, "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		logger.Debug("client_connection_closed", "conn", c.id, "addr", c.addr, "error", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		logger.Warn("unexpected_close", "conn", c.id, "addr", c.addr, "error", err)
	default:
		logger.Warn("read_failed", "conn", c.id, "addr", c.addr, "error", err)
	}
}

func (c *Client) allow() bool {
	if c.limiter.Allow() {
		return true
	}
	metrics.Rejections.WithLabelValues("rate_limited").Inc()
	logger.Warn("rate_limited",
		"conn", c.id,
		"addr", c.addr,
		"burst", c.rateLimit.Burst,
		"interval", c.rateLimit.RefillInterval.Std().String(),
	)
	return false
}

// readPump forwards every frame to the room actor. It is the only reader
// of the socket.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logger.Warn("close_failed", "conn", c.id, "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if !c.allow() {
			continue
		}
		select {
		case c.hub.inbound <- inboundMessage{client: c, payload: raw}:
		case <-c.hub.ctx.Done():
			return
		}
	}
}

// writePump drains the send channel, one envelope per frame, and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logger.Warn("close_failed", "conn", c.id, "error", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeClose()
				return
			}
			if !c.writeFrames(message) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		case <-c.hub.ctx.Done():
			return
		}
	}
}

func (c *Client) writeClose() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		logger.Debug("write_close_failed", "conn", c.id, "error", err)
	}
}

// writeFrames writes message and whatever else is already queued.
func (c *Client) writeFrames(message []byte) bool {
	if !c.writeFrame(message) {
		return false
	}
	n := len(c.send)
	for i := 0; i < n; i++ {
		next, ok := <-c.send
		if !ok {
			c.writeClose()
			return false
		}
		if !c.writeFrame(next) {
			return false
		}
	}
	return true
}

func (c *Client) writeFrame(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logger.Warn("write_deadline_failed", "conn", c.id, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			logger.Warn("write_failed", "conn", c.id, "addr", c.addr, "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logger.Warn("write_deadline_failed", "conn", c.id, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		logger.Debug("ping_failed", "conn", c.id, "error", err)
		return false
	}
	return true
}

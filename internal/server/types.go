package server

import (
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// inboundMessage is one raw envelope read from a client, queued for the
// room actor.
type inboundMessage struct {
	client  *Client
	payload []byte
}

// cleanupRequest asks a room actor to run a cleanup pass and report back.
type cleanupRequest struct {
	reply chan cleanupReply
}

type cleanupReply struct {
	result chat.CleanupResult
	err    error
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

package server_test

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

func configureServerForTest(t *testing.T, baseURL string, customize func(cfg *server.Config)) {
	t.Helper()
	cfg := server.NewConfig()
	cfg.AllowedOrigins = append([]string{baseURL}, cfg.AllowedOrigins...)
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)
	t.Cleanup(func() {
		server.SetConfig(nil)
	})
}

func newOriginHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}

// startServer serves a fresh set of rooms over engine. Shutdown runs
// before the listener closes.
func startServer(t *testing.T, engine store.Engine, customize func(cfg *server.Config)) (*httptest.Server, *server.Rooms) {
	t.Helper()
	rooms := server.NewRooms(engine)
	ts := httptest.NewServer(server.SetupRoutes(rooms))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = rooms.Shutdown(2 * time.Second) })
	configureServerForTest(t, ts.URL, customize)
	return ts, rooms
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, path), newOriginHeader(ts.URL))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err, "dial %s", path)
	t.Cleanup(func() { _ = conn.Close() })
	readUntil(t, conn, "channels_list")
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, env map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

// readUntil skips envelopes until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)

		var env map[string]any
		require.NoError(t, json.Unmarshal(data, &env), "frame %s", data)
		if env["type"] == typ {
			return env
		}
	}
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, but received %s", data)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

func confirm(t *testing.T, conn *websocket.Conn, sessionID, name string) {
	t.Helper()
	sendJSON(t, conn, map[string]any{"type": "confirm_name", "name": name, "sessionId": sessionID})
	env := readUntil(t, conn, "name_confirmed")
	require.Equal(t, name, env["name"])
}

func TestWebSocketRoomFlow(t *testing.T) {
	ts, _ := startServer(t, store.NewMemory(), nil)

	alice := dial(t, ts, "/ws/lobby")
	bob := dial(t, ts, "/ws/lobby")
	confirm(t, alice, "s1", "Alice")
	confirm(t, bob, "s2", "Bob")

	sendJSON(t, alice, map[string]any{"type": "join_channel", "channelId": "general", "sessionId": "s1"})
	readUntil(t, alice, "all")
	sendJSON(t, bob, map[string]any{"type": "join_channel", "channelId": "general", "sessionId": "s2"})
	readUntil(t, bob, "all")

	sendJSON(t, alice, map[string]any{
		"type": "add", "id": "m1", "content": "hello general", "user": "Alice",
		"role": "user", "channelId": "general", "sessionId": "s1",
	})
	got := readUntil(t, bob, "add")
	assert.Equal(t, "hello general", got["content"])
	assert.Equal(t, "Alice", got["user"])
	readUntil(t, alice, "add")
	unread := readUntil(t, bob, "unread_update")
	assert.EqualValues(t, 1, unread["unreadCount"])

	sendJSON(t, bob, map[string]any{
		"type": "add", "id": "p1", "content": "psst", "user": "Bob",
		"role": "user", "isPrivate": true, "recipientId": "s1", "sessionId": "s2",
	})
	got = readUntil(t, alice, "add")
	assert.Equal(t, "psst", got["content"])
	assert.Equal(t, true, got["isPrivate"])
	unread = readUntil(t, alice, "unread_update")
	assert.Equal(t, "private", unread["chatType"])
	assert.Equal(t, "s2", unread["chatId"])

	require.NoError(t, alice.Close())
	left := readUntil(t, bob, "user_left")
	assert.Equal(t, "Alice", left["name"])
}

func TestWebSocketRoomsAreIsolated(t *testing.T) {
	ts, _ := startServer(t, store.NewMemory(), nil)

	alice := dial(t, ts, "/ws/lobby")
	confirm(t, alice, "s1", "Alice")
	carol := dial(t, ts, "/ws/other")
	confirm(t, carol, "s3", "Carol")

	sendJSON(t, alice, map[string]any{
		"type": "add", "id": "g1", "content": "lobby only", "user": "Alice", "role": "user", "sessionId": "s1",
	})
	readUntil(t, alice, "add")
	expectNoMessage(t, carol, 300*time.Millisecond)

	other := dial(t, ts, "/ws/other")
	sendJSON(t, other, map[string]any{"type": "name_check", "name": "Alice", "sessionId": "s9"})
	res := readUntil(t, other, "name_check_result")
	assert.Equal(t, true, res["available"], "names are scoped to a room")
}

func TestWebSocketDefaultRoom(t *testing.T) {
	ts, _ := startServer(t, store.NewMemory(), func(cfg *server.Config) {
		cfg.DefaultRoom = "main"
	})

	bare := dial(t, ts, "/ws")
	named := dial(t, ts, "/ws/main")
	confirm(t, bare, "s1", "Alice")

	sendJSON(t, bare, map[string]any{
		"type": "add", "id": "g1", "content": "same room", "user": "Alice", "role": "user", "sessionId": "s1",
	})
	got := readUntil(t, named, "add")
	assert.Equal(t, "same room", got["content"])
}

func TestWebSocketRejections(t *testing.T) {
	ts, _ := startServer(t, store.NewMemory(), func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"http://allowed.example.com"}
	})

	t.Run("Disallowed origin", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/lobby"), newOriginHeader("http://evil.example.com"))
		if err == nil {
			_ = conn.Close()
			t.Fatal("Expected connection to fail with disallowed origin")
		}
		require.NotNil(t, resp)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Invalid room name", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/bad.name"), newOriginHeader("http://allowed.example.com"))
		require.Error(t, err)
		require.NotNil(t, resp)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("POST is not allowed", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/ws/lobby", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestWebSocketRateLimiting(t *testing.T) {
	ts, _ := startServer(t, store.NewMemory(), func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: server.Duration(time.Minute)}
	})

	conn := dial(t, ts, "/ws/lobby")
	for i := 0; i < 5; i++ {
		sendJSON(t, conn, map[string]any{"type": "name_check", "name": "Alice", "sessionId": "s1"})
	}
	readUntil(t, conn, "name_check_result")
	readUntil(t, conn, "name_check_result")
	expectNoMessage(t, conn, 300*time.Millisecond)
}

func TestWebSocketFrameTooLarge(t *testing.T) {
	ts, _ := startServer(t, store.NewMemory(), func(cfg *server.Config) {
		cfg.MaxMessageSize = 512
	})

	conn := dial(t, ts, "/ws/lobby")
	payload := `{"type":"add","id":"m1","sessionId":"s1","user":"Alice","content":"` + strings.Repeat("x", 1024) + `"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		netErr, ok := err.(net.Error)
		assert.False(t, ok && netErr.Timeout(), "connection should be closed, not idle")
		return
	}
}

func TestMembershipSurvivesRestart(t *testing.T) {
	engine := store.NewMemory()

	ts, rooms := startServer(t, engine, nil)
	alice := dial(t, ts, "/ws/lobby")
	confirm(t, alice, "s1", "Alice")
	sendJSON(t, alice, map[string]any{"type": "join_channel", "channelId": "general", "sessionId": "s1"})
	readUntil(t, alice, "all")
	sendJSON(t, alice, map[string]any{
		"type": "add", "id": "m1", "content": "still here", "user": "Alice",
		"role": "user", "channelId": "general", "sessionId": "s1",
	})
	readUntil(t, alice, "add")
	require.NoError(t, rooms.Shutdown(2*time.Second))

	restarted, _ := startServer(t, engine, nil)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(restarted, "/ws/lobby"), newOriginHeader(restarted.URL))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	list := readUntil(t, conn, "channels_list")
	for _, raw := range list["channels"].([]any) {
		ch := raw.(map[string]any)
		if ch["id"] == "general" {
			assert.EqualValues(t, 1, ch["memberCount"])
		}
	}

	sendJSON(t, conn, map[string]any{"type": "join_channel", "channelId": "general", "sessionId": "s7"})
	history := readUntil(t, conn, "all")
	msgs := history["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "still here", msgs[0].(map[string]any)["content"])
}

func TestHTTPEndpoints(t *testing.T) {
	ts, _ := startServer(t, store.NewMemory(), nil)
	dial(t, ts, "/ws/lobby")

	tests := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/", "text/plain", "roomchat server is running!"},
		{"/test", "text/html", "/ws/"},
		{"/metrics", "", "roomchat_connections"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))
			}
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

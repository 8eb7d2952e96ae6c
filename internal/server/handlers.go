package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler upgrades GET requests on /ws and /ws/{room} and hands the
// connection to the room's hub. /ws serves the default room.
func WebSocketHandler(rooms *Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		name := r.PathValue("room")
		if name == "" {
			name = currentConfig().DefaultRoom
		}
		h, err := rooms.Get(r.Context(), name)
		if err != nil {
			if errors.Is(err, ErrInvalidRoom) {
				http.Error(w, "Unknown room.", http.StatusNotFound)
				return
			}
			logger.Error("room_open_failed", "room", name, "error", err)
			http.Error(w, "Room unavailable.", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket_upgrade_failed", "room", name, "error", err)
			return
		}

		client := NewClient(conn, h, r.RemoteAddr)
		if !h.Register(client) {
			_ = conn.Close()
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "roomchat server is running!")
}

// TestPageHandler serves a small console for exercising the envelope
// protocol by hand.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		logger.Warn("test_page_write_failed", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>roomchat console</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
            font-size: 12px;
        }
        textarea { width: 520px; height: 90px; font-family: monospace; }
        input[type="text"] { width: 160px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 12px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
            margin: 2px;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        .sent { color: blue; }
        .received { color: green; }
    </style>
</head>
<body>
    <h1>roomchat console</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        Room <input type="text" id="room" value="main">
        Session <input type="text" id="session">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <div>
        <button onclick="template('reserve_name')">reserve_name</button>
        <button onclick="template('confirm_name')">confirm_name</button>
        <button onclick="template('join_channel')">join_channel</button>
        <button onclick="template('add')">add</button>
        <button onclick="template('open_private_chat')">open_private_chat</button>
        <button onclick="template('mark_read')">mark_read</button>
        <button onclick="template('private_chats_list_request')">private_chats_list_request</button>
    </div>

    <div>
        <textarea id="envelope" placeholder='{"type":"name_check","name":"Alice","sessionId":"..."}'></textarea><br>
        <button id="sendButton" onclick="sendEnvelope()" disabled>Send</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        const log = document.getElementById('log');
        const envelope = document.getElementById('envelope');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');
        const session = document.getElementById('session');
        session.value = 'session_' + Math.random().toString(16).slice(2, 10);

        function addLine(text, cls) {
            const line = document.createElement('div');
            line.className = cls || '';
            line.textContent = text;
            log.appendChild(line);
            log.scrollTop = log.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const room = encodeURIComponent(document.getElementById('room').value || 'main');
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws/' + room);
            ws.onopen = () => { addLine('connected'); updateStatus(true); };
            ws.onmessage = (event) => addLine(event.data, 'received');
            ws.onclose = () => { addLine('connection closed'); updateStatus(false); ws = null; };
            ws.onerror = () => { addLine('connection error'); updateStatus(false); };
        }

        function template(type) {
            const sid = session.value;
            const samples = {
                reserve_name: { type, name: 'Alice', sessionId: sid },
                confirm_name: { type, name: 'Alice', sessionId: sid },
                join_channel: { type, channelId: 'general', sessionId: sid },
                add: { type, id: crypto.randomUUID(), content: 'hi', user: 'Alice', role: 'user', channelId: 'general', sessionId: sid },
                open_private_chat: { type, recipientId: '', sessionId: sid },
                mark_read: { type, sessionId: sid, chatType: 'channel', chatId: 'general' },
                private_chats_list_request: { type, sessionId: sid },
            };
            envelope.value = JSON.stringify(samples[type]);
        }

        function sendEnvelope() {
            const text = envelope.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(text);
                addLine(text, 'sent');
            }
        }
    </script>
</body>
</html>`

package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darango91/aiaudiopipeline/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Subscribers are same-deployment dashboards; origin checks belong at
		// the ingress layer.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const (
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 4096
)

// wsConn adapts a websocket connection to the hub's Sink interface. Gorilla
// connections allow one concurrent writer, so sends are serialized.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// connectWS upgrades the request, registers the connection for the session's
// event feed, and keeps it alive until the client disconnects. Any session id
// may be subscribed to, including ones with no audio yet.
func (a *API) connectWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Str("session_id", sessionID).Msg("WebSocket upgrade failed")
		return
	}

	logger := observability.WithSession(sessionID)
	logger.Info().Msg("WebSocket subscriber connected")

	sink := &wsConn{conn: conn}
	a.hub.Subscribe(sessionID, sink)
	defer func() {
		a.hub.Unsubscribe(sessionID, sink)
		conn.Close()
		logger.Info().Msg("WebSocket subscriber disconnected")
	}()

	hello, _ := json.Marshal(map[string]string{
		"type":       "connection_established",
		"session_id": sessionID,
	})
	if err := sink.Send(hello); err != nil {
		logger.Warn().Err(err).Msg("Failed to send connection acknowledgement")
		return
	}

	// Read loop: the only client-to-server traffic is the ping keepalive.
	conn.SetReadLimit(wsReadLimit)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			if err := sink.Send(pong); err != nil {
				return
			}
		}
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darango91/aiaudiopipeline/internal/events"
)

func dialWS(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/connect/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read websocket message: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode message %s: %v", data, err)
	}
	return msg
}

func TestWebSocketHandshakeAndPing(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.mux)
	defer server.Close()

	conn := dialWS(t, server, "any-session")

	hello := readMessage(t, conn)
	if hello["type"] != "connection_established" {
		t.Fatalf("Expected connection_established, got %v", hello["type"])
	}
	if hello["session_id"] != "any-session" {
		t.Errorf("Expected session id echoed back, got %v", hello["session_id"])
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}
	pong := readMessage(t, conn)
	if pong["type"] != "pong" {
		t.Errorf("Expected pong, got %v", pong["type"])
	}
}

func TestWebSocketReceivesSessionEvents(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.mux)
	defer server.Close()

	conn := dialWS(t, server, "s1")
	readMessage(t, conn) // connection_established

	// Subscription registration races the publish without a sync point.
	deadline := time.Now().Add(time.Second)
	for env.api.hub.SubscriberCount("s1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	env.api.hub.Publish(context.Background(), events.New(events.SessionStatus, "s1", map[string]any{
		"status": "active",
	}))

	msg := readMessage(t, conn)
	if msg["type"] != string(events.SessionStatus) {
		t.Fatalf("Expected session_status event, got %v", msg["type"])
	}
	if msg["session_id"] != "s1" {
		t.Errorf("Expected session id s1, got %v", msg["session_id"])
	}
	payload, ok := msg["payload"].(map[string]any)
	if !ok || payload["status"] != "active" {
		t.Errorf("Unexpected payload: %v", msg["payload"])
	}
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.mux)
	defer server.Close()

	conn := dialWS(t, server, "s1")
	readMessage(t, conn)

	deadline := time.Now().Add(time.Second)
	for env.api.hub.SubscriberCount("s1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.api.hub.SubscriberCount("s1") != 1 {
		t.Fatal("Expected subscriber registered after connect")
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for env.api.hub.SubscriberCount("s1") != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := env.api.hub.SubscriberCount("s1"); n != 0 {
		t.Errorf("Expected subscriber removed after disconnect, got %d", n)
	}
}

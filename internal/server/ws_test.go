package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	gateway "github.com/eugener/radagast/internal"
)

func dialWS(t *testing.T, env *serverEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("bad frame %q: %v", data, err)
	}
	return m
}

func TestWSSubscribeAndReceive(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, nil, nil)
	conn := dialWS(t, env)

	err := conn.WriteJSON(map[string]any{"type": "subscribe", "channels": []string{"requests"}})
	if err != nil {
		t.Fatal(err)
	}
	if m := readWS(t, conn); m["type"] != "subscribed" {
		t.Fatalf("ack = %v", m)
	}

	env.bus.Publish(gateway.NewEvent(gateway.EventRequestCompleted, "req-1", "p", nil))
	m := readWS(t, conn)
	if m["type"] != "request_completed" || m["request_id"] != "req-1" {
		t.Errorf("frame = %v", m)
	}

	// Filtered-out channel: a provider event must not be delivered. Publish
	// one, then a request event, and check only the latter arrives.
	env.bus.Publish(gateway.NewEvent(gateway.EventProviderHealth, "", "p", nil))
	env.bus.Publish(gateway.NewEvent(gateway.EventRequestCancelled, "req-2", "p", nil))
	if m := readWS(t, conn); m["type"] != "request_cancelled" {
		t.Errorf("frame = %v, want request_cancelled", m)
	}
}

func TestWSPingPong(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, nil, nil)
	conn := dialWS(t, env)

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	if m := readWS(t, conn); m["type"] != "pong" {
		t.Errorf("frame = %v", m)
	}
}

func TestWSEventOrdering(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, nil, nil)
	conn := dialWS(t, env)

	err := conn.WriteJSON(map[string]any{"type": "subscribe", "channels": []string{"requests"}})
	if err != nil {
		t.Fatal(err)
	}
	if m := readWS(t, conn); m["type"] != "subscribed" {
		t.Fatalf("ack = %v", m)
	}

	for i := range 20 {
		env.bus.Publish(gateway.NewEvent(gateway.EventRequestSubmitted, requestID(i), "p", nil))
	}
	for i := range 20 {
		if m := readWS(t, conn); m["request_id"] != requestID(i) {
			t.Fatalf("frame %d = %v", i, m)
		}
	}
}

func requestID(i int) string {
	return "req-" + string(rune('a'+i))
}

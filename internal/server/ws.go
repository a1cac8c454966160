package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eugener/radagast/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway is operator-facing and authenticated by API key, not
	// cookies, so cross-origin upgrades are safe to allow.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClientMsg is a message from the client: a subscription filter update or
// an application-level ping.
type wsClientMsg struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// handleWS upgrades the connection and streams bus events as JSON text
// frames. The first client message is usually a subscribe filter; until one
// arrives the client receives all channels.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.LogAttrs(r.Context(), slog.LevelWarn, "websocket upgrade failed",
			slog.String("error", err.Error()),
		)
		return
	}

	sub := s.deps.Bus.Subscribe(nil)
	if s.deps.Metrics != nil {
		s.deps.Metrics.WSClients.Inc()
		defer s.deps.Metrics.WSClients.Dec()
	}
	defer s.deps.Bus.Unsubscribe(sub)
	defer conn.Close()

	// All writes go through the writer goroutine; the reader hands it
	// replies via outbound.
	outbound := make(chan []byte, 8)
	go s.wsWriter(conn, sub, outbound)
	s.wsReader(conn, sub, outbound)
}

// wsWriter owns the connection's write side: event frames, reader replies,
// and keepalive pings. It exits when the frame channel closes (slow consumer
// dropped or bus shutdown) or a write fails.
func (s *server) wsWriter(conn *websocket.Conn, sub *bus.Subscriber, outbound <-chan []byte) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer conn.Close()
	for {
		select {
		case frame, ok := <-sub.Frames():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event buffer overflow"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case msg := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var wsPong = []byte(`{"type":"pong"}`)

// wsReader consumes client messages until the connection drops. Any
// well-formed traffic counts as liveness.
func (s *server) wsReader(conn *websocket.Conn, sub *bus.Subscriber, outbound chan<- []byte) {
	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			sub.SetChannels(msg.Channels)
			ack, _ := json.Marshal(map[string]any{
				"type":     "subscribed",
				"channels": msg.Channels,
			})
			select {
			case outbound <- ack:
			default:
			}
		case "ping":
			select {
			case outbound <- wsPong:
			default:
			}
		}
	}
}

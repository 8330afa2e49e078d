// stream.go mirrors the SSE payloads over WebSocket for dashboard
// clients. Each connection gets its own bus subscription pair and a
// write pump with ping keepalives; the read pump only watches for close.
package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fpmm-indexer/internal/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Stream manages WebSocket clients.
type Stream struct {
	bus    bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	clients int
}

// NewStream creates the WebSocket broadcaster.
func NewStream(b bus.Bus, logger *slog.Logger) *Stream {
	return &Stream{bus: b, logger: logger.With("component", "ws-stream")}
}

// Handle upgrades GET /api/markets/{key}/ws and pumps bus messages to the
// client until either side goes away.
func (s *Stream) Handle(w http.ResponseWriter, r *http.Request, marketID string) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true }, // CORS is enforced at the router
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	trades, cancelTrades := s.bus.Subscribe(bus.TradesTopic(marketID))
	comments, cancelComments := s.bus.Subscribe(bus.CommentsTopic(marketID))

	s.mu.Lock()
	s.clients++
	s.logger.Info("ws client connected", "market", marketID, "count", s.clients)
	s.mu.Unlock()

	done := make(chan struct{})

	// Read pump: the stream is one-way; we only consume control frames.
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Write pump.
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancelTrades()
		cancelComments()
		conn.Close()
		s.mu.Lock()
		s.clients--
		s.logger.Info("ws client disconnected", "market", marketID, "count", s.clients)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, open := <-trades:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case msg, open := <-comments:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

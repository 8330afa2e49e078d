// sse.go is the server-sent-event broadcaster: one long-lived response
// per client, fed by exactly one bus subscription pair (trades + comments
// for the market), with a 15-second heartbeat comment so intermediaries
// keep the connection open. Everything unwinds on client disconnect, bus
// teardown, or write failure.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"fpmm-indexer/internal/bus"
)

const sseHeartbeat = 15 * time.Second

// SSE serves the per-market live stream.
type SSE struct {
	bus    bus.Bus
	logger *slog.Logger
}

// NewSSE creates the SSE broadcaster.
func NewSSE(b bus.Bus, logger *slog.Logger) *SSE {
	return &SSE{bus: b, logger: logger.With("component", "sse")}
}

// Handle serves GET /api/markets/{key}/live. The market is resolved by
// the surrounding handler; marketID is its canonical id.
func (s *SSE) Handle(w http.ResponseWriter, r *http.Request, marketID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer cannot stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	trades, cancelTrades := s.bus.Subscribe(bus.TradesTopic(marketID))
	comments, cancelComments := s.bus.Subscribe(bus.CommentsTopic(marketID))
	defer cancelTrades()
	defer cancelComments()

	s.logger.Info("sse client connected", "market", marketID)
	defer s.logger.Info("sse client disconnected", "market", marketID)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	write := func(payload []byte) bool {
		if _, err := w.Write(payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if !write([]byte(":ping\n\n")) {
				return
			}
		case msg, open := <-trades:
			if !open || !write(eventLine(msg)) {
				return
			}
		case msg, open := <-comments:
			if !open || !write(eventLine(msg)) {
				return
			}
		}
	}
}

// eventLine frames one JSON payload as a single SSE event.
func eventLine(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+8)
	out = append(out, "data: "...)
	out = append(out, msg...)
	out = append(out, '\n', '\n')
	return out
}

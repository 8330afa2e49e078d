// server.go wires the HTTP surface: market reads, the live SSE/WS
// streams, the webhook write paths, and healthz, behind CORS.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"fpmm-indexer/internal/config"
)

// Server runs the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	sse      *SSE
	stream   *Stream
	server   *http.Server
	logger   *slog.Logger
}

// NewServer assembles the router and middleware.
func NewServer(cfg config.ServerConfig, handlers *Handlers, sse *SSE, stream *Stream, logger *slog.Logger) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", handlers.health.Handle).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tx-notify", handlers.HandleTxNotify).Methods(http.MethodPost)

	markets := api.PathPrefix("/markets/{key}").Subrouter()
	markets.HandleFunc("/summary", handlers.HandleSummary).Methods(http.MethodGet)
	markets.HandleFunc("/metrics", handlers.HandleMetrics).Methods(http.MethodGet)
	markets.HandleFunc("/candles", handlers.HandleCandles).Methods(http.MethodGet)
	markets.HandleFunc("/trades", handlers.HandleTrades).Methods(http.MethodGet)
	markets.HandleFunc("/spot-series", handlers.HandleSpotSeries).Methods(http.MethodGet)
	markets.HandleFunc("/sweep", handlers.HandleSweep).Methods(http.MethodPatch)
	markets.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		if market := handlers.resolveMarket(w, r); market != nil {
			sse.Handle(w, r, market.ID)
		}
	}).Methods(http.MethodGet)
	markets.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if market := handlers.resolveMarket(w, r); market != nil {
			stream.Handle(w, r, market.ID)
		}
	}).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowedHeaders: []string{"Authorization", "Content-Type", "If-None-Match"},
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     c.Handler(r),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the SSE and WS endpoints hold their responses
		// open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		sse:      sse,
		stream:   stream,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

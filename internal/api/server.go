// Package api runs the operational HTTP/WebSocket surface of the robot.
//
// It renders nothing: /health for liveness probes, /api/snapshot for
// the current execution state (tracked orders + exposure records), and
// /ws streaming every execution event as JSON. Operator tooling and the
// out-of-scope dashboard consume it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"rangebot/internal/broker"
	"rangebot/internal/config"
	"rangebot/internal/coordinator"
	"rangebot/internal/events"
)

// ExecutionStateProvider is the slice of the engine the server reads.
type ExecutionStateProvider interface {
	Exposures() []coordinator.Exposure
	TrackedOrders() []broker.OrderInfo
	Events() <-chan events.Event
}

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.APIConfig
	provider ExecutionStateProvider
	hub      *Hub
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg config.APIConfig, provider ExecutionStateProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		hub:      NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start starts the server, the hub, and the event consumer.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeEvents broadcasts the engine's event stream to ws clients.
func (s *Server) consumeEvents() {
	for evt := range s.provider.Events() {
		s.hub.BroadcastEvent(evt)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// snapshotResponse is the /api/snapshot payload.
type snapshotResponse struct {
	TimestampUTC time.Time              `json:"timestamp_utc"`
	Orders       []broker.OrderInfo     `json:"orders"`
	Exposures    []coordinator.Exposure `json:"exposures"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	resp := snapshotResponse{
		TimestampUTC: time.Now().UTC(),
		Orders:       s.provider.TrackedOrders(),
		Exposures:    s.provider.Exposures(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("snapshot encode failed", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, 64)}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

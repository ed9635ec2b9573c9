package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"signal-relay/internal/config"
)

// statusInterval paces the periodic metrics and status broadcasts to
// connected WebSocket clients.
const statusInterval = 2 * time.Second

// Server runs the ingress webhook, the admin API, and the WebSocket stream.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	stopCh chan struct{}
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(deps, cfg, hub, logger)

	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("POST /webhook/in", handlers.HandleWebhook)

	// Event stream (token checked; browsers pass ?token=)
	mux.HandleFunc("GET /ws", handlers.RequireToken(handlers.HandleWebSocket))

	// Admin routes
	mux.HandleFunc("GET /admin/system", handlers.RequireToken(handlers.HandleSystemInfo))
	mux.HandleFunc("GET /admin/signals", handlers.RequireToken(handlers.HandleListSignals))
	mux.HandleFunc("GET /admin/signals/{id}/events", handlers.RequireToken(handlers.HandleSignalEvents))
	mux.HandleFunc("GET /admin/positions", handlers.RequireToken(handlers.HandleListPositions))
	mux.HandleFunc("POST /admin/positions/{ticker}/close", handlers.RequireToken(handlers.HandleClosePosition))
	mux.HandleFunc("POST /admin/positions/close-all", handlers.RequireToken(handlers.HandleCloseAllPositions))
	mux.HandleFunc("GET /admin/strategies", handlers.RequireToken(handlers.HandleListStrategies))
	mux.HandleFunc("POST /admin/strategies", handlers.RequireToken(handlers.HandleCreateStrategy))
	mux.HandleFunc("PUT /admin/strategies/{id}", handlers.RequireToken(handlers.HandleUpdateStrategy))
	mux.HandleFunc("POST /admin/strategies/{id}/activate", handlers.RequireToken(handlers.HandleActivateStrategy))
	mux.HandleFunc("DELETE /admin/strategies/{id}", handlers.RequireToken(handlers.HandleDeleteStrategy))
	mux.HandleFunc("POST /admin/refresher/pause", handlers.RequireToken(handlers.HandleRefresherPause))
	mux.HandleFunc("POST /admin/refresher/resume", handlers.RequireToken(handlers.HandleRefresherResume))
	mux.HandleFunc("POST /admin/refresher/refresh", handlers.RequireToken(handlers.HandleForceRefresh))
	mux.HandleFunc("POST /admin/limiter/pause", handlers.RequireToken(handlers.HandleLimiterPause))
	mux.HandleFunc("POST /admin/limiter/resume", handlers.RequireToken(handlers.HandleLimiterResume))
	mux.HandleFunc("POST /admin/metrics/reset", handlers.RequireToken(handlers.HandleResetMetrics))
	mux.HandleFunc("POST /admin/clear", handlers.RequireToken(handlers.HandleClearAll))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		deps:     deps,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
		stopCh:   make(chan struct{}),
	}
}

// Hub exposes the broadcast hub so the engine can wire pipeline events into
// the stream.
func (s *Server) Hub() *Hub { return s.hub }

// Start starts the API server, hub, and periodic broadcaster. Blocks until
// the server shuts down.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.broadcastLoop()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	close(s.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// broadcastLoop pushes metrics and status rollups to all clients on a fixed
// cadence.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.hub.BroadcastMetrics(s.deps.Metrics.Snapshot())
			s.hub.BroadcastStatus(s.handlers.buildStatus())
		}
	}
}

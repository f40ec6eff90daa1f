// Package server implements the HTTP API for the usefulness engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/csfet9/hindsight/internal/auth"
	"github.com/csfet9/hindsight/internal/boost"
	"github.com/csfet9/hindsight/internal/signal"
	"github.com/csfet9/hindsight/internal/stats"
)

// Server is the usefulness engine's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Ingestor   *signal.Ingestor
	Booster    *boost.Booster
	Aggregator *stats.Aggregator
	JWTMgr     *auth.JWTManager
	Logger     *slog.Logger
	MCPServer  *mcpserver.MCPServer

	Port                    int
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	MaxRequestBodyBytes     int64
	DefaultUsefulnessWeight float64

	// Middlewares wrap the entire handler, outermost first. Applied before
	// requestIDMiddleware, so a caller-supplied middleware sees the request
	// before request ID assignment and every other built-in middleware.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes and middleware configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Ingestor, cfg.Booster, cfg.Aggregator, cfg.Logger, cfg.MaxRequestBodyBytes, cfg.DefaultUsefulnessWeight)

	mux := http.NewServeMux()

	mux.Handle("POST /v1/{bank_id}/signal", http.HandlerFunc(h.HandleSignal))
	mux.Handle("POST /v1/{bank_id}/signals", http.HandlerFunc(h.HandleSignalBatch))
	mux.Handle("POST /v1/{bank_id}/recall", http.HandlerFunc(h.HandleRecall))
	mux.Handle("GET /v1/{bank_id}/facts/{fact_id}/stats", http.HandlerFunc(h.HandleFactStats))
	mux.Handle("GET /v1/{bank_id}/stats", http.HandlerFunc(h.HandleBankStats))

	// MCP StreamableHTTP transport, mounted alongside the REST API so agent
	// callers and HTTP callers share the same auth chain and port.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

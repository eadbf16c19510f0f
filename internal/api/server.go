// Package api implements mcphost's HTTP surface: the MCP endpoints
// (SSE sessions, message submission, stateless JSON-RPC), server
// administration, metrics, and a chat endpoint that runs the tool-call
// loop.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/mcphost/internal/agent"
	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/mcp"
)

// DefaultKeepAlive is the interval between SSE keep-alive comments.
const DefaultKeepAlive = 15 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ServerAdmin manages upstream MCP servers. *mcp.Manager satisfies it.
type ServerAdmin interface {
	Servers() []mcp.ServerStatus
	Catalog() []mcp.CatalogEntry
	ToggleServer(ctx context.Context, id string, enabled bool) error
	Refresh(ctx context.Context, id string) error
}

// ChatRunner runs the tool-call loop. *agent.Loop satisfies it.
type ChatRunner interface {
	Run(ctx context.Context, req *agent.Request, stream llm.StreamCallback) (*agent.Result, error)
}

// HealthReporter reports upstream health. *connwatch.Supervisor
// satisfies it.
type HealthReporter interface {
	Status() []connwatch.Status
}

// Config wires a Server. MCP and Sessions are required; the rest are
// optional and their routes answer 503 when unset.
type Config struct {
	Address string
	Port    int

	// MCP serves the stateless endpoint; Sessions serves /sse.
	MCP      *mcp.Server
	Sessions *mcp.SessionRegistry

	Servers ServerAdmin
	Chat    ChatRunner
	Health  HealthReporter

	// KeepAlive is the SSE comment interval. Zero means DefaultKeepAlive.
	KeepAlive time.Duration

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	mcp       *mcp.Server
	sessions  *mcp.SessionRegistry
	admin     ServerAdmin
	chat      ChatRunner
	health    HealthReporter
	keepAlive time.Duration
	logger    *slog.Logger
	server    *http.Server
	stats     *UsageStats
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		mcp:       cfg.MCP,
		sessions:  cfg.Sessions,
		admin:     cfg.Servers,
		chat:      cfg.Chat,
		health:    cfg.Health,
		keepAlive: keepAlive,
		logger:    logger.With("component", "api"),
		stats:     &UsageStats{},
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// MCP endpoints
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("POST /mcp", s.handleMCP)
	mux.HandleFunc("GET /sessions", s.handleSessions)

	// Health and diagnostics
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Upstream server administration
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("POST /v1/servers/{id}/enable", s.handleToggle(true))
	mux.HandleFunc("POST /v1/servers/{id}/disable", s.handleToggle(false))
	mux.HandleFunc("POST /v1/servers/{id}/refresh", s.handleRefresh)

	// Tool-call loop
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams are long-lived. Chat streams
		// extend their own deadline per event.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown closes every SSE session and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sessions != nil {
		if err := s.sessions.Shutdown(ctx); err != nil {
			s.logger.Warn("session shutdown incomplete", "error", err)
		}
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    buildinfo.ProductName,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "OK")
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/obs"
	"github.com/veritas-lab/veritas/internal/pipeline"
	"github.com/veritas-lab/veritas/internal/ratelimit"
	"github.com/veritas-lab/veritas/internal/retrieval"
	"github.com/veritas-lab/veritas/internal/storage"
)

// Server is the Veritas HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): DB, Searcher, RAGModel, Limiter,
// Collector, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Pipeline  *pipeline.Pipeline
	Retrieval *retrieval.Backend
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	DB        *storage.DB
	Searcher  *retrieval.ChunkIndex
	RAGModel  *llm.Client
	Limiter   ratelimit.Limiter
	Collector *obs.Collector
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	ModelInfo           model.ModelInfo
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Collector == nil {
		cfg.Collector = obs.NewCollector()
	}

	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Pipeline:            cfg.Pipeline,
		Retrieval:           cfg.Retrieval,
		Searcher:            cfg.Searcher,
		RAGModel:            cfg.RAGModel,
		Collector:           cfg.Collector,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		ModelInfo:           cfg.ModelInfo,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// The verification endpoints are the expensive ones; retrieval and
	// read endpoints go unlimited.
	truthRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc)

	mux := http.NewServeMux()

	// Verification endpoints (rate limited by IP).
	mux.Handle("POST /truth/check", truthRL(http.HandlerFunc(h.HandleTruthCheck)))
	mux.Handle("POST /api/truth/check/stream", truthRL(http.HandlerFunc(h.HandleTruthCheckStream)))
	mux.Handle("POST /api/truth/check/stream-v2", truthRL(http.HandlerFunc(h.HandleTruthCheckStreamV2)))

	// Persisted verdicts.
	mux.HandleFunc("GET /api/truth/analyses", h.HandleRecentAnalyses)
	mux.HandleFunc("GET /api/truth/analyses/{analysis_id}", h.HandleGetAnalysis)

	// Retrieval endpoints used by external UIs.
	mux.HandleFunc("POST /api/wiki/search", h.HandleWikiSearch)
	mux.HandleFunc("POST /api/wiki/keyword-search", h.HandleWikiKeywordSearch)
	mux.HandleFunc("POST /api/rag/wiki/search", h.HandleRAGWikiSearch)
	mux.Handle("POST /wiki/rag-stream", truthRL(http.HandlerFunc(h.HandleRAGStream)))

	// Observability snapshot.
	mux.HandleFunc("GET /api/obs/stats", h.HandleObsStats)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
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

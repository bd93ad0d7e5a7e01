package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/veritas-lab/veritas/internal/config"
	"github.com/veritas-lab/veritas/internal/credibility"
	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/mcp"
	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/obs"
	"github.com/veritas-lab/veritas/internal/pipeline"
	"github.com/veritas-lab/veritas/internal/prefetch"
	"github.com/veritas-lab/veritas/internal/ratelimit"
	"github.com/veritas-lab/veritas/internal/retrieval"
	"github.com/veritas-lab/veritas/internal/scoring"
	"github.com/veritas-lab/veritas/internal/server"
	"github.com/veritas-lab/veritas/internal/service/embedding"
	"github.com/veritas-lab/veritas/internal/storage"
	"github.com/veritas-lab/veritas/internal/telemetry"
	"github.com/veritas-lab/veritas/internal/websearch"
	"github.com/veritas-lab/veritas/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

const checkpointEvictInterval = 10 * time.Minute

func main() {
	os.Exit(run0())
}

func run0() int {
	// .env is optional; production environments set variables directly.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("VERITAS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("veritas starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres (optional — without it results are not persisted
	// and the corpus endpoints return empty results).
	var db *storage.DB
	if cfg.DatabaseURL != "" {
		db, err = storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	} else {
		logger.Warn("postgres: disabled (no DATABASE_URL); persistence and corpus retrieval unavailable")
	}

	// Embedding provider for the retrieval backend.
	embedder := newEmbeddingProvider(cfg, logger)

	// Optional Qdrant ANN index over corpus chunks.
	var ann *retrieval.ChunkIndex
	if cfg.QdrantURL != "" {
		ann, err = retrieval.NewChunkIndex(retrieval.ChunkIndexConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbedDim), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = ann.Close() }()

		if err := ann.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL); vector search uses pgvector")
	}

	backend := retrieval.New(db, embedder, ann, logger)

	// Web search providers. Naver is skipped without credentials; DuckDuckGo
	// needs none.
	retry := websearch.RetryPolicy{Attempts: cfg.ExternalAPIRetries, Backoff: cfg.ExternalAPIBackoff}
	var providers []websearch.Client
	naver := websearch.NewNaverClient(cfg.NaverClientID, cfg.NaverClientSecret,
		cfg.NaverMaxConcurrency, cfg.ExternalAPITimeout, retry, logger)
	if naver.Configured() {
		providers = append(providers, naver)
	} else {
		logger.Info("naver search: disabled (no credentials)")
	}
	providers = append(providers,
		websearch.NewDuckDuckGoClient(cfg.DDGMaxConcurrency, cfg.ExternalAPITimeout, retry, logger))

	// Credibility and prefetch.
	resolver := credibility.NewResolver(nil)
	var analyzer *credibility.HTMLAnalyzer
	if cfg.Stage3HTMLSignalEnabled {
		analyzer = credibility.NewHTMLAnalyzer(cfg.ExternalAPITimeout, resolver, logger)
	}
	fetcher := prefetch.New(cfg.ExternalAPITimeout, prefetch.NewTimedTextClient(cfg.ExternalAPITimeout), logger)

	// LLM clients. The judge model is optional; without it S9 uses the
	// deterministic summary.
	querygen := llm.NewClient(cfg.LLMBaseURL, cfg.LLMFallbackBaseURL, cfg.LLMAPIKey, cfg.QuerygenModel, cfg.LLMTimeout, logger)
	evaluator := llm.NewClient(cfg.LLMBaseURL, cfg.LLMFallbackBaseURL, cfg.LLMAPIKey, cfg.EvaluatorModel, cfg.LLMTimeout, logger)
	var judge *llm.Client
	if cfg.JudgeModel != "" {
		judge = llm.NewClient(cfg.LLMBaseURL, cfg.LLMFallbackBaseURL, cfg.LLMAPIKey, cfg.JudgeModel, cfg.LLMTimeout, logger)
	}

	scorer := scoring.NewEngine(scoring.Config{
		LowOverlapThreshold: cfg.Stage4LowOverlapThreshold,
		RumorThreshold:      cfg.Stage5ThresholdRumor,
		TrustWeight:         0.25,
	})

	checkpoints, err := newCheckpointer(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	collector := obs.NewCollector()

	pipe := pipeline.New(pipeline.Deps{
		Config:       cfg,
		Retrieval:    backend,
		Providers:    providers,
		Prefetcher:   fetcher,
		Resolver:     resolver,
		HTMLAnalyzer: analyzer,
		Querygen:     querygen,
		Evaluator:    evaluator,
		Judge:        judge,
		Scorer:       scorer,
		Checkpoints:  checkpoints,
		Collector:    collector,
		Logger:       logger,
	})

	if cfg.CheckpointEnabled {
		go pipe.EvictLoop(ctx, checkpointEvictInterval)
	}

	// Rate limiter for the verification endpoints.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(1, 10)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)")
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server mounted at /mcp.
	mcpSrv := mcp.New(pipe, backend, version, logger)

	srv := server.New(server.ServerConfig{
		Pipeline:  pipe,
		Retrieval: backend,
		Logger:    logger,
		DB:        db,
		Searcher:  ann,
		RAGModel:  evaluator,
		Limiter:   limiter,
		Collector: collector,
		MCPServer: mcpSrv.MCPServer(),

		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
		ModelInfo: model.ModelInfo{
			Provider: "openai-compatible",
			Model:    cfg.EvaluatorModel,
			Version:  version,
		},
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	slog.Info("veritas shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if closer, ok := checkpoints.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Error("checkpoint close error", "error", err)
		}
	}

	slog.Info("veritas stopped")
	return nil
}

// newCheckpointer selects the checkpoint backend per configuration.
func newCheckpointer(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) (pipeline.Checkpointer, error) {
	if !cfg.CheckpointEnabled || cfg.CheckpointBackend == "none" {
		logger.Info("checkpointing: disabled")
		return pipeline.NopCheckpointer{}, nil
	}

	switch cfg.CheckpointBackend {
	case "sqlite":
		cp, err := pipeline.NewSQLiteCheckpointer(ctx, cfg.CheckpointSQLite, cfg.CheckpointTTL)
		if err != nil {
			return nil, fmt.Errorf("sqlite checkpointer: %w", err)
		}
		logger.Info("checkpointing: sqlite", "path", cfg.CheckpointSQLite)
		return cp, nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("checkpointing: postgres backend requires DATABASE_URL")
		}
		logger.Info("checkpointing: postgres")
		return pipeline.NewPostgresCheckpointer(db, cfg.CheckpointTTL), nil
	default:
		logger.Info("checkpointing: memory", "ttl", cfg.CheckpointTTL)
		return pipeline.NewMemoryCheckpointer(cfg.CheckpointTTL), nil
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "openai", "ollama", "noop", or "auto" (default).
// Auto mode uses OpenAI when a key is present, then Ollama if reachable,
// else noop (retrieval falls back to lexical matching).
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when VERITAS_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(cfg.EmbedDim)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbedModel, "dimensions", cfg.EmbedDim)
		return embedding.NewOpenAIProvider("", cfg.OpenAIAPIKey, cfg.EmbedModel, cfg.EmbedDim, cfg.EmbedNDigits)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", cfg.EmbedDim)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbedDim, cfg.EmbedNDigits)

	case "noop":
		logger.Info("embedding provider: noop (vector search disabled)")
		return embedding.NewNoopProvider(cfg.EmbedDim)

	case "auto":
		fallthrough
	default:
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbedModel, "dimensions", cfg.EmbedDim)
			return embedding.NewOpenAIProvider("", cfg.OpenAIAPIKey, cfg.EmbedModel, cfg.EmbedDim, cfg.EmbedNDigits)
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", cfg.EmbedDim)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbedDim, cfg.EmbedNDigits)
		}
		logger.Warn("no embedding provider available, using noop (vector search disabled)")
		return embedding.NewNoopProvider(cfg.EmbedDim)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Empty DatabaseURL runs without persistence
	// (results are not saved; the postgres checkpoint backend is
	// unavailable).
	DatabaseURL string

	// Qdrant settings. Empty URL disables the ANN index; vector search
	// falls back to pgvector.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// Embedding provider settings.
	EmbeddingProvider string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey      string
	EmbedModel        string
	EmbedDim          int
	EmbedNDigits      int // rounding applied before persisting vectors
	OllamaURL         string
	OllamaModel       string

	// LLM endpoints. The primary is OpenAI-compatible chat; the fallback
	// is a completion-style endpoint tried on connection-class errors.
	LLMBaseURL         string
	LLMFallbackBaseURL string
	LLMAPIKey          string
	QuerygenModel      string
	EvaluatorModel     string
	JudgeModel         string
	LLMTimeout         time.Duration // S6/S7 evaluator call timeout

	// External search API settings.
	NaverClientID       string
	NaverClientSecret   string
	NaverMaxConcurrency int
	DDGMaxConcurrency   int
	ExternalAPITimeout  time.Duration
	ExternalAPIRetries  int
	ExternalAPIBackoff  time.Duration

	// Checkpoint settings.
	CheckpointEnabled bool
	CheckpointBackend string // "memory", "sqlite", "postgres", or "none"
	CheckpointSQLite  string // sqlite file path for the sqlite backend
	CheckpointTTL     time.Duration

	// Scoring and stage tuning.
	Stage3WebQueryCapPerClaim int
	Stage3HTMLSignalEnabled   bool
	Stage3HTMLSignalTopN      int
	Stage4LowOverlapThreshold float64
	Stage5Threshold           float64
	Stage5ThresholdRumor      float64
	Stage5TopK                int
	Stage9QualityCutoff       float64
	StageSoftTimeout          time.Duration

	// Streaming settings.
	HeartbeatInterval time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	DefaultLanguage     string
	RateLimitEnabled    bool
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:         envInt("VERITAS_PORT", 8080),
		ReadTimeout:  envDuration("VERITAS_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: envDuration("VERITAS_WRITE_TIMEOUT", 180*time.Second),

		DatabaseURL: envStr("DATABASE_URL", ""),

		QdrantURL:        envStr("QDRANT_URL", ""),
		QdrantAPIKey:     envStr("QDRANT_API_KEY", ""),
		QdrantCollection: envStr("QDRANT_COLLECTION", "veritas_wiki_chunks"),

		EmbeddingProvider: envStr("VERITAS_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		EmbedModel:        envStr("VERITAS_EMBED_MODEL", "text-embedding-3-small"),
		EmbedDim:          envInt("VERITAS_EMBED_DIM", 1024),
		EmbedNDigits:      envInt("VERITAS_EMBED_NDIGITS", 6),
		OllamaURL:         envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:       envStr("OLLAMA_MODEL", "mxbai-embed-large"),

		LLMBaseURL:         envStr("VERITAS_LLM_BASE_URL", "http://localhost:8000/v1"),
		LLMFallbackBaseURL: envStr("VERITAS_LLM_FALLBACK_BASE_URL", ""),
		LLMAPIKey:          envStr("VERITAS_LLM_API_KEY", ""),
		QuerygenModel:      envStr("VERITAS_QUERYGEN_MODEL", "veritas-querygen"),
		EvaluatorModel:     envStr("VERITAS_EVALUATOR_MODEL", "veritas-evaluator"),
		JudgeModel:         envStr("VERITAS_JUDGE_MODEL", ""),
		LLMTimeout:         envDuration("VERITAS_LLM_TIMEOUT", 60*time.Second),

		NaverClientID:       envStr("NAVER_CLIENT_ID", ""),
		NaverClientSecret:   envStr("NAVER_CLIENT_SECRET", ""),
		NaverMaxConcurrency: envInt("NAVER_MAX_CONCURRENCY", 3),
		DDGMaxConcurrency:   envInt("DDG_MAX_CONCURRENCY", 3),
		ExternalAPITimeout:  envDuration("EXTERNAL_API_TIMEOUT_SECONDS", 10*time.Second),
		ExternalAPIRetries:  envInt("EXTERNAL_API_RETRY_ATTEMPTS", 3),
		ExternalAPIBackoff:  envDuration("EXTERNAL_API_BACKOFF_SECONDS", 400*time.Millisecond),

		CheckpointEnabled: envBool("CHECKPOINT_ENABLED", true),
		CheckpointBackend: envStr("CHECKPOINT_BACKEND", "memory"),
		CheckpointSQLite:  envStr("CHECKPOINT_SQLITE_PATH", "veritas-checkpoints.db"),
		CheckpointTTL:     envDuration("CHECKPOINT_TTL_SECONDS", 86400*time.Second),

		Stage3WebQueryCapPerClaim: envInt("STAGE3_WEB_QUERY_CAP_PER_CLAIM", 3),
		Stage3HTMLSignalEnabled:   envBool("STAGE3_HTML_SIGNAL_ENABLED", true),
		Stage3HTMLSignalTopN:      envInt("STAGE3_HTML_SIGNAL_TOP_N", 5),
		Stage4LowOverlapThreshold: envFloat("STAGE4_LOW_OVERLAP_THRESHOLD", 0.4),
		Stage5Threshold:           envFloat("STAGE5_THRESHOLD", 0.70),
		Stage5ThresholdRumor:      envFloat("STAGE5_THRESHOLD_RUMOR", 0.78),
		Stage5TopK:                envInt("STAGE5_TOP_K", 6),
		Stage9QualityCutoff:       envFloat("STAGE9_QUALITY_CUTOFF", 65),
		StageSoftTimeout:          envDuration("VERITAS_STAGE_SOFT_TIMEOUT", 120*time.Second),

		HeartbeatInterval: envDuration("VERITAS_HEARTBEAT_INTERVAL", 5*time.Second),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "veritas"),

		LogLevel:            envStr("VERITAS_LOG_LEVEL", "info"),
		DefaultLanguage:     envStr("VERITAS_DEFAULT_LANGUAGE", "ko"),
		RateLimitEnabled:    envBool("VERITAS_RATE_LIMIT_ENABLED", true),
		MaxRequestBodyBytes: int64(envInt("VERITAS_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is coherent.
func (c Config) Validate() error {
	if c.EmbedDim <= 0 {
		return fmt.Errorf("config: VERITAS_EMBED_DIM must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: VERITAS_MAX_REQUEST_BODY_BYTES must be positive")
	}
	switch c.CheckpointBackend {
	case "memory", "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("config: unknown CHECKPOINT_BACKEND %q", c.CheckpointBackend)
	}
	if c.CheckpointBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: CHECKPOINT_BACKEND=postgres requires DATABASE_URL")
	}
	if c.Stage4LowOverlapThreshold < 0 || c.Stage4LowOverlapThreshold > 1 {
		return fmt.Errorf("config: STAGE4_LOW_OVERLAP_THRESHOLD must be in [0,1]")
	}
	if c.Stage5TopK <= 0 {
		return fmt.Errorf("config: STAGE5_TOP_K must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDuration parses either a Go duration string or a bare number.
// Bare numbers are interpreted as seconds, matching the *_SECONDS env names.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return defaultVal
}

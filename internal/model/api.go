package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxInputPayloadBytes bounds the submitted claim text or URL. Oversized
// inputs would exhaust the normalizer and the embedding pipeline.
const MaxInputPayloadBytes = 64 * 1024

// Stable API error codes. Raw exception strings never reach the caller.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodePipelineFailed    = "PIPELINE_EXECUTION_FAILED"
	ErrCodeStreamInitFailed  = "PIPELINE_STREAM_INIT_FAILED"
	ErrCodeJSONParse         = "LLM_JSON_PARSE_FAILED"
	ErrCodePersistenceFailed = "PERSISTENCE_FAILED"
	ErrCodeCheckpointBackend = "CHECKPOINT_BACKEND_UNAVAILABLE"
)

// TruthCheckRequest is the request body for POST /truth/check and the
// streaming variants.
type TruthCheckRequest struct {
	InputType    InputType `json:"input_type"`
	InputPayload string    `json:"input_payload"`

	Language      string     `json:"language,omitempty"` // default "ko"
	AsOf          *time.Time `json:"as_of,omitempty"`
	StartStage    string     `json:"start_stage,omitempty"`
	EndStage      string     `json:"end_stage,omitempty"`
	NormalizeMode string     `json:"normalize_mode,omitempty"`

	// StageState merges a prior state into the fresh one before execution,
	// enabling partial-window runs.
	StageState map[string]any `json:"stage_state,omitempty"`

	IncludeFullOutputs bool `json:"include_full_outputs,omitempty"`

	CheckpointThreadID string `json:"checkpoint_thread_id,omitempty"`
	CheckpointResume   bool   `json:"checkpoint_resume,omitempty"`
}

// Validate checks the request before pipeline entry. Violations surface as
// 422 without touching the pipeline.
func (r TruthCheckRequest) Validate() error {
	if strings.TrimSpace(r.InputPayload) == "" {
		return fmt.Errorf("input_payload is required")
	}
	if len(r.InputPayload) > MaxInputPayloadBytes {
		return fmt.Errorf("input_payload exceeds maximum length of %d bytes", MaxInputPayloadBytes)
	}
	if !r.InputType.Valid() {
		return fmt.Errorf("unknown input_type %q", r.InputType)
	}
	if r.StartStage != "" && r.StartStage != StageCollect && StageIndex(r.StartStage) < 0 {
		return fmt.Errorf("unknown start_stage %q", r.StartStage)
	}
	if r.EndStage != "" && r.EndStage != StageCollect && StageIndex(r.EndStage) < 0 {
		return fmt.Errorf("unknown end_stage %q", r.EndStage)
	}
	return nil
}

// ResolveStageWindow maps the stage03_collect alias and empty values to a
// concrete [start, end] window over StageOrder.
func (r TruthCheckRequest) ResolveStageWindow() (start, end string) {
	start, end = r.StartStage, r.EndStage
	if start == "" {
		start = StageNormalize
	} else if start == StageCollect {
		start = StageWiki
	}
	if end == "" {
		end = StageJudge
	} else if end == StageCollect {
		end = StageMerge
	}
	return start, end
}

// ModelInfo identifies the model configuration used for a verdict.
type ModelInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Version  string `json:"version"`
}

// TruthCheckResponse is the synchronous verdict envelope.
// List fields are always present (possibly empty); map fields are always
// present, StageFullOutputs only when requested.
type TruthCheckResponse struct {
	AnalysisID uuid.UUID `json:"analysis_id"`
	Claim      string    `json:"claim"`
	Label      Label     `json:"label"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
	ModelInfo  ModelInfo `json:"model_info"`
	LatencyMS  int64     `json:"latency_ms"`
	CostUSD    float64   `json:"cost_usd"`
	CreatedAt  time.Time `json:"created_at"`

	Rationale            []string   `json:"rationale"`
	Citations            []Citation `json:"citations"`
	CounterEvidence      []Citation `json:"counter_evidence"`
	Limitations          []string   `json:"limitations"`
	RecommendedNextSteps []string   `json:"recommended_next_steps"`
	RiskFlags            []string   `json:"risk_flags"`
	StageLogs            []StageLog `json:"stage_logs"`

	StageOutputs     map[string]any `json:"stage_outputs"`
	StageFullOutputs map[string]any `json:"stage_full_outputs,omitempty"`

	CheckpointThreadID string `json:"checkpoint_thread_id,omitempty"`
	CheckpointResumed  bool   `json:"checkpoint_resumed,omitempty"`
	CheckpointExpired  bool   `json:"checkpoint_expired,omitempty"`
}

// Stream event types emitted on the NDJSON endpoints.
const (
	EventStreamOpen    = "stream_open"
	EventStageComplete = "stage_complete"
	EventHeartbeat     = "heartbeat"
	EventComplete      = "complete"
	EventError         = "error"
)

// StreamEvent is one NDJSON line on the streaming endpoints.
type StreamEvent struct {
	Event   string    `json:"event"`
	Stage   string    `json:"stage,omitempty"`
	Data    any       `json:"data,omitempty"`
	TraceID uuid.UUID `json:"trace_id"`
	TS      time.Time `json:"ts"`
}

// APIError is the error response body: {detail:{code, message}}.
type APIError struct {
	Detail ErrorDetail `json:"detail"`
}

// ErrorDetail carries a stable code and a safe message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WikiSearchRequest is the request body for the retrieval endpoints.
type WikiSearchRequest struct {
	Question string  `json:"question"`
	TopK     int     `json:"top_k,omitempty"`
	PageIDs  []int64 `json:"page_ids,omitempty"`
	Window   int     `json:"window,omitempty"`
	MaxChars int     `json:"max_chars,omitempty"`
	Mode     string  `json:"mode,omitempty"` // auto | lexical | fts | vector
}

// WikiSearchResponse is the retrieval endpoint response.
type WikiSearchResponse struct {
	Candidates    []WikiHit      `json:"candidates"`
	Hits          []WikiHit      `json:"hits"`
	PromptContext string         `json:"prompt_context"`
	Debug         map[string]any `json:"debug,omitempty"`
}

// WikiHit is one retrieved corpus chunk with neighbor-window expansion.
type WikiHit struct {
	PageID   int64   `json:"page_id"`
	Title    string  `json:"title"`
	ChunkIdx int     `json:"chunk_idx"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
	Mode     string  `json:"mode"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

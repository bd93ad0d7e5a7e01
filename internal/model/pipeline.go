// Package model defines the domain types shared across the verification
// pipeline: pipeline state, evidence, verdicts, and the HTTP API contracts.
package model

import (
	"time"

	"github.com/google/uuid"
)

// InputType classifies the raw payload submitted for verification.
type InputType string

// Supported input types.
const (
	InputTypeURL   InputType = "url"
	InputTypeText  InputType = "text"
	InputTypeImage InputType = "image"
)

// Valid reports whether t is a recognized input type.
func (t InputType) Valid() bool {
	switch t {
	case InputTypeURL, InputTypeText, InputTypeImage:
		return true
	}
	return false
}

// Label is a verdict label.
type Label string

// Verdict labels.
const (
	LabelTrue       Label = "TRUE"
	LabelFalse      Label = "FALSE"
	LabelMixed      Label = "MIXED"
	LabelUnverified Label = "UNVERIFIED"
	LabelRefused    Label = "REFUSED"
)

// ClaimMode classifies how a claim should be scored.
type ClaimMode string

// Claim modes.
const (
	ClaimModeFact  ClaimMode = "fact"
	ClaimModeRumor ClaimMode = "rumor"
	ClaimModeMixed ClaimMode = "mixed"
)

// Stance is the role an evidence item or query plays relative to the claim.
type Stance string

// Stances.
const (
	StanceSupport Stance = "support"
	StanceSkeptic Stance = "skeptic"
	StanceNeutral Stance = "neutral"
)

// Intent classifies the investigative purpose of a search query.
// Every claim's query set must cover the three required intents.
const (
	IntentOfficialStatement = "official_statement"
	IntentFactCheck         = "fact_check"
	IntentOriginTrace       = "origin_trace"
)

// Stage names. stage03_collect is an alias accepted in resume windows:
// it maps to stage03_wiki for start_stage and stage03_merge for end_stage.
const (
	StageNormalize = "stage01_normalize"
	StageQuerygen  = "stage02_querygen"
	StageWiki      = "stage03_wiki"
	StageWeb       = "stage03_web"
	StageMerge     = "stage03_merge"
	StageCollect   = "stage03_collect"
	StageScore     = "stage04_score"
	StageTopK      = "stage05_topk"
	StageSupport   = "stage06_support"
	StageSkeptic   = "stage07_skeptic"
	StageAggregate = "stage08_aggregate"
	StageJudge     = "stage09_judge"
)

// StageOrder is the canonical execution order of the pipeline stages.
var StageOrder = []string{
	StageNormalize, StageQuerygen,
	StageWiki, StageWeb, StageMerge,
	StageScore, StageTopK,
	StageSupport, StageSkeptic,
	StageAggregate, StageJudge,
}

// StageIndex returns the position of a stage in StageOrder, or -1.
func StageIndex(stage string) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Risk flags attached to verdicts and responses.
const (
	RiskLowEvidence       = "LOW_EVIDENCE"
	RiskQualityGateFailed = "QUALITY_GATE_FAILED"
	RiskPrefetchFailed    = "PREFETCH_FAILED"
	RiskJSONParseFallback = "JSON_PARSE_FALLBACK"
	RiskPersistenceFailed = "PERSISTENCE_FAILED"
)

// QueryType classifies a generated search query variant.
type QueryType string

// Query types.
const (
	QueryTypeWiki         QueryType = "wiki"
	QueryTypeNews         QueryType = "news"
	QueryTypeWeb          QueryType = "web"
	QueryTypeVerification QueryType = "verification"
	QueryTypeDirect       QueryType = "direct"
)

// QueryMeta carries per-variant metadata produced by the query generator.
type QueryMeta struct {
	ClaimID       string   `json:"claim_id"`
	Intent        string   `json:"intent,omitempty"`
	Mode          string   `json:"mode,omitempty"`
	Stance        Stance   `json:"stance,omitempty"`
	QueryStrategy string   `json:"query_strategy,omitempty"`
	KeywordTokens []string `json:"keyword_tokens,omitempty"`
	AnchorTokens  []string `json:"anchor_tokens,omitempty"`
	QualityFlags  []string `json:"quality_flags,omitempty"`
}

// QueryVariant is one generated search query.
type QueryVariant struct {
	Type       QueryType `json:"type"`
	Text       string    `json:"text"`
	SearchMode string    `json:"search_mode,omitempty"`
	Meta       QueryMeta `json:"meta"`
}

// StageLog is one entry in the ordered per-stage log.
type StageLog struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	LatencyMS int64     `json:"latency_ms"`
	At        time.Time `json:"at"`
}

// PipelineState is the single mutable state that flows through the nine
// stages. Stages write additively: each stage owns a disjoint set of fields
// and appends to StageLogs / merges into StageOutputs.
//
// TraceID is set once at construction and never mutated.
// CheckpointThreadID is the caller-supplied thread (when not expired) or
// TraceID as fallback.
type PipelineState struct {
	TraceID            uuid.UUID `json:"trace_id"`
	CheckpointThreadID string    `json:"checkpoint_thread_id,omitempty"`

	// Request inputs.
	InputType     InputType  `json:"input_type"`
	InputPayload  string     `json:"input_payload"`
	Language      string     `json:"language,omitempty"`
	AsOf          *time.Time `json:"as_of,omitempty"`
	NormalizeMode string     `json:"normalize_mode,omitempty"`

	// S1 normalize outputs.
	ClaimText            string            `json:"claim_text,omitempty"`
	OriginalIntent       string            `json:"original_intent,omitempty"` // verification | exploration
	ClaimMode            ClaimMode         `json:"claim_mode,omitempty"`
	VerificationPriority string            `json:"verification_priority,omitempty"`
	EntityMap            map[string]string `json:"entity_map,omitempty"`
	RiskMarkers          []string          `json:"risk_markers,omitempty"`
	CanonicalEvidence    []string          `json:"canonical_evidence,omitempty"`

	// S2 querygen outputs.
	QueryVariants []QueryVariant `json:"query_variants,omitempty"`

	// S3 collect outputs. EvidenceCandidates is transient: S4 clears it
	// after scoring.
	EvidenceCandidates []EvidenceCandidate `json:"evidence_candidates,omitempty"`
	MergeStats         *MergeStats         `json:"stage03_merge_stats,omitempty"`

	// S4 score outputs.
	ScoredEvidence   []ScoredEvidence  `json:"scored_evidence,omitempty"`
	ScoreDiagnostics *ScoreDiagnostics `json:"score_diagnostics,omitempty"`

	// S5 topK outputs.
	EvidenceTopK        []ScoredEvidence `json:"evidence_topk,omitempty"`
	EvidenceTopKSupport []ScoredEvidence `json:"evidence_topk_support,omitempty"`
	EvidenceTopKSkeptic []ScoredEvidence `json:"evidence_topk_skeptic,omitempty"`

	// S6/S7 outputs. The two stages never write to shared keys.
	VerdictSupport *DraftVerdict `json:"verdict_support,omitempty"`
	VerdictSkeptic *DraftVerdict `json:"verdict_skeptic,omitempty"`

	// S8 aggregate outputs.
	DraftVerdict  *DraftVerdict    `json:"draft_verdict,omitempty"`
	QualityScore  float64          `json:"quality_score,omitempty"`
	SupportPack   *PerspectivePack `json:"support_pack,omitempty"`
	SkepticPack   *PerspectivePack `json:"skeptic_pack,omitempty"`
	EvidenceIndex map[string]int   `json:"evidence_index,omitempty"`

	// S9 judge output.
	FinalVerdict *FinalVerdict `json:"final_verdict,omitempty"`

	// Shared accumulators.
	RiskFlags        []string       `json:"risk_flags,omitempty"`
	StageLogs        []StageLog     `json:"stage_logs,omitempty"`
	StageOutputs     map[string]any `json:"stage_outputs,omitempty"`
	StageFullOutputs map[string]any `json:"stage_full_outputs,omitempty"`
}

// NewPipelineState constructs a fresh state with a new trace ID.
func NewPipelineState(inputType InputType, payload string) *PipelineState {
	return &PipelineState{
		TraceID:          uuid.New(),
		InputType:        inputType,
		InputPayload:     payload,
		StageOutputs:     map[string]any{},
		StageFullOutputs: map[string]any{},
	}
}

// AppendLog records a stage log entry.
func (s *PipelineState) AppendLog(stage, message string, latency time.Duration) {
	s.StageLogs = append(s.StageLogs, StageLog{
		Stage:     stage,
		Message:   message,
		LatencyMS: latency.Milliseconds(),
		At:        time.Now().UTC(),
	})
}

// SetStageOutput records the abbreviated and full outputs for a stage.
func (s *PipelineState) SetStageOutput(stage string, summary, full any) {
	if s.StageOutputs == nil {
		s.StageOutputs = map[string]any{}
	}
	if s.StageFullOutputs == nil {
		s.StageFullOutputs = map[string]any{}
	}
	s.StageOutputs[stage] = summary
	if full != nil {
		s.StageFullOutputs[stage] = full
	}
}

// AddRiskFlag appends a risk flag if not already present.
func (s *PipelineState) AddRiskFlag(flag string) {
	for _, f := range s.RiskFlags {
		if f == flag {
			return
		}
	}
	s.RiskFlags = append(s.RiskFlags, flag)
}

// HasRiskFlag reports whether the flag has been recorded.
func (s *PipelineState) HasRiskFlag(flag string) bool {
	for _, f := range s.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// MergeStats summarizes the S3 merge sub-stage.
type MergeStats struct {
	HTMLEnrichedCount  int            `json:"html_enriched_count"`
	HTMLFetchFailCount int            `json:"html_fetch_fail_count"`
	TierDistribution   map[string]int `json:"tier_distribution"`
}

// ScoreDiagnostics summarizes scoring anomalies for observability.
type ScoreDiagnostics struct {
	HighScoreLowOverlapCount int     `json:"high_score_low_overlap_count"`
	OverlapCapAppliedCount   int     `json:"overlap_cap_applied_count"`
	MeanScore                float64 `json:"mean_score"`
	MaxScore                 float64 `json:"max_score"`
}

// PerspectivePack bundles one perspective's inputs and output for S9 and
// for callers that request full outputs.
type PerspectivePack struct {
	PoolType         string        `json:"input_pool_type"` // specialized | general
	EvidenceCount    int           `json:"total_evidence_count"`
	PoolAvgTrust     float64       `json:"input_pool_avg_trust"`
	Verdict          *DraftVerdict `json:"verdict,omitempty"`
	DroppedCitations int           `json:"dropped_citations,omitempty"`
}

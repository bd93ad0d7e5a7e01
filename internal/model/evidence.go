package model

import "time"

// SourceType classifies the provenance of an evidence item.
type SourceType string

// Evidence source types.
const (
	SourceWiki   SourceType = "WIKI"
	SourceNews   SourceType = "NEWS"
	SourceWebURL SourceType = "WEB_URL"
	SourceKBDoc  SourceType = "KB_DOC"
)

// EvidenceMetadata carries the routing and credibility signals attached to a
// candidate during collection and merge.
type EvidenceMetadata struct {
	Intent           string     `json:"intent,omitempty"`
	Stance           Stance     `json:"stance,omitempty"`
	ClaimID          string     `json:"claim_id,omitempty"`
	Mode             string     `json:"mode,omitempty"`
	Provider         string     `json:"provider,omitempty"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
	CredibilityScore float64    `json:"credibility_score,omitempty"`
	SourceTier       string     `json:"source_tier,omitempty"`
	SourceTrustScore float64    `json:"source_trust_score,omitempty"`
	HTMLSignalScore  float64    `json:"html_signal_score,omitempty"`
}

// EvidenceCandidate is a retrieved document or chunk before scoring.
type EvidenceCandidate struct {
	SourceType SourceType       `json:"source_type"`
	Title      string           `json:"title"`
	URL        string           `json:"url"`
	Content    string           `json:"content"`
	Snippet    string           `json:"snippet,omitempty"`
	Metadata   EvidenceMetadata `json:"metadata"`
}

// ScoreBreakdown records every term that contributed to an evidence score.
type ScoreBreakdown struct {
	Overlap           float64 `json:"overlap"`
	Prior             float64 `json:"prior"`
	Trust             float64 `json:"trust"`
	HTML              float64 `json:"html"`
	IntentBonus       float64 `json:"intent_bonus"`
	Stance            float64 `json:"stance"`
	OverlapCapApplied bool    `json:"overlap_cap_applied"`
}

// ScoredEvidence is an EvidenceCandidate with its fused score.
// EvidID uniquely identifies the item within a pipeline run; every emitted
// citation must resolve to a ScoredEvidence in the top-K pool by EvidID.
type ScoredEvidence struct {
	EvidenceCandidate

	EvidID    string         `json:"evid_id"`
	Score     float64        `json:"score"`
	Breakdown ScoreBreakdown `json:"score_breakdown"`
}

// Citation is an evidence reference emitted to the caller.
type Citation struct {
	SourceType SourceType `json:"source_type"`
	Title      string     `json:"title"`
	URL        string     `json:"url"`
	Quote      string     `json:"quote"`
	Relevance  float64    `json:"relevance"`
	EvidID     string     `json:"evid_id"`
}

// DraftVerdict is a single-perspective evaluation before aggregation.
type DraftVerdict struct {
	Stance           Label      `json:"stance"`
	Confidence       float64    `json:"confidence"`
	ReasoningBullets []string   `json:"reasoning_bullets"`
	Citations        []Citation `json:"citations"`
	WeakPoints       []string   `json:"weak_points,omitempty"`
	FollowupQueries  []string   `json:"followup_queries,omitempty"`
}

// FinalVerdict is the user-facing verdict envelope produced by the judge
// stage, including the quality-gate metadata.
type FinalVerdict struct {
	Label           Label      `json:"label"`
	Confidence      float64    `json:"confidence"`
	Summary         string     `json:"summary"`
	Rationale       []string   `json:"rationale"`
	Citations       []Citation `json:"citations"`
	CounterEvidence []Citation `json:"counter_evidence"`
	Limitations     []string   `json:"limitations"`
	RiskFlags       []string   `json:"risk_flags"`
	QualityScore    float64    `json:"quality_score"`
	QualityGate     bool       `json:"quality_gate_passed"`
	JudgeRetrieval  []Citation `json:"judge_retrieval,omitempty"`
}

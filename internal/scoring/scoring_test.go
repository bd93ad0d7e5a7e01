package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-lab/veritas/internal/model"
)

func TestScoreFormula(t *testing.T) {
	e := NewEngine(DefaultConfig())

	cands := []model.EvidenceCandidate{
		{
			SourceType: model.SourceWebURL,
			Title:      "서울 지하철",
			Content:    "서울 지하철 요금 인상 검토",
			Metadata:   model.EvidenceMetadata{CredibilityScore: 0.6},
		},
	}
	scored, diag := e.Score("서울 지하철 파업", model.ClaimModeFact, cands)
	require.Len(t, scored, 1)

	// overlap 2/3, prior 1.0, trust weight 0.25.
	want := 2.0/3.0 + 0.25*0.6
	assert.InDelta(t, want, scored[0].Score, 1e-9)
	assert.InDelta(t, 2.0/3.0, scored[0].Breakdown.Overlap, 1e-9)
	assert.InDelta(t, 1.0, scored[0].Breakdown.Prior, 1e-9)
	assert.False(t, scored[0].Breakdown.OverlapCapApplied)
	assert.Equal(t, "E001", scored[0].EvidID)
	assert.InDelta(t, want, diag.MaxScore, 1e-9)
	assert.InDelta(t, want, diag.MeanScore, 1e-9)
}

func TestScorePriorsAndIntentBonus(t *testing.T) {
	e := NewEngine(DefaultConfig())

	cands := []model.EvidenceCandidate{
		{
			SourceType: model.SourceNews,
			Content:    "서울 지하철 파업",
			Metadata:   model.EvidenceMetadata{CredibilityScore: 0.8, Intent: model.IntentFactCheck},
		},
		{
			SourceType: model.SourceWiki,
			Content:    "서울 지하철 파업",
			Metadata:   model.EvidenceMetadata{CredibilityScore: 0.8},
		},
	}
	scored, _ := e.Score("서울 지하철 파업", model.ClaimModeFact, cands)
	require.Len(t, scored, 2)

	// Full overlap with the news prior and fact-check bonus clamps to 1.
	assert.InDelta(t, 1.0, scored[0].Score, 1e-9)
	assert.InDelta(t, 0.08, scored[0].Breakdown.IntentBonus, 1e-9)

	// Wiki prior 1.05, no bonus: 1.05 + 0.2 clamps to 1 as well.
	assert.InDelta(t, 1.0, scored[1].Score, 1e-9)
	assert.InDelta(t, 1.05, scored[1].Breakdown.Prior, 1e-9)
}

func TestScoreOverlapCap(t *testing.T) {
	// Heavier trust weight so an off-topic but credible source would
	// otherwise outrank the threshold.
	e := NewEngine(Config{LowOverlapThreshold: 0.5, RumorThreshold: 0.6, TrustWeight: 0.9})

	cands := []model.EvidenceCandidate{
		{
			SourceType: model.SourceWebURL,
			Content:    "전혀 무관한 내용",
			Metadata:   model.EvidenceMetadata{CredibilityScore: 0.95, Intent: model.IntentFactCheck},
		},
	}
	scored, diag := e.Score("서울 지하철 파업", model.ClaimModeRumor, cands)
	require.Len(t, scored, 1)

	// raw = 0 + 0.9*0.95 + 0.08 = 0.935, capped at the rumor threshold.
	assert.InDelta(t, 0.6, scored[0].Score, 1e-9)
	assert.True(t, scored[0].Breakdown.OverlapCapApplied)
	assert.Equal(t, 1, diag.OverlapCapAppliedCount)
	assert.Equal(t, 1, diag.HighScoreLowOverlapCount)
}

func TestScoreSortStableDescending(t *testing.T) {
	e := NewEngine(DefaultConfig())

	cands := []model.EvidenceCandidate{
		{SourceType: model.SourceWebURL, Content: "무관", Metadata: model.EvidenceMetadata{CredibilityScore: 0.2}},
		{SourceType: model.SourceWebURL, Content: "서울 지하철 파업", Metadata: model.EvidenceMetadata{CredibilityScore: 0.9}},
		{SourceType: model.SourceWebURL, Content: "무관", Metadata: model.EvidenceMetadata{CredibilityScore: 0.2}},
	}
	scored, _ := e.Score("서울 지하철 파업", model.ClaimModeFact, cands)
	require.Len(t, scored, 3)

	// Highest first; ties keep input order, and IDs follow input position.
	assert.Equal(t, "E002", scored[0].EvidID)
	assert.Equal(t, "E001", scored[1].EvidID)
	assert.Equal(t, "E003", scored[2].EvidID)
	assert.GreaterOrEqual(t, scored[0].Score, scored[1].Score)
	assert.Equal(t, scored[1].Score, scored[2].Score)
}

func TestScoreSnippetFallback(t *testing.T) {
	e := NewEngine(DefaultConfig())

	cands := []model.EvidenceCandidate{
		{SourceType: model.SourceWebURL, Snippet: "서울 지하철 파업 임박"},
	}
	scored, _ := e.Score("서울 지하철 파업", model.ClaimModeFact, cands)
	require.Len(t, scored, 1)
	assert.InDelta(t, 1.0, scored[0].Breakdown.Overlap, 1e-9)
}

func TestScoreEmptyInput(t *testing.T) {
	e := NewEngine(DefaultConfig())
	scored, diag := e.Score("서울 지하철 파업", model.ClaimModeFact, nil)
	assert.Empty(t, scored)
	assert.Zero(t, diag.MeanScore)
	assert.Zero(t, diag.MaxScore)
}

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(Config{})
	assert.InDelta(t, 0.4, e.cfg.LowOverlapThreshold, 1e-9)
	assert.InDelta(t, 0.78, e.cfg.RumorThreshold, 1e-9)
	assert.InDelta(t, 0.25, e.cfg.TrustWeight, 1e-9)
}

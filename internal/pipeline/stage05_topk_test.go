package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-lab/veritas/internal/config"
	"github.com/veritas-lab/veritas/internal/model"
)

func topkPipeline(topK int) *Pipeline {
	return &Pipeline{cfg: config.Config{
		Stage5Threshold:      0.70,
		Stage5ThresholdRumor: 0.78,
		Stage5TopK:           topK,
	}}
}

func scoredEv(id string, score, cred float64, stance model.Stance) model.ScoredEvidence {
	return model.ScoredEvidence{
		EvidenceCandidate: model.EvidenceCandidate{
			Metadata: model.EvidenceMetadata{CredibilityScore: cred, Stance: stance},
		},
		EvidID: id,
		Score:  score,
	}
}

func TestStageTopKThresholdAndCap(t *testing.T) {
	p := topkPipeline(2)
	st := model.NewPipelineState(model.InputTypeText, "c")
	st.ScoredEvidence = []model.ScoredEvidence{
		scoredEv("E001", 0.90, 0.9, model.StanceSupport),
		scoredEv("E002", 0.80, 0.9, model.StanceSkeptic),
		scoredEv("E003", 0.75, 0.9, model.StanceSupport),
	}

	require.NoError(t, p.stageTopK(context.Background(), st, nil))
	require.Len(t, st.EvidenceTopK, 2)
	assert.Equal(t, "E001", st.EvidenceTopK[0].EvidID)
	assert.Equal(t, "E002", st.EvidenceTopK[1].EvidID)
	assert.False(t, st.HasRiskFlag(model.RiskLowEvidence))
}

func TestStageTopKRumorThreshold(t *testing.T) {
	p := topkPipeline(6)
	st := model.NewPipelineState(model.InputTypeText, "c")
	st.ClaimMode = model.ClaimModeRumor
	st.ScoredEvidence = []model.ScoredEvidence{
		scoredEv("E001", 0.80, 0.9, model.StanceSupport),
		scoredEv("E002", 0.75, 0.9, model.StanceSupport),
	}

	require.NoError(t, p.stageTopK(context.Background(), st, nil))
	require.Len(t, st.EvidenceTopK, 1)
	assert.Equal(t, "E001", st.EvidenceTopK[0].EvidID)
}

func TestStageTopKPools(t *testing.T) {
	p := topkPipeline(6)
	st := model.NewPipelineState(model.InputTypeText, "c")
	st.ScoredEvidence = []model.ScoredEvidence{
		scoredEv("E001", 0.90, 0.9, model.StanceSupport),
		scoredEv("E002", 0.88, 0.9, model.StanceSkeptic),
		scoredEv("E003", 0.85, 0.9, model.StanceNeutral),
		scoredEv("E004", 0.80, 0.5, model.StanceSupport), // below the pool floor
	}

	require.NoError(t, p.stageTopK(context.Background(), st, nil))
	require.Len(t, st.EvidenceTopK, 4)

	// Neutral evidence lands in both pools; low-credibility stays in
	// top-K but enters neither.
	supportIDs := evidIDs(st.EvidenceTopKSupport)
	skepticIDs := evidIDs(st.EvidenceTopKSkeptic)
	assert.Equal(t, []string{"E001", "E003"}, supportIDs)
	assert.Equal(t, []string{"E002", "E003"}, skepticIDs)
}

func TestStageTopKEmptyRaisesLowEvidence(t *testing.T) {
	p := topkPipeline(6)
	st := model.NewPipelineState(model.InputTypeText, "c")
	st.ScoredEvidence = []model.ScoredEvidence{
		scoredEv("E001", 0.10, 0.9, model.StanceSupport),
	}

	require.NoError(t, p.stageTopK(context.Background(), st, nil))
	assert.Empty(t, st.EvidenceTopK)
	assert.True(t, st.HasRiskFlag(model.RiskLowEvidence))
}

func evidIDs(evs []model.ScoredEvidence) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.EvidID)
	}
	return out
}

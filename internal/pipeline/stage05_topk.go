package pipeline

import (
	"context"
	"time"

	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
)

// poolCredibilityFloor gates entry into the specialized stance pools.
const poolCredibilityFloor = 0.7

// stageTopK filters scored evidence by threshold, takes the top-K, and
// partitions it into support and skeptic pools. An empty top-K raises the
// LOW_EVIDENCE flag.
func (p *Pipeline) stageTopK(ctx context.Context, st *model.PipelineState, _ *llm.Usage) error {
	started := time.Now()

	threshold := p.cfg.Stage5Threshold
	if st.ClaimMode == model.ClaimModeRumor {
		threshold = p.cfg.Stage5ThresholdRumor
	}

	var topK []model.ScoredEvidence
	for _, ev := range st.ScoredEvidence {
		if ev.Score >= threshold {
			topK = append(topK, ev)
		}
		if len(topK) == p.cfg.Stage5TopK {
			break
		}
	}
	st.EvidenceTopK = topK

	var support, skeptic []model.ScoredEvidence
	for _, ev := range topK {
		if ev.Metadata.CredibilityScore < poolCredibilityFloor {
			continue
		}
		switch ev.Metadata.Stance {
		case model.StanceSupport:
			support = append(support, ev)
		case model.StanceSkeptic:
			skeptic = append(skeptic, ev)
		default:
			support = append(support, ev)
			skeptic = append(skeptic, ev)
		}
	}
	st.EvidenceTopKSupport = support
	st.EvidenceTopKSkeptic = skeptic

	if len(topK) == 0 {
		st.AddRiskFlag(model.RiskLowEvidence)
	}

	st.AppendLog(model.StageTopK, "selected top-k evidence", time.Since(started))
	st.SetStageOutput(model.StageTopK, map[string]any{
		"topk_count":    len(topK),
		"support_count": len(support),
		"skeptic_count": len(skeptic),
	}, topK)
	return ctx.Err()
}

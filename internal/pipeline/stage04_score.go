package pipeline

import (
	"context"
	"time"

	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
)

// stageScore runs the scoring engine over the collected candidates and
// clears the transient candidate list.
func (p *Pipeline) stageScore(ctx context.Context, st *model.PipelineState, _ *llm.Usage) error {
	started := time.Now()

	scored, diag := p.scorer.Score(st.ClaimText, st.ClaimMode, st.EvidenceCandidates)
	st.ScoredEvidence = scored
	st.ScoreDiagnostics = &diag
	st.EvidenceCandidates = nil

	st.AppendLog(model.StageScore, "scored evidence", time.Since(started))
	st.SetStageOutput(model.StageScore, map[string]any{
		"scored_count":      len(scored),
		"score_diagnostics": diag,
	}, scored)
	return ctx.Err()
}

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
)

const judgeSystemPrompt = `You write the final user-facing summary of a fact-check.
Given the verdict, confidence, and reasoning, write 2-3 sentences in the
claim's language stating the verdict and the strongest evidence for it.
Respond with plain text only.`

const qualityGateDisclaimer = "증거 품질이 기준에 미달하여 확정적인 판정을 내릴 수 없습니다."

// stageJudge applies the quality gate and produces the final verdict. Below
// the cutoff, any upstream stance is overridden to UNVERIFIED with zero
// confidence. The summary comes from the judge model when one is
// configured; a deterministic summary is the floor.
func (p *Pipeline) stageJudge(ctx context.Context, st *model.PipelineState, usage *llm.Usage) error {
	started := time.Now()

	draft := st.DraftVerdict
	if draft == nil {
		draft = &model.DraftVerdict{Stance: model.LabelUnverified, Citations: []model.Citation{}}
	}

	final := &model.FinalVerdict{
		Label:           draft.Stance,
		Confidence:      draft.Confidence,
		Rationale:       draft.ReasoningBullets,
		Citations:       supportCitations(st, draft),
		CounterEvidence: skepticCitations(st),
		Limitations:     draft.WeakPoints,
		QualityScore:    st.QualityScore,
		QualityGate:     st.QualityScore >= p.cfg.Stage9QualityCutoff,
	}
	if final.Rationale == nil {
		final.Rationale = []string{}
	}
	if final.Citations == nil {
		final.Citations = []model.Citation{}
	}
	if final.CounterEvidence == nil {
		final.CounterEvidence = []model.Citation{}
	}
	if final.Limitations == nil {
		final.Limitations = []string{}
	}

	// A stance argued only from citations that resolve nowhere in the
	// top-K index is not trustworthy.
	if len(draft.Citations) > 0 && len(final.Citations) == 0 {
		final.Label = model.LabelUnverified
		final.Confidence = 0
	}

	if !final.QualityGate {
		final.Label = model.LabelUnverified
		final.Confidence = 0
		final.Rationale = append([]string{qualityGateDisclaimer}, final.Rationale...)
		st.AddRiskFlag(model.RiskQualityGateFailed)
	}

	final.Summary = p.writeSummary(ctx, st, final, usage)
	final.RiskFlags = st.RiskFlags
	final.JudgeRetrieval = final.Citations

	st.FinalVerdict = final

	st.AppendLog(model.StageJudge, "final verdict issued", time.Since(started))
	st.SetStageOutput(model.StageJudge, map[string]any{
		"label":         final.Label,
		"confidence":    final.Confidence,
		"quality_score": final.QualityScore,
	}, final)
	return ctx.Err()
}

// writeSummary asks the judge model for a user-facing summary when one is
// configured and the gate passed; otherwise it synthesizes the
// deterministic floor.
func (p *Pipeline) writeSummary(ctx context.Context, st *model.PipelineState, final *model.FinalVerdict, usage *llm.Usage) string {
	if p.judge != nil && final.QualityGate {
		user := fmt.Sprintf("Claim: %s\nVerdict: %s (confidence %.2f)\nReasoning:\n", st.ClaimText, final.Label, final.Confidence)
		for _, r := range final.Rationale {
			user += "- " + r + "\n"
		}
		llmCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
		defer cancel()
		if summary, err := p.judge.Call(llmCtx, judgeSystemPrompt, user, 400, 0.3, usage); err == nil && summary != "" {
			return summary
		} else if err != nil {
			p.logger.Warn("judge summary call failed, using deterministic summary", "trace_id", st.TraceID, "error", err)
		}
	}
	return deterministicSummary(st.ClaimText, final)
}

// deterministicSummary is the model-free summary floor.
func deterministicSummary(claimText string, final *model.FinalVerdict) string {
	var verdict string
	switch final.Label {
	case model.LabelTrue:
		verdict = "사실로 판정되었습니다"
	case model.LabelFalse:
		verdict = "사실이 아닌 것으로 판정되었습니다"
	case model.LabelMixed:
		verdict = "일부만 사실인 것으로 판정되었습니다"
	case model.LabelRefused:
		verdict = "검증이 거부되었습니다"
	default:
		verdict = "현재 증거로는 확인되지 않았습니다"
	}
	return fmt.Sprintf("주장 \"%s\"은(는) %s (신뢰도 %.0f%%, 인용 %d건).",
		truncateRunes(claimText, 80), verdict, final.Confidence*100, len(final.Citations))
}

// supportCitations keeps only citations that resolve in the top-K index.
func supportCitations(st *model.PipelineState, draft *model.DraftVerdict) []model.Citation {
	out := make([]model.Citation, 0, len(draft.Citations))
	for _, c := range draft.Citations {
		if _, ok := st.EvidenceIndex[c.EvidID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// skepticCitations surfaces the skeptic perspective's citations as counter
// evidence when the perspectives disagreed.
func skepticCitations(st *model.PipelineState) []model.Citation {
	if st.VerdictSkeptic == nil || st.VerdictSupport == nil {
		return nil
	}
	if st.VerdictSkeptic.Stance == st.VerdictSupport.Stance {
		return nil
	}
	return st.VerdictSkeptic.Citations
}

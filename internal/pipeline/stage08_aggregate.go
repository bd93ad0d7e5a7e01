package pipeline

import (
	"context"
	"time"

	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
)

// stageAggregate merges the support and skeptic drafts under the precedence
// rules and computes the quality score that gates the final verdict.
func (p *Pipeline) stageAggregate(ctx context.Context, st *model.PipelineState, _ *llm.Usage) error {
	started := time.Now()

	sup := st.VerdictSupport
	ske := st.VerdictSkeptic
	if sup == nil {
		sup = &model.DraftVerdict{Stance: model.LabelUnverified, Citations: []model.Citation{}}
	}
	if ske == nil {
		ske = &model.DraftVerdict{Stance: model.LabelUnverified, Citations: []model.Citation{}}
	}

	draft := mergeDrafts(sup, ske)
	st.DraftVerdict = draft
	st.QualityScore = qualityScore(draft, sup, ske, st.EvidenceTopK)

	st.EvidenceIndex = make(map[string]int, len(st.EvidenceTopK))
	for i, ev := range st.EvidenceTopK {
		st.EvidenceIndex[ev.EvidID] = i
	}

	st.AppendLog(model.StageAggregate, "aggregated perspectives", time.Since(started))
	st.SetStageOutput(model.StageAggregate, map[string]any{
		"stance":        draft.Stance,
		"confidence":    draft.Confidence,
		"quality_score": st.QualityScore,
	}, draft)
	return ctx.Err()
}

// mergeDrafts resolves the two perspectives:
//   - agreement keeps the stance with the mean confidence;
//   - disagreement (neither UNVERIFIED) yields MIXED with confidence
//     |c_s − c_k|, lower meaning more conflict;
//   - one UNVERIFIED side defers to the other at 0.7× confidence.
func mergeDrafts(sup, ske *model.DraftVerdict) *model.DraftVerdict {
	merged := &model.DraftVerdict{
		ReasoningBullets: dedupStrings(append(append([]string{}, sup.ReasoningBullets...), ske.ReasoningBullets...)),
		Citations:        mergeCitations(sup.Citations, ske.Citations),
		WeakPoints:       dedupStrings(append(append([]string{}, sup.WeakPoints...), ske.WeakPoints...)),
		FollowupQueries:  dedupStrings(append(append([]string{}, sup.FollowupQueries...), ske.FollowupQueries...)),
	}

	switch {
	case sup.Stance == ske.Stance:
		merged.Stance = sup.Stance
		merged.Confidence = (sup.Confidence + ske.Confidence) / 2
	case sup.Stance == model.LabelUnverified:
		merged.Stance = ske.Stance
		merged.Confidence = ske.Confidence * 0.7
	case ske.Stance == model.LabelUnverified:
		merged.Stance = sup.Stance
		merged.Confidence = sup.Confidence * 0.7
	default:
		merged.Stance = model.LabelMixed
		merged.Confidence = abs(sup.Confidence - ske.Confidence)
	}
	return merged
}

// qualityScore composes a [0,100] gate value from citation volume, evidence
// credibility, stance agreement, and source-tier diversity.
func qualityScore(draft, sup, ske *model.DraftVerdict, topK []model.ScoredEvidence) float64 {
	citations := len(draft.Citations)
	if citations > 6 {
		citations = 6
	}
	citationTerm := float64(citations) / 6 * 40

	credibilityTerm := avgTrust(topK) * 30

	agreementTerm := 0.0
	if sup.Stance == ske.Stance && sup.Stance != model.LabelUnverified {
		agreementTerm = 20
	}

	tiers := make(map[string]bool)
	for _, ev := range topK {
		tiers[ev.Metadata.SourceTier] = true
	}
	diversityTerm := 0.0
	if len(topK) > 0 {
		diversityTerm = float64(len(tiers)) / float64(len(topK)) * 10
	}

	score := citationTerm + credibilityTerm + agreementTerm + diversityTerm
	if score > 100 {
		score = 100
	}
	return score
}

func mergeCitations(a, b []model.Citation) []model.Citation {
	out := make([]model.Citation, 0, len(a)+len(b))
	seen := make(map[string]bool)
	for _, c := range append(append([]model.Citation{}, a...), b...) {
		key := c.EvidID + "\x00" + c.Quote
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func dedupStrings(ss []string) []string {
	out := make([]string, 0, len(ss))
	seen := make(map[string]bool)
	for _, s := range ss {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

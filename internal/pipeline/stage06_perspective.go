package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/retrieval"
)

// snippetLimit bounds per-evidence text in evaluator prompts.
const snippetLimit = 500

// quoteOverlapFloor accepts a citation quote that is not a verbatim
// substring when its token overlap with the evidence reaches this level.
const quoteOverlapFloor = 0.8

const supportSystemPrompt = `You evaluate whether the evidence SUPPORTS the claim.
Argue the strongest honest case that the claim is true, grounded only in the
provided evidence. Respond with JSON only:
{"stance": "TRUE"|"FALSE"|"MIXED"|"UNVERIFIED", "confidence": number,
 "reasoning_bullets": [string], "citations": [{"evid_id": string, "quote": string, "relevance": number}],
 "weak_points": [string], "followup_queries": [string]}`

const skepticSystemPrompt = `You evaluate whether the evidence REFUTES or undermines the claim.
Argue the strongest honest skeptical case, grounded only in the provided
evidence. Respond with JSON only:
{"stance": "TRUE"|"FALSE"|"MIXED"|"UNVERIFIED", "confidence": number,
 "reasoning_bullets": [string], "citations": [{"evid_id": string, "quote": string, "relevance": number}],
 "weak_points": [string], "followup_queries": [string]}`

type evaluatorResult struct {
	Stance           string   `json:"stance"`
	Confidence       float64  `json:"confidence"`
	ReasoningBullets []string `json:"reasoning_bullets"`
	Citations        []struct {
		EvidID    string  `json:"evid_id"`
		Quote     string  `json:"quote"`
		Relevance float64 `json:"relevance"`
	} `json:"citations"`
	WeakPoints      []string `json:"weak_points"`
	FollowupQueries []string `json:"followup_queries"`
}

// stageSupport runs the supportive perspective evaluation.
func (p *Pipeline) stageSupport(ctx context.Context, st *model.PipelineState, usage *llm.Usage) error {
	started := time.Now()
	verdict, pack := p.runPerspective(ctx, st, st.EvidenceTopKSupport, supportSystemPrompt, usage)
	st.VerdictSupport = verdict
	st.SupportPack = pack
	st.AppendLog(model.StageSupport, "support perspective evaluated", time.Since(started))
	st.SetStageOutput(model.StageSupport, map[string]any{
		"stance":     verdict.Stance,
		"confidence": verdict.Confidence,
		"citations":  len(verdict.Citations),
	}, verdict)
	return ctx.Err()
}

// stageSkeptic runs the skeptical perspective evaluation.
func (p *Pipeline) stageSkeptic(ctx context.Context, st *model.PipelineState, usage *llm.Usage) error {
	started := time.Now()
	verdict, pack := p.runPerspective(ctx, st, st.EvidenceTopKSkeptic, skepticSystemPrompt, usage)
	st.VerdictSkeptic = verdict
	st.SkepticPack = pack
	st.AppendLog(model.StageSkeptic, "skeptic perspective evaluated", time.Since(started))
	st.SetStageOutput(model.StageSkeptic, map[string]any{
		"stance":     verdict.Stance,
		"confidence": verdict.Confidence,
		"citations":  len(verdict.Citations),
	}, verdict)
	return ctx.Err()
}

// runPerspective evaluates one stance over its specialized pool, falling
// back to the general top-K when the pool is empty. Citations whose quotes
// cannot be validated against the cited evidence are dropped; a verdict
// with no surviving citations is forced to UNVERIFIED.
func (p *Pipeline) runPerspective(ctx context.Context, st *model.PipelineState, pool []model.ScoredEvidence, systemPrompt string, usage *llm.Usage) (*model.DraftVerdict, *model.PerspectivePack) {
	poolType := "specialized"
	if len(pool) == 0 {
		pool = st.EvidenceTopK
		poolType = "general"
	}

	pack := &model.PerspectivePack{
		PoolType:      poolType,
		EvidenceCount: len(pool),
		PoolAvgTrust:  avgTrust(pool),
	}

	if len(pool) == 0 {
		return &model.DraftVerdict{
			Stance:           model.LabelUnverified,
			Confidence:       0,
			ReasoningBullets: []string{"평가할 증거가 없습니다."},
			Citations:        []model.Citation{},
		}, pack
	}

	llmCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()

	var res evaluatorResult
	err := p.evaluator.CallJSON(llmCtx, systemPrompt, buildEvidencePrompt(st.ClaimText, pool), 1200, 0.1, usage, &res)
	if err != nil {
		p.logger.Warn("perspective evaluation failed", "trace_id", st.TraceID, "error", err)
		if isParseError(err) {
			st.AddRiskFlag(model.RiskJSONParseFallback)
		}
		return &model.DraftVerdict{
			Stance:           model.LabelUnverified,
			Confidence:       0,
			ReasoningBullets: []string{"평가 모델 호출에 실패했습니다."},
			Citations:        []model.Citation{},
		}, pack
	}

	verdict := &model.DraftVerdict{
		Stance:           normalizeStance(res.Stance),
		Confidence:       clamp01(res.Confidence),
		ReasoningBullets: res.ReasoningBullets,
		Citations:        []model.Citation{},
		WeakPoints:       res.WeakPoints,
		FollowupQueries:  res.FollowupQueries,
	}

	byID := make(map[string]model.ScoredEvidence, len(pool))
	for _, ev := range pool {
		byID[ev.EvidID] = ev
	}
	dropped := 0
	for _, c := range res.Citations {
		ev, ok := byID[c.EvidID]
		if !ok || !quoteValid(c.Quote, ev) {
			dropped++
			continue
		}
		verdict.Citations = append(verdict.Citations, model.Citation{
			SourceType: ev.SourceType,
			Title:      ev.Title,
			URL:        ev.URL,
			Quote:      c.Quote,
			Relevance:  clamp01(c.Relevance),
			EvidID:     c.EvidID,
		})
	}
	pack.DroppedCitations = dropped

	if len(verdict.Citations) == 0 {
		verdict.Stance = model.LabelUnverified
		verdict.Confidence = 0
	}
	pack.Verdict = verdict
	return verdict, pack
}

// buildEvidencePrompt renders the claim and the evidence pool with stable
// evid_id tags the model must cite.
func buildEvidencePrompt(claimText string, pool []model.ScoredEvidence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Claim: %s\n\nEvidence:\n", claimText)
	for _, ev := range pool {
		text := ev.Content
		if text == "" {
			text = ev.Snippet
		}
		fmt.Fprintf(&sb, "[%s] (%s, trust %.2f) %s\n%s\n\n",
			ev.EvidID, ev.SourceType, ev.Metadata.CredibilityScore, ev.Title, truncateRunes(text, snippetLimit))
	}
	return sb.String()
}

// quoteValid accepts a quote that appears verbatim (case-folded) in the
// evidence, or whose token overlap with the evidence reaches the floor.
func quoteValid(quote string, ev model.ScoredEvidence) bool {
	quote = strings.TrimSpace(quote)
	if quote == "" {
		return false
	}
	text := ev.Content
	if text == "" {
		text = ev.Snippet
	}
	if strings.Contains(strings.ToLower(text), strings.ToLower(quote)) {
		return true
	}
	return retrieval.TokenOverlap(retrieval.Tokenize(quote), text) >= quoteOverlapFloor
}

func normalizeStance(s string) model.Label {
	switch model.Label(strings.ToUpper(strings.TrimSpace(s))) {
	case model.LabelTrue:
		return model.LabelTrue
	case model.LabelFalse:
		return model.LabelFalse
	case model.LabelMixed:
		return model.LabelMixed
	default:
		return model.LabelUnverified
	}
}

func avgTrust(pool []model.ScoredEvidence) float64 {
	if len(pool) == 0 {
		return 0
	}
	var sum float64
	for _, ev := range pool {
		sum += ev.Metadata.CredibilityScore
	}
	return sum / float64(len(pool))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

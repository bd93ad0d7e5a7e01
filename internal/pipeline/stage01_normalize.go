package pipeline

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
)

// Normalize modes.
const (
	NormalizeModeBasic = "basic"
	NormalizeModeLLM   = "llm"
)

const normalizeSystemPrompt = `You turn raw user input into a single verifiable claim.
Respond with JSON only:
{"claim_text": string, "original_intent": "verification"|"exploration",
 "claim_mode": "fact"|"rumor"|"mixed", "verification_priority": "high"|"medium"|"low",
 "entity_map": {string: string}, "risk_markers": [string], "canonical_evidence": [string]}`

var (
	whitespaceCollapseRe = regexp.MustCompile(`\s+`)
	rumorMarkerRe        = regexp.MustCompile(`(?i)소문|루머|카더라|~?라던데|진짜야|사실이야|rumor|is it true|allegedly`)
)

type normalizeResult struct {
	ClaimText            string            `json:"claim_text"`
	OriginalIntent       string            `json:"original_intent"`
	ClaimMode            string            `json:"claim_mode"`
	VerificationPriority string            `json:"verification_priority"`
	EntityMap            map[string]string `json:"entity_map"`
	RiskMarkers          []string          `json:"risk_markers"`
	CanonicalEvidence    []string          `json:"canonical_evidence"`
}

// stageNormalize resolves the raw payload into claim text. URL inputs go
// through the prefetcher first; prefetch failure falls back to the URL
// itself with a risk marker, and the pipeline continues.
func (p *Pipeline) stageNormalize(ctx context.Context, st *model.PipelineState, usage *llm.Usage) error {
	started := time.Now()

	source := st.InputPayload
	if st.InputType == model.InputTypeURL {
		content, err := p.prefetcher.Fetch(ctx, st.InputPayload)
		if err != nil {
			p.logger.Warn("prefetch failed, using url as claim text", "trace_id", st.TraceID, "error", err)
			st.RiskMarkers = append(st.RiskMarkers, model.RiskPrefetchFailed)
			st.AddRiskFlag(model.RiskPrefetchFailed)
		} else {
			source = content.Text
			if source == "" {
				source = content.Title
			}
		}
	}

	mode := st.NormalizeMode
	if mode == "" {
		mode = NormalizeModeBasic
	}

	switch mode {
	case NormalizeModeLLM:
		if err := p.normalizeLLM(ctx, st, source, usage); err != nil {
			p.logger.Warn("llm normalize failed, falling back to basic", "trace_id", st.TraceID, "error", err)
			if isParseError(err) {
				st.AddRiskFlag(model.RiskJSONParseFallback)
			}
			normalizeBasic(st, source)
		}
	default:
		normalizeBasic(st, source)
	}

	if strings.TrimSpace(st.ClaimText) == "" {
		// Nothing verifiable survived normalization; refuse up front.
		st.FinalVerdict = &model.FinalVerdict{
			Label:       model.LabelRefused,
			Confidence:  0,
			Summary:     "입력에서 검증 가능한 주장을 추출하지 못했습니다.",
			Rationale:   []string{"정규화 후 주장 텍스트가 비어 있습니다."},
			Limitations: []string{"입력을 주장 형태의 문장으로 다시 제출해 주세요."},
		}
	}

	st.AppendLog(model.StageNormalize, "normalized claim", time.Since(started))
	st.SetStageOutput(model.StageNormalize, map[string]any{
		"claim_text":   st.ClaimText,
		"claim_mode":   st.ClaimMode,
		"risk_markers": st.RiskMarkers,
	}, normalizeResult{
		ClaimText:            st.ClaimText,
		OriginalIntent:       st.OriginalIntent,
		ClaimMode:            string(st.ClaimMode),
		VerificationPriority: st.VerificationPriority,
		EntityMap:            st.EntityMap,
		RiskMarkers:          st.RiskMarkers,
		CanonicalEvidence:    st.CanonicalEvidence,
	})
	return nil
}

func (p *Pipeline) normalizeLLM(ctx context.Context, st *model.PipelineState, source string, usage *llm.Usage) error {
	var res normalizeResult
	if err := p.querygen.CallJSON(ctx, normalizeSystemPrompt, source, 800, 0, usage, &res); err != nil {
		return err
	}
	st.ClaimText = strings.TrimSpace(res.ClaimText)
	st.OriginalIntent = res.OriginalIntent
	st.ClaimMode = model.ClaimMode(res.ClaimMode)
	st.VerificationPriority = res.VerificationPriority
	st.EntityMap = res.EntityMap
	st.RiskMarkers = append(st.RiskMarkers, res.RiskMarkers...)
	st.CanonicalEvidence = res.CanonicalEvidence
	if st.ClaimMode == "" {
		st.ClaimMode = model.ClaimModeFact
	}
	if st.OriginalIntent == "" {
		st.OriginalIntent = "verification"
	}
	return nil
}

// normalizeBasic strips and collapses whitespace and applies lightweight
// heuristics for intent and claim mode.
func normalizeBasic(st *model.PipelineState, source string) {
	text := strings.TrimSpace(whitespaceCollapseRe.ReplaceAllString(source, " "))
	// Long prefetched articles are trimmed to their leading passage.
	if r := []rune(text); len(r) > 1000 {
		text = string(r[:1000])
	}
	st.ClaimText = text

	st.OriginalIntent = "verification"
	if strings.HasSuffix(text, "?") || strings.HasSuffix(text, "까") {
		st.OriginalIntent = "exploration"
	}

	st.ClaimMode = model.ClaimModeFact
	if rumorMarkerRe.MatchString(text) {
		st.ClaimMode = model.ClaimModeRumor
	}
	st.VerificationPriority = "medium"
}

func isParseError(err error) bool {
	var pe *llm.ParseError
	return errors.As(err, &pe)
}

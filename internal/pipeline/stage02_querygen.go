package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/veritas-lab/veritas/internal/llm"
	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/retrieval"
)

const querygenSystemPrompt = `You generate search queries for fact-checking a claim.
Respond with JSON only:
{"queries": [{"type": "wiki"|"news"|"web"|"verification"|"direct", "text": string,
  "intent": "official_statement"|"fact_check"|"origin_trace",
  "stance": "support"|"skeptic"|"neutral"}]}
Rules: short keyword queries (under 50 characters, no punctuation), Korean
when the claim is Korean. Cover official statements, fact-checks, and the
origin of the claim. Include both supportive and skeptical angles.`

const maxQueryTextLen = 50

type querygenResult struct {
	Queries []struct {
		Type   string `json:"type"`
		Text   string `json:"text"`
		Intent string `json:"intent"`
		Stance string `json:"stance"`
	} `json:"queries"`
}

// stageQuerygen produces the query variants for collection. LLM output is
// passed through a deterministic sanitizer that enforces the variant rules;
// on LLM failure the deterministic generator runs alone.
func (p *Pipeline) stageQuerygen(ctx context.Context, st *model.PipelineState, usage *llm.Usage) error {
	started := time.Now()
	claimID := "claim-1"

	var variants []model.QueryVariant

	var res querygenResult
	if err := p.querygen.CallJSON(ctx, querygenSystemPrompt, st.ClaimText, 800, 0.2, usage, &res); err != nil {
		p.logger.Warn("querygen llm failed, using deterministic generator", "trace_id", st.TraceID, "error", err)
		if isParseError(err) {
			st.AddRiskFlag(model.RiskJSONParseFallback)
		}
	} else {
		for _, q := range res.Queries {
			variants = append(variants, model.QueryVariant{
				Type: model.QueryType(q.Type),
				Text: q.Text,
				Meta: model.QueryMeta{
					ClaimID: claimID,
					Intent:  q.Intent,
					Stance:  model.Stance(q.Stance),
				},
			})
		}
	}

	st.QueryVariants = sanitizeVariants(st.ClaimText, claimID, variants, p.cfg.Stage3WebQueryCapPerClaim)

	st.AppendLog(model.StageQuerygen, "generated query variants", time.Since(started))
	st.SetStageOutput(model.StageQuerygen, map[string]any{
		"variant_count": len(st.QueryVariants),
	}, st.QueryVariants)
	return nil
}

// sanitizeVariants enforces the variant rules over whatever the generator
// produced:
//   - exactly one wiki query per claim, vector mode, wiki_vector_single;
//   - non-wiki queries capped per claim, each ≤ 50 chars, no ':' ',' '.',
//     at least two tokens;
//   - the claim's non-wiki set covers official_statement, fact_check, and
//     origin_trace intents;
//   - news/verification queries carry both support and skeptic stances.
func sanitizeVariants(claimText, claimID string, raw []model.QueryVariant, nonWikiCap int) []model.QueryVariant {
	if nonWikiCap <= 0 {
		nonWikiCap = 3
	}
	tokens := retrieval.AnchorTokens(retrieval.Tokenize(claimText))
	keyword := strings.Join(firstN(tokens, 4), " ")
	if keyword == "" {
		keyword = truncateRunes(claimText, 30)
	}

	out := []model.QueryVariant{{
		Type:       model.QueryTypeWiki,
		Text:       claimText,
		SearchMode: retrieval.ModeVector,
		Meta: model.QueryMeta{
			ClaimID:       claimID,
			Mode:          retrieval.ModeVector,
			QueryStrategy: "wiki_vector_single",
			KeywordTokens: tokens,
			AnchorTokens:  tokens,
		},
	}}

	type key struct {
		text   string
		stance model.Stance
	}
	seen := map[key]bool{}
	intents := map[string]bool{}
	stances := map[model.Stance]bool{}
	nonWiki := 0

	add := func(v model.QueryVariant) {
		if nonWiki >= nonWikiCap {
			return
		}
		v.Text = cleanQueryText(v.Text)
		if v.Text == "" || len(retrieval.Tokenize(v.Text)) < 2 {
			return
		}
		if v.Meta.Stance == "" {
			v.Meta.Stance = model.StanceNeutral
		}
		// Dedup keeps same text under a different stance.
		k := key{text: v.Text, stance: v.Meta.Stance}
		if seen[k] {
			return
		}
		seen[k] = true
		v.Meta.ClaimID = claimID
		v.Meta.KeywordTokens = retrieval.Tokenize(v.Text)
		out = append(out, v)
		nonWiki++
		intents[v.Meta.Intent] = true
		if v.Type == model.QueryTypeNews || v.Type == model.QueryTypeVerification {
			stances[v.Meta.Stance] = true
		}
	}

	required := []string{model.IntentOfficialStatement, model.IntentFactCheck, model.IntentOriginTrace}
	missingRequired := func(extra string) int {
		n := 0
		for _, intent := range required {
			if !intents[intent] && intent != extra {
				n++
			}
		}
		return n
	}

	// Each still-uncovered required intent keeps one slot reserved for its
	// backfill, so generator output can never crowd the intent set out of
	// the cap.
	for _, v := range raw {
		if v.Type == model.QueryTypeWiki || v.Type == "" {
			continue
		}
		if nonWiki+1+missingRequired(v.Meta.Intent) > nonWikiCap {
			continue
		}
		add(v)
	}

	// Backfill required intents with deterministic variants.
	fallbacks := []model.QueryVariant{
		{Type: model.QueryTypeNews, Text: keyword + " 공식 발표",
			Meta: model.QueryMeta{Intent: model.IntentOfficialStatement, Stance: model.StanceSupport, QueryStrategy: "intent_backfill"}},
		{Type: model.QueryTypeVerification, Text: keyword + " 사실 확인",
			Meta: model.QueryMeta{Intent: model.IntentFactCheck, Stance: model.StanceSkeptic, QueryStrategy: "intent_backfill"}},
		{Type: model.QueryTypeWeb, Text: keyword + " 최초 출처",
			Meta: model.QueryMeta{Intent: model.IntentOriginTrace, Stance: model.StanceNeutral, QueryStrategy: "intent_backfill"}},
	}
	for _, fb := range fallbacks {
		if !intents[fb.Meta.Intent] {
			add(fb)
		}
	}

	// Stance coverage for news/verification: duplicate the keyword query
	// under the missing stance when the cap allows.
	if stances[model.StanceSupport] != stances[model.StanceSkeptic] {
		missing := model.StanceSupport
		if stances[model.StanceSupport] {
			missing = model.StanceSkeptic
		}
		add(model.QueryVariant{
			Type: model.QueryTypeNews,
			Text: keyword + " 보도",
			Meta: model.QueryMeta{Intent: model.IntentFactCheck, Stance: missing, QueryStrategy: "stance_backfill"},
		})
	}

	return out
}

// cleanQueryText strips forbidden punctuation and enforces the length cap.
func cleanQueryText(text string) string {
	text = strings.NewReplacer(":", " ", ",", " ", ".", " ").Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, maxQueryTextLen)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(r[:n]))
}

func firstN(ss []string, n int) []string {
	if len(ss) <= n {
		return ss
	}
	return ss[:n]
}

package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/retrieval"
)

const testClaim = "서울 지하철 파업이 다음 주에 시작된다"

func nonWikiVariants(vs []model.QueryVariant) []model.QueryVariant {
	var out []model.QueryVariant
	for _, v := range vs {
		if v.Type != model.QueryTypeWiki {
			out = append(out, v)
		}
	}
	return out
}

func TestSanitizeVariantsDeterministicFallback(t *testing.T) {
	out := sanitizeVariants(testClaim, "claim-1", nil, 3)
	require.NotEmpty(t, out)

	// Exactly one wiki variant, first, in vector mode.
	wiki := out[0]
	assert.Equal(t, model.QueryTypeWiki, wiki.Type)
	assert.Equal(t, testClaim, wiki.Text)
	assert.Equal(t, retrieval.ModeVector, wiki.SearchMode)
	assert.Equal(t, "wiki_vector_single", wiki.Meta.QueryStrategy)
	for _, v := range out[1:] {
		assert.NotEqual(t, model.QueryTypeWiki, v.Type)
	}

	// The backfills cover all three required intents.
	intents := map[string]bool{}
	for _, v := range nonWikiVariants(out) {
		intents[v.Meta.Intent] = true
		assert.Equal(t, "claim-1", v.Meta.ClaimID)
		assert.GreaterOrEqual(t, len(retrieval.Tokenize(v.Text)), 2)
	}
	assert.True(t, intents[model.IntentOfficialStatement])
	assert.True(t, intents[model.IntentFactCheck])
	assert.True(t, intents[model.IntentOriginTrace])
}

func TestSanitizeVariantsStanceCoverage(t *testing.T) {
	out := sanitizeVariants(testClaim, "claim-1", nil, 5)

	stances := map[model.Stance]bool{}
	for _, v := range nonWikiVariants(out) {
		if v.Type == model.QueryTypeNews || v.Type == model.QueryTypeVerification {
			stances[v.Meta.Stance] = true
		}
	}
	assert.True(t, stances[model.StanceSupport])
	assert.True(t, stances[model.StanceSkeptic])
}

func TestSanitizeVariantsCleansText(t *testing.T) {
	raw := []model.QueryVariant{{
		Type: model.QueryTypeNews,
		Text: "정부 발표: 지하철, 파업.",
		Meta: model.QueryMeta{Intent: model.IntentOfficialStatement, Stance: model.StanceSupport},
	}}
	out := sanitizeVariants(testClaim, "claim-1", raw, 3)

	var got *model.QueryVariant
	for i := range out {
		if out[i].Meta.Intent == model.IntentOfficialStatement {
			got = &out[i]
			break
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, "정부 발표 지하철 파업", got.Text)
	assert.NotContains(t, got.Text, ":")
}

func TestSanitizeVariantsReservesIntentSlots(t *testing.T) {
	// Generator output that would spend the whole cap on a single intent.
	raw := []model.QueryVariant{
		{Type: model.QueryTypeNews, Text: "지하철 파업 사실인가", Meta: model.QueryMeta{Intent: model.IntentFactCheck, Stance: model.StanceSkeptic}},
		{Type: model.QueryTypeWeb, Text: "지하철 파업 검증", Meta: model.QueryMeta{Intent: model.IntentFactCheck, Stance: model.StanceNeutral}},
		{Type: model.QueryTypeWeb, Text: "지하철 파업 진위", Meta: model.QueryMeta{Intent: model.IntentFactCheck, Stance: model.StanceNeutral}},
	}
	out := sanitizeVariants(testClaim, "claim-1", raw, 3)

	nonWiki := nonWikiVariants(out)
	assert.Len(t, nonWiki, 3)

	intents := map[string]bool{}
	for _, v := range nonWiki {
		intents[v.Meta.Intent] = true
	}
	assert.True(t, intents[model.IntentOfficialStatement])
	assert.True(t, intents[model.IntentFactCheck])
	assert.True(t, intents[model.IntentOriginTrace])
}

func TestSanitizeVariantsCap(t *testing.T) {
	raw := []model.QueryVariant{
		{Type: model.QueryTypeWeb, Text: "지하철 파업 일정"},
		{Type: model.QueryTypeWeb, Text: "지하철 파업 원인"},
		{Type: model.QueryTypeWeb, Text: "지하철 파업 노조"},
		{Type: model.QueryTypeWeb, Text: "지하철 파업 협상"},
	}
	out := sanitizeVariants(testClaim, "claim-1", raw, 2)
	assert.Len(t, nonWikiVariants(out), 2)
}

func TestSanitizeVariantsDedup(t *testing.T) {
	raw := []model.QueryVariant{
		{Type: model.QueryTypeWeb, Text: "지하철 파업 원인", Meta: model.QueryMeta{Stance: model.StanceNeutral}},
		{Type: model.QueryTypeWeb, Text: "지하철 파업 원인", Meta: model.QueryMeta{Stance: model.StanceNeutral}},
		{Type: model.QueryTypeNews, Text: "지하철 파업 원인", Meta: model.QueryMeta{Stance: model.StanceSupport}},
	}
	out := sanitizeVariants(testClaim, "claim-1", raw, 10)

	count := 0
	for _, v := range nonWikiVariants(out) {
		if v.Text == "지하철 파업 원인" {
			count++
		}
	}
	// Same text under a different stance survives; exact duplicate does not.
	assert.Equal(t, 2, count)
}

func TestSanitizeVariantsDropsShortQueries(t *testing.T) {
	raw := []model.QueryVariant{
		{Type: model.QueryTypeWeb, Text: "파업"},
		{Type: model.QueryTypeWeb, Text: "  "},
	}
	out := sanitizeVariants(testClaim, "claim-1", raw, 10)
	for _, v := range nonWikiVariants(out) {
		assert.GreaterOrEqual(t, len(retrieval.Tokenize(v.Text)), 2)
	}
}

func TestSanitizeVariantsSkipsRawWiki(t *testing.T) {
	raw := []model.QueryVariant{
		{Type: model.QueryTypeWiki, Text: "지하철 파업"},
		{Type: model.QueryTypeWiki, Text: "서울 교통"},
	}
	out := sanitizeVariants(testClaim, "claim-1", raw, 3)

	wikis := 0
	for _, v := range out {
		if v.Type == model.QueryTypeWiki {
			wikis++
		}
	}
	assert.Equal(t, 1, wikis)
	assert.Equal(t, testClaim, out[0].Text)
}

func TestCleanQueryText(t *testing.T) {
	assert.Equal(t, "a b c", cleanQueryText("a: b, c."))
	assert.Equal(t, "한 줄", cleanQueryText("  한   줄  "))

	long := strings.Repeat("가나다 ", 30)
	got := cleanQueryText(long)
	assert.LessOrEqual(t, len([]rune(got)), maxQueryTextLen)
}

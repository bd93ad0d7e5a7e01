package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/obs"
	"github.com/veritas-lab/veritas/internal/websearch"
)

// throttledClient reports one transient retry per call, like a provider
// that answered 429 once before succeeding.
type throttledClient struct {
	results []websearch.Result
}

func (c *throttledClient) Name() string { return "throttled" }

func (c *throttledClient) Search(context.Context, string, int) ([]websearch.Result, int, error) {
	return c.results, 1, nil
}

func TestStageWebObservesProviderRetries(t *testing.T) {
	collector := obs.NewCollector()
	p := New(Deps{
		Config: testConfig(),
		Providers: []websearch.Client{&throttledClient{results: []websearch.Result{
			{Title: "보도", URL: "https://news.example.com/a", Snippet: "파업 예고", Provider: "throttled"},
		}}},
		Collector: collector,
		Logger:    testLogger(),
	})

	st := model.NewPipelineState(model.InputTypeText, "서울 지하철 파업")
	st.QueryVariants = []model.QueryVariant{
		{Type: model.QueryTypeNews, Text: "지하철 파업 보도",
			Meta: model.QueryMeta{ClaimID: "claim-1", Intent: model.IntentFactCheck, Stance: model.StanceSkeptic}},
	}

	require.NoError(t, p.stageWeb(context.Background(), st, nil))
	require.Len(t, st.EvidenceCandidates, 1)

	_, providers, _ := collector.Snapshot()
	stats := providers["throttled"]
	assert.Equal(t, 1, stats.Calls)
	assert.Equal(t, 1, stats.Retries)
	assert.Zero(t, stats.Failures)
}

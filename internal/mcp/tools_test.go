package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/veritas-lab/veritas/internal/config"
	"github.com/veritas-lab/veritas/internal/pipeline"
	"github.com/veritas-lab/veritas/internal/retrieval"
	"github.com/veritas-lab/veritas/internal/service/embedding"
)

func newTestServer() *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := pipeline.New(pipeline.Deps{
		Config: config.Config{
			Stage5Threshold:     0.70,
			Stage5TopK:          6,
			Stage9QualityCutoff: 65,
			StageSoftTimeout:    10 * time.Second,
			DefaultLanguage:     "ko",
		},
		Logger: logger,
	})
	backend := retrieval.New(nil, embedding.NewNoopProvider(8), nil, logger)
	return New(pipe, backend, "test", logger)
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestVerifyClaimRequiresClaim(t *testing.T) {
	s := newTestServer()

	res, err := s.handleVerifyClaim(context.Background(), toolRequest("verify_claim", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "claim is required", resultText(t, res))
}

func TestVerifyClaimRejectsUnknownInputType(t *testing.T) {
	s := newTestServer()

	res, err := s.handleVerifyClaim(context.Background(), toolRequest("verify_claim", map[string]any{
		"claim":      "서울 지하철이 파업한다",
		"input_type": "video",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "unknown input_type")
}

func TestWikiSearchRequiresQuestion(t *testing.T) {
	s := newTestServer()

	res, err := s.handleWikiSearch(context.Background(), toolRequest("wiki_search", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "question is required", resultText(t, res))
}

func TestWikiSearchDegradedWithoutCorpus(t *testing.T) {
	s := newTestServer()

	res, err := s.handleWikiSearch(context.Background(), toolRequest("wiki_search", map[string]any{
		"question": "서울 지하철 파업",
		"top_k":    3,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var resp struct {
		Hits  []any          `json:"hits"`
		Debug map[string]any `json:"debug"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &resp))
	assert.Empty(t, resp.Hits)
	assert.Contains(t, resp.Debug, "degraded")
}

func TestResultHelpers(t *testing.T) {
	ok := textResult("본문")
	assert.False(t, ok.IsError)
	assert.Equal(t, "본문", resultText(t, ok))

	bad := errorResult("실패")
	assert.True(t, bad.IsError)
	assert.Equal(t, "실패", resultText(t, bad))
}

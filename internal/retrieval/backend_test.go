package retrieval

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/service/embedding"
)

func TestOptionsApplyDefaults(t *testing.T) {
	var o Options
	o.applyDefaults()
	assert.Equal(t, 5, o.TopK)
	assert.Equal(t, 0, o.Window)
	assert.Equal(t, 2000, o.MaxChars)
	assert.Equal(t, ModeAuto, o.Mode)

	o = Options{TopK: 3, Window: -1, MaxChars: 100, Mode: ModeFTS}
	o.applyDefaults()
	assert.Equal(t, 3, o.TopK)
	assert.Equal(t, 0, o.Window)
	assert.Equal(t, ModeFTS, o.Mode)
}

func TestSearchWithoutStorageDegrades(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(nil, embedding.NewNoopProvider(8), nil, logger)

	resp := b.Search(context.Background(), "서울 지하철 파업", Options{})
	require.NotNil(t, resp)
	assert.Empty(t, resp.Hits)
	assert.Empty(t, resp.Candidates)
	assert.Contains(t, resp.Debug, "degraded")
}

func TestResolveMode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	noop := New(nil, embedding.NewNoopProvider(8), nil, logger)
	real := New(nil, embedding.NewOpenAIProvider("", "key", "text-embedding-3-small", 8, 6), nil, logger)

	descriptiveQ := Tokenize("서울 지하철 파업 시작 시점")
	keywordQ := Tokenize("서울 파업")

	// Explicit modes pass through untouched.
	assert.Equal(t, ModeFTS, real.resolveMode(ModeFTS, descriptiveQ))
	assert.Equal(t, ModeVector, noop.resolveMode(ModeVector, keywordQ))

	// Auto: vector needs both a real embedder and a descriptive question.
	assert.Equal(t, ModeLexical, noop.resolveMode(ModeAuto, descriptiveQ))
	assert.Equal(t, ModeVector, real.resolveMode(ModeAuto, descriptiveQ))
	assert.Equal(t, ModeLexical, real.resolveMode(ModeAuto, keywordQ))
}

func TestSortHits(t *testing.T) {
	hits := []model.WikiHit{
		{ChunkIdx: 5, Score: 0.5},
		{ChunkIdx: 1, Score: 0.9},
		{ChunkIdx: 3, Score: 0.5},
	}
	sortHits(hits)
	assert.Equal(t, 1, hits[0].ChunkIdx)
	// Tied scores order by chunk index.
	assert.Equal(t, 3, hits[1].ChunkIdx)
	assert.Equal(t, 5, hits[2].ChunkIdx)
}

func TestTitleMatches(t *testing.T) {
	assert.True(t, titleMatches([]string{"서울", "지하철"}, "지하철"))
	assert.True(t, titleMatches([]string{"seoul"}, "Seoul"))
	assert.False(t, titleMatches([]string{"서울"}, "서울특별시"))
	assert.False(t, titleMatches(nil, "지하철"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "가나다", truncate("가나다라마", 3))
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abc", truncate("abc", 0))
}

func TestBuildPromptContext(t *testing.T) {
	hits := []model.WikiHit{
		{Title: "서울 지하철", ChunkIdx: 0, Content: "첫 번째 본문"},
		{Title: "파업", ChunkIdx: 2, Content: "두 번째 본문"},
	}
	got := buildPromptContext(hits, 500)
	assert.Contains(t, got, "[서울 지하철 #0]")
	assert.Contains(t, got, "첫 번째 본문")
	assert.Contains(t, got, "[파업 #2]")
	assert.False(t, len(got) == 0)

	assert.Equal(t, "", buildPromptContext(nil, 500))
}

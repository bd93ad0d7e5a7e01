package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundVector(t *testing.T) {
	got := roundVector([]float32{0.1234567, -0.9876543}, 3)
	assert.InDelta(t, 0.123, got[0], 1e-6)
	assert.InDelta(t, -0.988, got[1], 1e-6)

	// ndigits 0 disables rounding.
	v := []float32{0.123456}
	assert.Equal(t, v, roundVector(v, 0))
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(4)
	assert.Equal(t, 4, p.Dimensions())

	vec, err := p.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, vec.Slice())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 0, 0, 0}, vecs[1].Slice())
}

func TestOpenAIProviderBatchRestoresOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 2)

		// Answer out of order; indices carry the mapping.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.2, 0.2}, "index": 1},
				{"embedding": []float32{0.1, 0.1}, "index": 0},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "key", "text-embedding-3-small", 2, 6)
	vecs, err := p.EmbedBatch(context.Background(), []string{"첫 번째", "두 번째"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.1}, vecs[0].Slice())
	assert.Equal(t, []float32{0.2, 0.2}, vecs[1].Slice())
}

func TestOpenAIProviderErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "bad key", "type": "invalid_request_error"},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "wrong", "m", 2, 6)
	_, err := p.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestOpenAIProviderEmptyInput(t *testing.T) {
	p := NewOpenAIProvider("", "key", "m", 2, 6)
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOllamaProviderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mxbai-embed-large", req.Model)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{0.1234567, 0.5},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 2, 3)
	vec, err := p.Embed(context.Background(), "서울")
	require.NoError(t, err)
	assert.InDelta(t, 0.123, vec.Slice()[0], 1e-6)
}

func TestOllamaProviderEmptyEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "m", 2, 6)
	_, err := p.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "empty embedding")
}

func TestOllamaProviderBatchKeepsOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Encode the prompt length so each result is distinguishable.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{float32(len(req.Prompt))},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "m", 1, 6)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(1), vecs[0].Slice()[0])
	assert.Equal(t, float32(2), vecs[1].Slice()[0])
	assert.Equal(t, float32(3), vecs[2].Slice()[0])
}

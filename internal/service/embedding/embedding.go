// Package embedding generates vector embeddings for the corpus retrieval
// backend.
//
// A Provider abstracts the model endpoint; OpenAI-compatible and Ollama
// implementations are provided, plus a Noop provider for configurations
// without a vector backend. Components are rounded to a fixed digit count
// so re-embedding the same text reproduces the stored vector exactly.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// roundVector truncates each component to ndigits decimal places. Query
// and stored vectors must agree bit-for-bit for distance ties to be
// stable across runs.
func roundVector(v []float32, ndigits int) []float32 {
	if ndigits <= 0 {
		return v
	}
	scale := math.Pow10(ndigits)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(math.Round(float64(f)*scale) / scale)
	}
	return out
}

// postJSON issues a JSON POST and returns the raw response body along with
// the HTTP status. The caller decodes and decides what counts as an error.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("embedding: read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// OpenAIProvider calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
	ndigits    int
}

// NewOpenAIProvider creates an OpenAI-compatible embedding provider.
// baseURL defaults to the hosted OpenAI API when empty.
func NewOpenAIProvider(baseURL, apiKey, model string, dimensions, ndigits int) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		dimensions: dimensions,
		ndigits:    ndigits,
	}
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	payload := struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}{Input: texts, Model: p.model}

	status, raw, err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/embeddings", headers, payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("embedding: provider error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("embedding: unexpected status %d: %s", status, raw)
	}

	// The API may reorder results; indices restore input order.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(roundVector(d.Embedding, p.ndigits))
	}
	return vecs, nil
}

// NoopProvider returns zero vectors. With it in place, vector mode never
// wins auto-selection and retrieval ranks by lexical and FTS signals only.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}

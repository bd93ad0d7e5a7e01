package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"
)

// ollamaConcurrency bounds parallel embedding calls; a local model server
// typically has a single GPU behind it.
const ollamaConcurrency = 4

// OllamaProvider embeds text with a local Ollama server, keeping corpus
// content on the host.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
	ndigits    int
}

// NewOllamaProvider creates a provider for Ollama's embedding API.
// Dimensions must match the model's native output size (e.g. 1024 for
// mxbai-embed-large).
func NewOllamaProvider(baseURL, model string, dimensions, ndigits int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
		ndigits:    ndigits,
	}
}

// Dimensions returns the model's native vector size.
func (p *OllamaProvider) Dimensions() int {
	return p.dimensions
}

// Embed generates a single embedding vector from text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	payload := struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}{Model: p.model, Prompt: text}

	status, raw, err := postJSON(ctx, p.httpClient, p.baseURL+"/api/embeddings", nil, payload)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("ollama: %w", err)
	}
	if status != http.StatusOK {
		return pgvector.Vector{}, fmt.Errorf("ollama: status %d: %.200s", status, raw)
	}

	var parsed struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return pgvector.Vector{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("ollama: empty embedding returned")
	}
	return pgvector.NewVector(roundVector(parsed.Embedding, p.ndigits)), nil
}

// EmbedBatch embeds multiple texts. Ollama has no batch endpoint, so the
// calls fan out under a bounded group and results keep input order.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs := make([]pgvector.Vector, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ollamaConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := p.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("ollama: batch item %d: %w", i, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

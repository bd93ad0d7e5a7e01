// Package retrieval implements hybrid search over the encyclopedic corpus:
// lexical candidate matching, server-side full-text ranking, and vector
// similarity over pre-embedded chunks, with neighbor-window expansion.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/service/embedding"
	"github.com/veritas-lab/veritas/internal/storage"
)

// Search modes.
const (
	ModeAuto    = "auto"
	ModeLexical = "lexical"
	ModeFTS     = "fts"
	ModeVector  = "vector"
)

// embedBatchSize bounds one embedding API call when filling missing vectors.
const embedBatchSize = 32

// Options tunes a single search call.
type Options struct {
	TopK         int
	PageIDs      []int64
	Window       int
	MaxChars     int
	Mode         string
	EmbedMissing bool
}

func (o *Options) applyDefaults() {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.Window < 0 {
		o.Window = 0
	}
	if o.MaxChars <= 0 {
		o.MaxChars = 2000
	}
	if o.Mode == "" {
		o.Mode = ModeAuto
	}
}

// Backend ranks corpus chunks against a question. Storage errors degrade to
// empty results with a debug entry; they never fail the caller.
type Backend struct {
	db       *storage.DB
	embedder embedding.Provider
	ann      *ChunkIndex // optional ANN index; nil means pgvector only
	logger   *slog.Logger
}

// New creates a retrieval backend. ann may be nil.
func New(db *storage.DB, embedder embedding.Provider, ann *ChunkIndex, logger *slog.Logger) *Backend {
	return &Backend{db: db, embedder: embedder, ann: ann, logger: logger}
}

// Search runs the hybrid retrieval pipeline and returns candidates, window
// expanded hits, and a prompt-ready context string.
func (b *Backend) Search(ctx context.Context, question string, opts Options) *model.WikiSearchResponse {
	opts.applyDefaults()
	resp := &model.WikiSearchResponse{
		Candidates: []model.WikiHit{},
		Hits:       []model.WikiHit{},
		Debug:      map[string]any{},
	}

	if b.db == nil {
		resp.Debug["degraded"] = "corpus storage not configured"
		return resp
	}

	tokens := Tokenize(question)
	mode := b.resolveMode(opts.Mode, tokens)
	resp.Debug["mode"] = mode
	resp.Debug["token_count"] = len(tokens)

	var hits []model.WikiHit
	var err error
	switch mode {
	case ModeLexical:
		hits, err = b.lexical(ctx, tokens, opts)
	case ModeFTS:
		hits, err = b.fts(ctx, question, opts)
	default:
		hits, err = b.vector(ctx, question, tokens, opts)
		if err == nil && len(hits) == 0 {
			// Empty vector index degrades to lexical ranking.
			resp.Debug["vector_fallback"] = "lexical"
			hits, err = b.lexical(ctx, tokens, opts)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			resp.Debug["degraded"] = ctx.Err().Error()
			return resp
		}
		b.logger.Warn("retrieval degraded to empty results", "mode", mode, "error", err)
		resp.Debug["degraded"] = err.Error()
		return resp
	}

	resp.Candidates = hits
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	resp.Hits = b.expandWindows(ctx, hits, opts)
	resp.PromptContext = buildPromptContext(resp.Hits, opts.MaxChars)
	return resp
}

// resolveMode maps auto to vector for descriptive questions when an
// embedding backend exists, otherwise lexical.
func (b *Backend) resolveMode(mode string, tokens []string) string {
	if mode != ModeAuto {
		return mode
	}
	if _, noop := b.embedder.(*embedding.NoopProvider); noop {
		return ModeLexical
	}
	if descriptive(tokens) {
		return ModeVector
	}
	return ModeLexical
}

func (b *Backend) lexical(ctx context.Context, tokens []string, opts Options) ([]model.WikiHit, error) {
	anchors := AnchorTokens(tokens)
	if len(anchors) == 0 {
		anchors = tokens
	}
	chunks, err := b.db.LexicalCandidates(ctx, anchors, opts.PageIDs, opts.TopK*10)
	if err != nil {
		return nil, err
	}

	hits := make([]model.WikiHit, 0, len(chunks))
	for _, c := range chunks {
		score := TokenOverlap(tokens, c.Content)
		if titleMatches(anchors, c.Title) {
			score = min(1, score+0.2)
		}
		hits = append(hits, chunkHit(c, score, ModeLexical))
	}
	sortHits(hits)
	return hits, nil
}

func (b *Backend) fts(ctx context.Context, question string, opts Options) ([]model.WikiHit, error) {
	rows, err := b.db.FTSSearch(ctx, question, opts.PageIDs, opts.TopK*3)
	if err != nil {
		return nil, err
	}
	hits := make([]model.WikiHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, chunkHit(r.Chunk, min(1, r.Rank), ModeFTS))
	}
	sortHits(hits)
	return hits, nil
}

// vector ranks by cosine distance and fuses in a full-text boost and an
// exact title match bonus:
//
//	vec = 1/(1+dist); final = min(1, vec + 0.3*min(1, 2*fts_rank) + title_boost)
func (b *Backend) vector(ctx context.Context, question string, tokens []string, opts Options) ([]model.WikiHit, error) {
	if opts.EmbedMissing {
		if err := b.fillMissingEmbeddings(ctx, tokens, opts); err != nil {
			b.logger.Warn("embed-missing pass failed, ranking over existing vectors", "error", err)
		}
	}

	queryVec, err := b.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	rows, err := b.vectorHits(ctx, queryVec, opts)
	if err != nil {
		return nil, err
	}

	ftsRank := b.ftsRankByChunk(ctx, question, opts)
	anchors := AnchorTokens(tokens)

	hits := make([]model.WikiHit, 0, len(rows))
	for _, r := range rows {
		vec := 1.0 / (1.0 + r.Distance)
		final := vec + 0.3*min(1, 2*ftsRank[r.ID])
		if titleMatches(anchors, r.Title) {
			final += 0.2
		}
		hits = append(hits, chunkHit(r.Chunk, min(1, final), ModeVector))
	}
	sortHits(hits)
	return hits, nil
}

// vectorHits queries the ANN index when configured and healthy, hydrating
// content from Postgres; otherwise it ranks directly in pgvector.
func (b *Backend) vectorHits(ctx context.Context, queryVec pgvector.Vector, opts Options) ([]storage.VectorHit, error) {
	limit := opts.TopK * 3
	if b.ann != nil && b.ann.Healthy(ctx) == nil {
		annHits, err := b.ann.Search(ctx, queryVec.Slice(), limit)
		if err == nil && len(annHits) > 0 {
			ids := make([]int64, len(annHits))
			for i, h := range annHits {
				ids[i] = h.ChunkID
			}
			chunks, err := b.db.ChunksByIDs(ctx, ids)
			if err != nil {
				return nil, err
			}
			out := make([]storage.VectorHit, 0, len(annHits))
			for _, h := range annHits {
				c, ok := chunks[h.ChunkID]
				if !ok {
					continue // deleted between index lookup and hydration
				}
				if len(opts.PageIDs) > 0 && !containsID(opts.PageIDs, c.PageID) {
					continue
				}
				// Cosine similarity back to the distance scale used below.
				out = append(out, storage.VectorHit{Chunk: c, Distance: 1 - float64(h.Score)})
			}
			return out, nil
		}
		if err != nil {
			b.logger.Warn("ann index query failed, falling back to pgvector", "error", err)
		}
	}
	return b.db.VectorSearch(ctx, queryVec, opts.PageIDs, limit)
}

func (b *Backend) ftsRankByChunk(ctx context.Context, question string, opts Options) map[int64]float64 {
	rows, err := b.db.FTSSearch(ctx, question, opts.PageIDs, opts.TopK*3)
	if err != nil {
		b.logger.Debug("fts boost unavailable", "error", err)
		return nil
	}
	out := make(map[int64]float64, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Rank
	}
	return out
}

// fillMissingEmbeddings embeds lexical candidates that have no stored
// vector, in batches, and persists them before ranking.
func (b *Backend) fillMissingEmbeddings(ctx context.Context, tokens []string, opts Options) error {
	anchors := AnchorTokens(tokens)
	if len(anchors) == 0 {
		return nil
	}
	candidates, err := b.db.LexicalCandidates(ctx, anchors, opts.PageIDs, opts.TopK*10)
	if err != nil {
		return err
	}
	var ids []int64
	for _, c := range candidates {
		if !c.HasVec {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	missing, err := b.db.ChunksMissingEmbedding(ctx, ids)
	if err != nil {
		return err
	}

	for start := 0; start < len(missing); start += embedBatchSize {
		batch := missing[start:min(start+embedBatchSize, len(missing))]
		texts := make([]string, len(batch))
		batchIDs := make([]int64, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
			batchIDs[i] = c.ID
		}
		vecs, err := b.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("retrieval: embed batch: %w", err)
		}
		if err := b.db.SaveChunkEmbeddings(ctx, batchIDs, vecs); err != nil {
			return err
		}
		if b.ann != nil {
			points := make([]ChunkPoint, len(batch))
			for i, c := range batch {
				points[i] = ChunkPoint{ChunkID: c.ID, PageID: c.PageID, Embedding: vecs[i].Slice()}
			}
			if err := b.ann.Upsert(ctx, points); err != nil {
				b.logger.Warn("ann upsert failed, pgvector remains authoritative", "error", err)
			}
		}
	}
	b.logger.Info("filled missing chunk embeddings", "count", len(missing))
	return nil
}

// expandWindows replaces each hit's content with the ±window neighbor
// chunks from the same page, truncated to max_chars.
func (b *Backend) expandWindows(ctx context.Context, hits []model.WikiHit, opts Options) []model.WikiHit {
	if opts.Window == 0 {
		for i := range hits {
			hits[i].Content = truncate(hits[i].Content, opts.MaxChars)
		}
		return hits
	}
	out := make([]model.WikiHit, len(hits))
	for i, h := range hits {
		out[i] = h
		neighbors, err := b.db.ChunkWindow(ctx, h.PageID, h.ChunkIdx, opts.Window)
		if err != nil || len(neighbors) == 0 {
			if err != nil {
				b.logger.Debug("window expansion failed", "page_id", h.PageID, "error", err)
			}
			out[i].Content = truncate(h.Content, opts.MaxChars)
			continue
		}
		parts := make([]string, len(neighbors))
		for j, n := range neighbors {
			parts[j] = n.Content
		}
		out[i].Content = truncate(strings.Join(parts, "\n"), opts.MaxChars)
	}
	return out
}

func buildPromptContext(hits []model.WikiHit, maxChars int) string {
	var sb strings.Builder
	for _, h := range hits {
		block := fmt.Sprintf("[%s #%d]\n%s\n\n", h.Title, h.ChunkIdx, h.Content)
		if sb.Len()+len(block) > maxChars*len(hits) {
			break
		}
		sb.WriteString(block)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func chunkHit(c storage.Chunk, score float64, mode string) model.WikiHit {
	return model.WikiHit{
		PageID:   c.PageID,
		Title:    c.Title,
		ChunkIdx: c.ChunkIdx,
		Content:  c.Content,
		Score:    score,
		Mode:     mode,
	}
}

// sortHits orders by score descending, ties by chunk_idx ascending.
func sortHits(hits []model.WikiHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkIdx < hits[j].ChunkIdx
	})
}

func titleMatches(anchors []string, title string) bool {
	lowered := strings.ToLower(title)
	for _, a := range anchors {
		if a == lowered {
			return true
		}
	}
	return false
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars])
}

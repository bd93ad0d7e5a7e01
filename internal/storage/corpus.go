package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Chunk is one pre-split passage of a corpus page.
type Chunk struct {
	ID       int64
	PageID   int64
	Title    string
	URL      string
	ChunkIdx int
	Content  string
	HasVec   bool
}

// VectorHit is a chunk with its cosine distance to a query embedding.
type VectorHit struct {
	Chunk
	Distance float64
}

// FTSHit is a chunk with its server-side full-text rank.
type FTSHit struct {
	Chunk
	Rank float64
}

const chunkColumns = `c.id, c.page_id, p.title, p.url, c.chunk_idx, c.content, c.embedding IS NOT NULL`

func scanChunk(row pgx.Rows, extra ...any) (Chunk, error) {
	var c Chunk
	dest := []any{&c.ID, &c.PageID, &c.Title, &c.URL, &c.ChunkIdx, &c.Content, &c.HasVec}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

// LexicalCandidates returns chunks whose content matches any of the given
// tokens (case-insensitive substring). The caller ranks by token overlap;
// this query only narrows the candidate set.
func (db *DB) LexicalCandidates(ctx context.Context, tokens []string, pageIDs []int64, limit int) ([]Chunk, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	patterns := make([]string, len(tokens))
	for i, t := range tokens {
		patterns[i] = "%" + t + "%"
	}

	q := `SELECT ` + chunkColumns + `
	      FROM wiki_chunks c JOIN wiki_pages p ON p.page_id = c.page_id
	      WHERE c.content ILIKE ANY($1)`
	args := []any{patterns}
	if len(pageIDs) > 0 {
		q += ` AND c.page_id = ANY($2)`
		args = append(args, pageIDs)
	}
	q += fmt.Sprintf(` ORDER BY c.page_id, c.chunk_idx LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: lexical candidates: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan lexical candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FTSSearch ranks chunks with the server-side full-text index.
func (db *DB) FTSSearch(ctx context.Context, query string, pageIDs []int64, limit int) ([]FTSHit, error) {
	q := `SELECT ` + chunkColumns + `, ts_rank_cd(c.tsv, plainto_tsquery('simple', $1)) AS rank
	      FROM wiki_chunks c JOIN wiki_pages p ON p.page_id = c.page_id
	      WHERE c.tsv @@ plainto_tsquery('simple', $1)`
	args := []any{query}
	if len(pageIDs) > 0 {
		q += ` AND c.page_id = ANY($2)`
		args = append(args, pageIDs)
	}
	q += fmt.Sprintf(` ORDER BY rank DESC, c.chunk_idx ASC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: fts search: %w", err)
	}
	defer rows.Close()

	var out []FTSHit
	for rows.Next() {
		var h FTSHit
		c, err := scanChunk(rows, &h.Rank)
		if err != nil {
			return nil, fmt.Errorf("storage: scan fts hit: %w", err)
		}
		h.Chunk = c
		out = append(out, h)
	}
	return out, rows.Err()
}

// VectorSearch ranks chunks by cosine distance to the query embedding.
// Chunks without a vector are excluded (nulls last by construction); ties
// break by chunk_idx ascending.
func (db *DB) VectorSearch(ctx context.Context, embedding pgvector.Vector, pageIDs []int64, limit int) ([]VectorHit, error) {
	q := `SELECT ` + chunkColumns + `, c.embedding <=> $1 AS dist
	      FROM wiki_chunks c JOIN wiki_pages p ON p.page_id = c.page_id
	      WHERE c.embedding IS NOT NULL`
	args := []any{embedding}
	if len(pageIDs) > 0 {
		q += ` AND c.page_id = ANY($2)`
		args = append(args, pageIDs)
	}
	q += fmt.Sprintf(` ORDER BY dist ASC, c.chunk_idx ASC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: vector search: %w", err)
	}
	defer rows.Close()

	var out []VectorHit
	for rows.Next() {
		var h VectorHit
		c, err := scanChunk(rows, &h.Distance)
		if err != nil {
			return nil, fmt.Errorf("storage: scan vector hit: %w", err)
		}
		h.Chunk = c
		out = append(out, h)
	}
	return out, rows.Err()
}

// ChunkWindow returns the chunks of a page whose chunk_idx falls within
// ±window of the center index, ordered by chunk_idx.
func (db *DB) ChunkWindow(ctx context.Context, pageID int64, center, window int) ([]Chunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+chunkColumns+`
		 FROM wiki_chunks c JOIN wiki_pages p ON p.page_id = c.page_id
		 WHERE c.page_id = $1 AND c.chunk_idx BETWEEN $2 AND $3
		 ORDER BY c.chunk_idx ASC`,
		pageID, center-window, center+window,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: chunk window: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan window chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunksByIDs hydrates chunks from Postgres after an ANN index lookup.
// Postgres stays the source of truth for content and titles.
func (db *DB) ChunksByIDs(ctx context.Context, ids []int64) (map[int64]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+chunkColumns+`
		 FROM wiki_chunks c JOIN wiki_pages p ON p.page_id = c.page_id
		 WHERE c.id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: chunks by ids: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// ChunksMissingEmbedding filters the given chunk IDs down to those stored
// without a vector.
func (db *DB) ChunksMissingEmbedding(ctx context.Context, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+chunkColumns+`
		 FROM wiki_chunks c JOIN wiki_pages p ON p.page_id = c.page_id
		 WHERE c.id = ANY($1) AND c.embedding IS NULL`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: chunks missing embedding: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan missing-embedding chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveChunkEmbeddings persists freshly computed vectors. ids and vectors
// are parallel slices.
func (db *DB) SaveChunkEmbeddings(ctx context.Context, ids []int64, vectors []pgvector.Vector) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("storage: save embeddings: %d ids vs %d vectors", len(ids), len(vectors))
	}
	batch := &pgx.Batch{}
	for i, id := range ids {
		batch.Queue(`UPDATE wiki_chunks SET embedding = $1 WHERE id = $2`, vectors[i], id)
	}
	br := db.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ids {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: save embeddings: %w", err)
		}
	}
	return nil
}

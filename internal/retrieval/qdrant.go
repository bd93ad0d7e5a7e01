package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// ChunkIndexConfig holds configuration for connecting to Qdrant.
type ChunkIndexConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// ChunkPoint is the data needed to upsert one corpus chunk into Qdrant.
type ChunkPoint struct {
	ChunkID   int64
	PageID    int64
	Embedding []float32
}

// ChunkHit is one ANN match: chunk ID plus raw cosine similarity. The
// caller hydrates content from Postgres, which stays the source of truth.
type ChunkHit struct {
	ChunkID int64
	Score   float32
}

// ChunkIndex is an optional ANN index over corpus chunk embeddings. When it
// is absent or unhealthy, retrieval ranks directly in pgvector.
type ChunkIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("retrieval: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("retrieval: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewChunkIndex connects to the Qdrant server via gRPC.
func NewChunkIndex(cfg ChunkIndexConfig, logger *slog.Logger) (*ChunkIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &ChunkIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the chunk collection if it doesn't already exist
// and ensures the page_id payload index is present. CreateFieldIndex is
// idempotent on Qdrant, so it runs unconditionally.
func (q *ChunkIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("retrieval: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("retrieval: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	intType := qdrant.FieldType_FieldTypeInteger
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "page_id",
		FieldType:      &intType,
	}); err != nil {
		return fmt.Errorf("retrieval: ensure index on page_id: %w", err)
	}

	return nil
}

// Search returns chunk IDs with embeddings similar to the query vector.
func (q *ChunkIndex) Search(ctx context.Context, embedding []float32, limit int) ([]ChunkHit, error) {
	if limit <= 0 {
		limit = 15
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is small and caller-bounded
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: qdrant query: %w", err)
	}

	hits := make([]ChunkHit, 0, len(scored))
	for _, sp := range scored {
		id := sp.Id.GetNum()
		if id == 0 && sp.Id.GetUuid() != "" {
			q.logger.Warn("qdrant: unexpected UUID point ID in chunk collection", "id", sp.Id.GetUuid())
			continue
		}
		hits = append(hits, ChunkHit{ChunkID: int64(id), Score: sp.Score}) //nolint:gosec
	}
	return hits, nil
}

// Upsert inserts or updates chunk points.
func (q *ChunkIndex) Upsert(ctx context.Context, points []ChunkPoint) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(p.ChunkID)), //nolint:gosec // chunk IDs are positive serials
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(map[string]any{
				"page_id": p.PageID,
			}),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("retrieval: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds so per-request checks don't hammer the health endpoint. Concurrent
// checks after cache expiry are deduplicated via singleflight.
func (q *ChunkIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("retrieval: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *ChunkIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *ChunkIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *ChunkIndex) Close() error {
	return q.client.Close()
}

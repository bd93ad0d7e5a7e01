package storage_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/storage"
	"github.com/veritas-lab/veritas/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start a Postgres container with pgvector.
	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "veritas",
			"POSTGRES_PASSWORD": "veritas",
			"POSTGRES_DB":       "veritas",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://veritas:veritas@%s:%s/veritas?sslmode=disable", host, port.Port())

	// Enable the vector extension before creating the storage layer so
	// pgvector types get registered on the pool's AfterConnect hook.
	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	if _, err := bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create vector extension: %v\n", err)
		os.Exit(1)
	}
	_ = bootstrapConn.Close(ctx)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	testDB, err = storage.New(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create storage: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func testResponse(claim string, label model.Label, confidence float64) *model.TruthCheckResponse {
	return &model.TruthCheckResponse{
		AnalysisID: uuid.New(),
		Claim:      claim,
		Label:      label,
		Confidence: confidence,
		Summary:    "요약",
		Rationale:  []string{"근거"},
		Citations: []model.Citation{
			{EvidID: "E001", Title: "보도", URL: "https://yna.co.kr/a", Quote: "인용문"},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestSaveAndGetAnalysis(t *testing.T) {
	ctx := context.Background()

	id, err := testDB.SaveAnalysis(ctx, testResponse("서울 지하철이 파업한다", model.LabelTrue, 0.85))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	rec, err := testDB.GetAnalysis(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "서울 지하철이 파업한다", rec.Claim)
	assert.Equal(t, model.LabelTrue, rec.Label)
	assert.InDelta(t, 0.85, rec.Confidence, 1e-9)
	require.Len(t, rec.Response.Citations, 1)
	assert.Equal(t, "E001", rec.Response.Citations[0].EvidID)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestGetAnalysisNotFound(t *testing.T) {
	_, err := testDB.GetAnalysis(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecentAnalysesOrderAndLimit(t *testing.T) {
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := testDB.SaveAnalysis(ctx, testResponse(fmt.Sprintf("주장 %d", i), model.LabelFalse, 0.5))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// Spread created_at so ordering is unambiguous regardless of clock
	// resolution: ids[2] newest, ids[0] oldest.
	for i, id := range ids {
		_, err := testDB.Pool().Exec(ctx,
			`UPDATE analyses SET created_at = now() - interval '1 minute' * $1 WHERE id = $2`,
			10-i, id)
		require.NoError(t, err)
	}

	records, err := testDB.RecentAnalyses(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ids[2], records[0].ID)
	assert.Equal(t, ids[1], records[1].ID)
	// Listing omits the heavy payload.
	assert.Empty(t, records[0].Response.Citations)
}

func TestCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	threadID := "thread-" + uuid.NewString()

	state := map[string]any{"claim_text": "주장", "quality_score": 80}
	require.NoError(t, testDB.SaveCheckpoint(ctx, threadID, model.StageTopK, state))

	// Backdate the first snapshot so the second is unambiguously newest.
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE checkpoint_threads SET updated_at = now() - interval '1 minute'
		 WHERE thread_id = $1`, threadID)
	require.NoError(t, err)
	require.NoError(t, testDB.SaveCheckpoint(ctx, threadID, model.StageAggregate, state))

	row, expired, err := testDB.LatestCheckpoint(ctx, threadID, time.Hour)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, model.StageAggregate, row.Stage)
	assert.JSONEq(t, `{"claim_text":"주장","quality_score":80}`, string(row.State))

	// Upsert replaces the (thread, stage) snapshot in place.
	require.NoError(t, testDB.SaveCheckpoint(ctx, threadID, model.StageAggregate, map[string]any{"quality_score": 90}))
	row, _, err = testDB.LatestCheckpoint(ctx, threadID, time.Hour)
	require.NoError(t, err)
	assert.JSONEq(t, `{"quality_score":90}`, string(row.State))
}

func TestCheckpointExpiry(t *testing.T) {
	ctx := context.Background()
	threadID := "thread-" + uuid.NewString()

	require.NoError(t, testDB.SaveCheckpoint(ctx, threadID, model.StageJudge, map[string]any{"k": 1}))
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE checkpoint_threads SET updated_at = now() - interval '2 hours'
		 WHERE thread_id = $1`, threadID)
	require.NoError(t, err)

	_, expired, err := testDB.LatestCheckpoint(ctx, threadID, time.Hour)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.True(t, expired)

	// A zero TTL disables the age check.
	row, expired, err := testDB.LatestCheckpoint(ctx, threadID, 0)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, model.StageJudge, row.Stage)
}

func TestCheckpointMissingThread(t *testing.T) {
	_, expired, err := testDB.LatestCheckpoint(context.Background(), "thread-"+uuid.NewString(), time.Hour)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, expired)
}

func TestEvictCheckpoints(t *testing.T) {
	ctx := context.Background()
	oldThread := "thread-" + uuid.NewString()
	freshThread := "thread-" + uuid.NewString()

	require.NoError(t, testDB.SaveCheckpoint(ctx, oldThread, model.StageJudge, map[string]any{"k": 1}))
	require.NoError(t, testDB.SaveCheckpoint(ctx, freshThread, model.StageJudge, map[string]any{"k": 2}))
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE checkpoint_threads SET updated_at = now() - interval '2 hours'
		 WHERE thread_id = $1`, oldThread)
	require.NoError(t, err)

	n, err := testDB.EvictCheckpoints(ctx, time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, _, err = testDB.LatestCheckpoint(ctx, oldThread, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, _, err = testDB.LatestCheckpoint(ctx, freshThread, 0)
	assert.NoError(t, err)
}

// seedCorpusPage inserts one page with the given chunk contents and returns
// the chunk IDs in chunk_idx order.
func seedCorpusPage(t *testing.T, pageID int64, title string, contents []string) []int64 {
	t.Helper()
	ctx := context.Background()

	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO wiki_pages (page_id, title, url) VALUES ($1, $2, $3)
		 ON CONFLICT (page_id) DO NOTHING`,
		pageID, title, fmt.Sprintf("https://ko.wikipedia.org/wiki/%d", pageID))
	require.NoError(t, err)

	ids := make([]int64, len(contents))
	for i, content := range contents {
		require.NoError(t, testDB.Pool().QueryRow(ctx,
			`INSERT INTO wiki_chunks (page_id, chunk_idx, content) VALUES ($1, $2, $3)
			 RETURNING id`,
			pageID, i, content).Scan(&ids[i]))
	}
	return ids
}

func TestLexicalCandidates(t *testing.T) {
	ctx := context.Background()
	ids := seedCorpusPage(t, 9001, "서울 지하철", []string{
		"서울 지하철은 1974년에 개통되었다",
		"노선은 수도권 전역을 연결한다",
		"파업은 노사 협상 결렬 시 발생한다",
	})

	chunks, err := testDB.LexicalCandidates(ctx, []string{"지하철", "파업"}, nil, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, ids[0], chunks[0].ID)
	assert.Equal(t, "서울 지하철", chunks[0].Title)
	assert.False(t, chunks[0].HasVec)

	// Page filter excludes everything else.
	chunks, err = testDB.LexicalCandidates(ctx, []string{"지하철"}, []int64{123456}, 10)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = testDB.LexicalCandidates(ctx, nil, nil, 10)
	require.NoError(t, err)
	assert.Nil(t, chunks)
}

func TestChunkWindowAndByIDs(t *testing.T) {
	ctx := context.Background()
	ids := seedCorpusPage(t, 9002, "한강", []string{"단락 0", "단락 1", "단락 2", "단락 3", "단락 4"})

	window, err := testDB.ChunkWindow(ctx, 9002, 2, 1)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, 1, window[0].ChunkIdx)
	assert.Equal(t, 3, window[2].ChunkIdx)

	byID, err := testDB.ChunksByIDs(ctx, []int64{ids[0], ids[4]})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, "단락 0", byID[ids[0]].Content)

	byID, err = testDB.ChunksByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, byID)
}

func TestEmbeddingsAndVectorSearch(t *testing.T) {
	ctx := context.Background()
	ids := seedCorpusPage(t, 9003, "경복궁", []string{"본문 하나", "본문 둘", "본문 셋"})

	missing, err := testDB.ChunksMissingEmbedding(ctx, ids)
	require.NoError(t, err)
	require.Len(t, missing, 3)

	// Unit vectors along distinct axes give exact cosine distances: the
	// query matches ids[1], is orthogonal to ids[0], opposite to ids[2].
	axis := func(i int, sign float32) pgvector.Vector {
		v := make([]float32, 1024)
		v[i] = sign
		return pgvector.NewVector(v)
	}
	require.NoError(t, testDB.SaveChunkEmbeddings(ctx,
		[]int64{ids[0], ids[1], ids[2]},
		[]pgvector.Vector{axis(0, 1), axis(1, 1), axis(1, -1)},
	))

	missing, err = testDB.ChunksMissingEmbedding(ctx, ids)
	require.NoError(t, err)
	assert.Empty(t, missing)

	hits, err := testDB.VectorSearch(ctx, axis(1, 1), []int64{9003}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, ids[1], hits[0].ID)
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-6)
	assert.Equal(t, ids[0], hits[1].ID)
	assert.InDelta(t, 1.0, hits[1].Distance, 1e-6)
	assert.Equal(t, ids[2], hits[2].ID)
	assert.InDelta(t, 2.0, hits[2].Distance, 1e-6)
	assert.True(t, hits[0].HasVec)
}

func TestFTSSearch(t *testing.T) {
	ctx := context.Background()
	seedCorpusPage(t, 9004, "Hangang River", []string{
		"the hangang river crosses seoul",
		"seoul hosts many bridges over the hangang",
		"busan is a port city",
	})

	hits, err := testDB.FTSSearch(ctx, "hangang seoul", []int64{9004}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Greater(t, h.Rank, 0.0)
		assert.Contains(t, h.Content, "hangang")
	}

	hits, err = testDB.FTSSearch(ctx, "nonexistent", []int64{9004}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSaveChunkEmbeddingsLengthMismatch(t *testing.T) {
	err := testDB.SaveChunkEmbeddings(context.Background(), []int64{1, 2}, []pgvector.Vector{pgvector.NewVector(make([]float32, 1024))})
	assert.ErrorContains(t, err, "ids vs")
}

func TestEvictCheckpointsRowCount(t *testing.T) {
	// A TTL in the future evicts nothing.
	n, err := testDB.EvictCheckpoints(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(0))
}

package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-lab/veritas/internal/model"
)

func checkpointState(claim string) *model.PipelineState {
	st := model.NewPipelineState(model.InputTypeText, claim)
	st.ClaimText = claim
	return st
}

func TestNopCheckpointer(t *testing.T) {
	var cp NopCheckpointer
	ctx := context.Background()

	require.NoError(t, cp.Put(ctx, "t1", model.StageQuerygen, checkpointState("c")))
	_, _, err := cp.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrCheckpointAbsent)
	assert.NoError(t, cp.Evict(ctx))
}

func TestMemoryCheckpointerRoundtrip(t *testing.T) {
	cp := NewMemoryCheckpointer(time.Hour)
	ctx := context.Background()

	_, _, err := cp.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrCheckpointAbsent)

	require.NoError(t, cp.Put(ctx, "t1", model.StageQuerygen, checkpointState("지하철 파업")))

	got, stage, err := cp.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StageQuerygen, stage)
	assert.Equal(t, "지하철 파업", got.ClaimText)

	// Threads are isolated.
	_, _, err = cp.Get(ctx, "t2")
	assert.ErrorIs(t, err, ErrCheckpointAbsent)
}

func TestMemoryCheckpointerNewestStageWins(t *testing.T) {
	cp := NewMemoryCheckpointer(time.Hour)
	ctx := context.Background()

	require.NoError(t, cp.Put(ctx, "t1", model.StageQuerygen, checkpointState("old")))
	require.NoError(t, cp.Put(ctx, "t1", model.StageTopK, checkpointState("new")))

	// Backdate the earlier stage so ordering is unambiguous.
	cp.mu.Lock()
	e := cp.threads["t1"][model.StageQuerygen]
	e.updatedAt = time.Now().Add(-time.Minute)
	cp.threads["t1"][model.StageQuerygen] = e
	cp.mu.Unlock()

	got, stage, err := cp.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StageTopK, stage)
	assert.Equal(t, "new", got.ClaimText)
}

func TestMemoryCheckpointerTTL(t *testing.T) {
	cp := NewMemoryCheckpointer(time.Hour)
	ctx := context.Background()

	require.NoError(t, cp.Put(ctx, "t1", model.StageQuerygen, checkpointState("c")))

	cp.mu.Lock()
	e := cp.threads["t1"][model.StageQuerygen]
	e.updatedAt = time.Now().Add(-2 * time.Hour)
	cp.threads["t1"][model.StageQuerygen] = e
	cp.mu.Unlock()

	_, _, err := cp.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrCheckpointExpired)

	require.NoError(t, cp.Evict(ctx))
	_, _, err = cp.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrCheckpointAbsent)
}

func TestSQLiteCheckpointerRoundtrip(t *testing.T) {
	ctx := context.Background()
	cp, err := NewSQLiteCheckpointer(ctx, filepath.Join(t.TempDir(), "cp.db"), time.Hour)
	require.NoError(t, err)
	defer cp.Close()

	_, _, err = cp.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrCheckpointAbsent)

	require.NoError(t, cp.Put(ctx, "t1", model.StageQuerygen, checkpointState("첫 번째")))

	got, stage, err := cp.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StageQuerygen, stage)
	assert.Equal(t, "첫 번째", got.ClaimText)

	// Same (thread, stage) upserts.
	require.NoError(t, cp.Put(ctx, "t1", model.StageQuerygen, checkpointState("두 번째")))
	got, _, err = cp.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "두 번째", got.ClaimText)
}

func TestSQLiteCheckpointerTTL(t *testing.T) {
	ctx := context.Background()
	cp, err := NewSQLiteCheckpointer(ctx, filepath.Join(t.TempDir(), "cp.db"), time.Hour)
	require.NoError(t, err)
	defer cp.Close()

	require.NoError(t, cp.Put(ctx, "t1", model.StageQuerygen, checkpointState("c")))

	// Backdate past the TTL.
	_, err = cp.db.ExecContext(ctx,
		`UPDATE checkpoint_threads SET updated_at = ?`,
		time.Now().Add(-2*time.Hour).Unix(),
	)
	require.NoError(t, err)

	_, _, err = cp.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrCheckpointExpired)

	require.NoError(t, cp.Evict(ctx))
	_, _, err = cp.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrCheckpointAbsent)
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CheckpointRow is one persisted (thread, stage) snapshot.
type CheckpointRow struct {
	ThreadID  string
	Stage     string
	State     []byte
	UpdatedAt time.Time
}

// SaveCheckpoint upserts the state snapshot for (thread, stage).
func (db *DB) SaveCheckpoint(ctx context.Context, threadID, stage string, state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("storage: marshal checkpoint: %w", err)
	}
	err = withWriteRetry(ctx, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO checkpoint_threads (thread_id, stage, state, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (thread_id, stage)
			 DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
			threadID, stage, payload,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the newest snapshot for the thread that is no
// older than ttl. ErrNotFound covers both a missing thread and an expired
// one; expired reports which.
func (db *DB) LatestCheckpoint(ctx context.Context, threadID string, ttl time.Duration) (row CheckpointRow, expired bool, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT thread_id, stage, state, updated_at
		 FROM checkpoint_threads
		 WHERE thread_id = $1
		 ORDER BY updated_at DESC LIMIT 1`, threadID,
	).Scan(&row.ThreadID, &row.Stage, &row.State, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CheckpointRow{}, false, ErrNotFound
	}
	if err != nil {
		return CheckpointRow{}, false, fmt.Errorf("storage: latest checkpoint: %w", err)
	}
	if ttl > 0 && time.Since(row.UpdatedAt) > ttl {
		return CheckpointRow{}, true, ErrNotFound
	}
	return row, false, nil
}

// EvictCheckpoints deletes snapshots older than ttl and returns how many
// rows were removed.
func (db *DB) EvictCheckpoints(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM checkpoint_threads WHERE updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(ttl.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: evict checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}

package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/storage"
)

// ErrCheckpointAbsent means no snapshot exists for the thread.
var ErrCheckpointAbsent = errors.New("pipeline: checkpoint absent")

// ErrCheckpointExpired means the thread's newest snapshot is older than TTL.
var ErrCheckpointExpired = errors.New("pipeline: checkpoint expired")

// Checkpointer persists per-stage state snapshots keyed by thread.
// Last-writer-wins per (thread_id, stage).
type Checkpointer interface {
	// Get returns the newest non-expired snapshot for the thread and the
	// stage it was taken after. ErrCheckpointAbsent / ErrCheckpointExpired
	// distinguish the two miss cases.
	Get(ctx context.Context, threadID string) (*model.PipelineState, string, error)

	// Put stores the state snapshot taken after the given stage completed.
	Put(ctx context.Context, threadID, stage string, state *model.PipelineState) error

	// Evict removes snapshots older than the TTL.
	Evict(ctx context.Context) error
}

// NopCheckpointer disables checkpointing.
type NopCheckpointer struct{}

func (NopCheckpointer) Get(context.Context, string) (*model.PipelineState, string, error) {
	return nil, "", ErrCheckpointAbsent
}
func (NopCheckpointer) Put(context.Context, string, string, *model.PipelineState) error { return nil }
func (NopCheckpointer) Evict(context.Context) error                                     { return nil }

// MemoryCheckpointer keeps snapshots in process memory. Suitable for tests
// and single-node deployments that tolerate loss on restart.
type MemoryCheckpointer struct {
	mu  sync.Mutex
	ttl time.Duration
	// thread -> stage -> entry
	threads map[string]map[string]memoryEntry
}

type memoryEntry struct {
	state     []byte
	stage     string
	updatedAt time.Time
}

// NewMemoryCheckpointer creates an in-memory backend with the given TTL.
func NewMemoryCheckpointer(ttl time.Duration) *MemoryCheckpointer {
	return &MemoryCheckpointer{ttl: ttl, threads: make(map[string]map[string]memoryEntry)}
}

func (m *MemoryCheckpointer) Get(_ context.Context, threadID string) (*model.PipelineState, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stages, ok := m.threads[threadID]
	if !ok || len(stages) == 0 {
		return nil, "", ErrCheckpointAbsent
	}

	var newest memoryEntry
	for _, e := range stages {
		if e.updatedAt.After(newest.updatedAt) {
			newest = e
		}
	}
	if m.ttl > 0 && time.Since(newest.updatedAt) > m.ttl {
		return nil, "", ErrCheckpointExpired
	}

	var state model.PipelineState
	if err := json.Unmarshal(newest.state, &state); err != nil {
		return nil, "", fmt.Errorf("pipeline: decode checkpoint: %w", err)
	}
	return &state, newest.stage, nil
}

func (m *MemoryCheckpointer) Put(_ context.Context, threadID, stage string, state *model.PipelineState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pipeline: encode checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threads[threadID] == nil {
		m.threads[threadID] = make(map[string]memoryEntry)
	}
	m.threads[threadID][stage] = memoryEntry{state: payload, stage: stage, updatedAt: time.Now()}
	return nil
}

func (m *MemoryCheckpointer) Evict(context.Context) error {
	if m.ttl <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for thread, stages := range m.threads {
		for stage, e := range stages {
			if e.updatedAt.Before(cutoff) {
				delete(stages, stage)
			}
		}
		if len(stages) == 0 {
			delete(m.threads, thread)
		}
	}
	return nil
}

// SQLiteCheckpointer stores snapshots in a local SQLite file: durable across
// restarts without requiring Postgres.
type SQLiteCheckpointer struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteCheckpointer opens (and initializes) the checkpoint database at
// path.
func NewSQLiteCheckpointer(ctx context.Context, path string, ttl time.Duration) (*SQLiteCheckpointer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open sqlite checkpoint db: %w", err)
	}
	// SQLite locks the file per writer; a single connection avoids
	// SQLITE_BUSY under concurrent stage saves.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoint_threads (
			thread_id  TEXT NOT NULL,
			stage      TEXT NOT NULL,
			state      BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, stage)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("pipeline: init sqlite checkpoint schema: %w", err)
	}
	return &SQLiteCheckpointer{db: db, ttl: ttl}, nil
}

func (s *SQLiteCheckpointer) Get(ctx context.Context, threadID string) (*model.PipelineState, string, error) {
	var payload []byte
	var stage string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT stage, state, updated_at FROM checkpoint_threads
		 WHERE thread_id = ? ORDER BY updated_at DESC LIMIT 1`, threadID,
	).Scan(&stage, &payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrCheckpointAbsent
	}
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: sqlite get checkpoint: %w", err)
	}

	if s.ttl > 0 && time.Since(time.Unix(updatedAt, 0)) > s.ttl {
		return nil, "", ErrCheckpointExpired
	}

	var state model.PipelineState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, "", fmt.Errorf("pipeline: decode checkpoint: %w", err)
	}
	return &state, stage, nil
}

func (s *SQLiteCheckpointer) Put(ctx context.Context, threadID, stage string, state *model.PipelineState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pipeline: encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_threads (thread_id, stage, state, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (thread_id, stage)
		 DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		threadID, stage, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("pipeline: sqlite put checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteCheckpointer) Evict(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.ttl).Unix()
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint_threads WHERE updated_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: sqlite evict checkpoints: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteCheckpointer) Close() error { return s.db.Close() }

// PostgresCheckpointer persists snapshots in the shared Postgres database,
// letting any replica resume a thread.
type PostgresCheckpointer struct {
	db  *storage.DB
	ttl time.Duration
}

// NewPostgresCheckpointer wraps the storage layer's checkpoint table.
func NewPostgresCheckpointer(db *storage.DB, ttl time.Duration) *PostgresCheckpointer {
	return &PostgresCheckpointer{db: db, ttl: ttl}
}

func (p *PostgresCheckpointer) Get(ctx context.Context, threadID string) (*model.PipelineState, string, error) {
	row, expired, err := p.db.LatestCheckpoint(ctx, threadID, p.ttl)
	if err != nil {
		if expired {
			return nil, "", ErrCheckpointExpired
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrCheckpointAbsent
		}
		return nil, "", err
	}

	var state model.PipelineState
	if err := json.Unmarshal(row.State, &state); err != nil {
		return nil, "", fmt.Errorf("pipeline: decode checkpoint: %w", err)
	}
	return &state, row.Stage, nil
}

func (p *PostgresCheckpointer) Put(ctx context.Context, threadID, stage string, state *model.PipelineState) error {
	return p.db.SaveCheckpoint(ctx, threadID, stage, state)
}

func (p *PostgresCheckpointer) Evict(ctx context.Context) error {
	_, err := p.db.EvictCheckpoints(ctx, p.ttl)
	return err
}

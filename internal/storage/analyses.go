package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veritas-lab/veritas/internal/model"
)

// AnalysisRecord is a persisted pipeline result.
type AnalysisRecord struct {
	ID         uuid.UUID                `json:"id"`
	Claim      string                   `json:"claim"`
	Label      model.Label              `json:"label"`
	Confidence float64                  `json:"confidence"`
	Response   model.TruthCheckResponse `json:"response"`
	CreatedAt  time.Time                `json:"created_at"`
}

// SaveAnalysis persists a completed pipeline response. The full response is
// stored as JSONB alongside denormalized claim/label/confidence columns for
// listing without deserialization.
func (db *DB) SaveAnalysis(ctx context.Context, resp *model.TruthCheckResponse) (uuid.UUID, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal analysis: %w", err)
	}

	id := uuid.New()
	err = withWriteRetry(ctx, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO analyses (id, claim, label, confidence, response)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, resp.Claim, string(resp.Label), resp.Confidence, payload,
		)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: save analysis: %w", err)
	}
	return id, nil
}

// GetAnalysis loads a persisted analysis by id.
func (db *DB) GetAnalysis(ctx context.Context, id uuid.UUID) (*AnalysisRecord, error) {
	var rec AnalysisRecord
	var payload []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, claim, label, confidence, response, created_at
		 FROM analyses WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Claim, &rec.Label, &rec.Confidence, &payload, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get analysis: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Response); err != nil {
		return nil, fmt.Errorf("storage: decode analysis %s: %w", id, err)
	}
	return &rec, nil
}

// RecentAnalyses lists the newest analyses without their full payloads.
func (db *DB) RecentAnalyses(ctx context.Context, limit int) ([]AnalysisRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, claim, label, confidence, created_at
		 FROM analyses ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent analyses: %w", err)
	}
	defer rows.Close()

	var out []AnalysisRecord
	for rows.Next() {
		var rec AnalysisRecord
		if err := rows.Scan(&rec.ID, &rec.Claim, &rec.Label, &rec.Confidence, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan analysis row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

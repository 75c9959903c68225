package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Event is the persisted risk-scored output of analyzing a batch or a
// fast-path detection. BatchID is the idempotency key: unique among live rows.
type Event struct {
	ID         int64     `json:"id"`
	BatchID    string    `json:"batch_id"`
	CameraID   string    `json:"camera_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	RiskScore  int       `json:"risk_score"`
	RiskLevel  string    `json:"risk_level"`
	Summary    string    `json:"summary"`
	Reasoning  string    `json:"reasoning"`
	Reviewed   bool      `json:"reviewed"`
	IsFastPath bool      `json:"is_fast_path"`
	LLMPrompt  string    `json:"llm_prompt,omitempty"`
	// DetectionIDs mirrors the junction for legacy consumers. The junction
	// table is authoritative.
	DetectionIDs []int64    `json:"detection_ids,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

type EventModel struct {
	DB DBTX
}

const eventColumns = `
	id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level,
	summary, reasoning, reviewed, is_fast_path, llm_prompt, detection_ids, deleted_at`

// Insert persists the event row and fills ID. Run inside the same transaction
// as LinkDetections and enrichment writes.
func (m EventModel) Insert(ctx context.Context, e *Event) error {
	legacy, err := json.Marshal(e.DetectionIDs)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO events (
			batch_id, camera_id, started_at, ended_at, risk_score, risk_level,
			summary, reasoning, reviewed, is_fast_path, llm_prompt, detection_ids
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	return m.DB.QueryRowContext(ctx, query,
		e.BatchID, e.CameraID, e.StartedAt, e.EndedAt, e.RiskScore, e.RiskLevel,
		e.Summary, e.Reasoning, e.Reviewed, e.IsFastPath, e.LLMPrompt, legacy,
	).Scan(&e.ID)
}

// LinkDetections inserts junction rows with conflict-do-nothing semantics so
// concurrent retries of the same batch never fail on the composite key.
func (m EventModel) LinkDetections(ctx context.Context, eventID int64, detectionIDs []int64) error {
	if len(detectionIDs) == 0 {
		return nil
	}
	query := `
		INSERT INTO event_detections (event_id, detection_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`
	_, err := m.DB.ExecContext(ctx, query, eventID, pq.Array(detectionIDs))
	return err
}

// GetByBatchID returns the live event for a batch, or ErrRecordNotFound.
// This is the idempotency lookup for analyze_batch.
func (m EventModel) GetByBatchID(ctx context.Context, batchID string) (*Event, error) {
	query := `
		SELECT` + eventColumns + `
		FROM events
		WHERE batch_id = $1 AND deleted_at IS NULL`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, batchID))
}

// GetByID returns an event regardless of tombstone state.
func (m EventModel) GetByID(ctx context.Context, id int64) (*Event, error) {
	query := `
		SELECT` + eventColumns + `
		FROM events
		WHERE id = $1`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

func (m EventModel) scanOne(row *sql.Row) (*Event, error) {
	var e Event
	var legacy []byte
	var prompt sql.NullString
	err := row.Scan(
		&e.ID, &e.BatchID, &e.CameraID, &e.StartedAt, &e.EndedAt, &e.RiskScore, &e.RiskLevel,
		&e.Summary, &e.Reasoning, &e.Reviewed, &e.IsFastPath, &prompt, &legacy, &e.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if prompt.Valid {
		e.LLMPrompt = prompt.String
	}
	if len(legacy) > 0 {
		_ = json.Unmarshal(legacy, &e.DetectionIDs)
	}
	return &e, nil
}

// DetectionIDsFor reads the authoritative junction for one event.
func (m EventModel) DetectionIDsFor(ctx context.Context, eventID int64) ([]int64, error) {
	query := `
		SELECT detection_id FROM event_detections
		WHERE event_id = $1
		ORDER BY detection_id ASC`
	rows, err := m.DB.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetReviewed flips the review flag on a live event.
func (m EventModel) SetReviewed(ctx context.Context, id int64, reviewed bool) error {
	query := `UPDATE events SET reviewed = $1 WHERE id = $2 AND deleted_at IS NULL`
	res, err := m.DB.ExecContext(ctx, query, reviewed, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// RecentForCamera lists recent live events for a camera, newest first. Used
// by the context enricher for cross-camera correlation.
func (m EventModel) RecentForCamera(ctx context.Context, cameraID string, since time.Time, limit int) ([]*Event, error) {
	query := `
		SELECT` + eventColumns + `
		FROM events
		WHERE camera_id = $1 AND started_at >= $2 AND deleted_at IS NULL
		ORDER BY started_at DESC
		LIMIT $3`

	rows, err := m.DB.QueryContext(ctx, query, cameraID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var legacy []byte
		var prompt sql.NullString
		if err := rows.Scan(
			&e.ID, &e.BatchID, &e.CameraID, &e.StartedAt, &e.EndedAt, &e.RiskScore, &e.RiskLevel,
			&e.Summary, &e.Reasoning, &e.Reviewed, &e.IsFastPath, &prompt, &legacy, &e.DeletedAt,
		); err != nil {
			return nil, err
		}
		if prompt.Valid {
			e.LLMPrompt = prompt.String
		}
		if len(legacy) > 0 {
			_ = json.Unmarshal(legacy, &e.DetectionIDs)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

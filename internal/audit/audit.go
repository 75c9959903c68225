package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-sentinel/internal/data"
)

// Record is one append-only analysis audit entry. RecordID is the idempotency
// key; replayed inserts are no-ops.
type Record struct {
	ID        int64           `json:"id"`
	RecordID  uuid.UUID       `json:"record_id"`
	EventID   int64           `json:"event_id"`
	BatchID   string          `json:"batch_id"`
	CameraID  string          `json:"camera_id"`
	Action    string          `json:"action"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Service writes analysis audit rows. Append-only: no update or delete
// methods exposed.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// RecordAnalysis appends one row inside the caller's event transaction so the
// audit entry lands atomically with the event.
func (s *Service) RecordAnalysis(ctx context.Context, tx data.DBTX, eventID int64, batchID, cameraID, tier string, fallback bool) error {
	meta, err := json.Marshal(map[string]any{
		"prompt_tier": tier,
		"fallback":    fallback,
	})
	if err != nil {
		return err
	}

	query := `
		INSERT INTO analysis_audit (record_id, event_id, batch_id, camera_id, action, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (record_id) DO NOTHING`

	_, err = tx.ExecContext(ctx, query, uuid.New(), eventID, batchID, cameraID, "analyze", meta)
	return err
}

package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/technosupport/ts-sentinel/internal/data"
)

// CascadeResult reports one tombstone operation.
type CascadeResult struct {
	ParentDeleted     bool      `json:"parent_deleted"`
	EventsDeleted     int64     `json:"events_deleted"`
	DetectionsDeleted int64     `json:"detections_deleted"`
	DeletedAt         time.Time `json:"deleted_at,omitempty"`
}

// RestoreResult reports one restore operation.
type RestoreResult struct {
	ParentRestored     bool  `json:"parent_restored"`
	EventsRestored     int64 `json:"events_restored"`
	DetectionsRestored int64 `json:"detections_restored"`
}

// Service applies tombstones and restores across the camera/event/detection
// hierarchy. Each operation runs in one transaction and stamps every affected
// row with the same deleted_at, which is what makes cascade restore able to
// tell its own tombstones from earlier unrelated ones.
type Service struct {
	DB *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{DB: db}
}

// SoftDeleteCamera tombstones a camera and, when cascade is set, all of its
// live events and detections. Missing camera is an error; an already
// tombstoned camera is a no-op.
func (s *Service) SoftDeleteCamera(ctx context.Context, cameraID string, cascade bool) (*CascadeResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var deletedAt *time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT deleted_at FROM cameras WHERE id = $1 FOR UPDATE`, cameraID,
	).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("camera %s: %w", cameraID, data.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	if deletedAt != nil {
		return &CascadeResult{ParentDeleted: false, DeletedAt: *deletedAt}, nil
	}

	now := time.Now().UTC()
	result := &CascadeResult{ParentDeleted: true, DeletedAt: now}

	if cascade {
		result.EventsDeleted, err = execCount(ctx, tx,
			`UPDATE events SET deleted_at = $1 WHERE camera_id = $2 AND deleted_at IS NULL`, now, cameraID)
		if err != nil {
			return nil, fmt.Errorf("camera %s: event cascade: %w", cameraID, err)
		}
		result.DetectionsDeleted, err = execCount(ctx, tx,
			`UPDATE detections SET deleted_at = $1 WHERE camera_id = $2 AND deleted_at IS NULL`, now, cameraID)
		if err != nil {
			return nil, fmt.Errorf("camera %s: detection cascade: %w", cameraID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cameras SET deleted_at = $1 WHERE id = $2`, now, cameraID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("Cascade: camera %s tombstoned (%d events, %d detections)",
		cameraID, result.EventsDeleted, result.DetectionsDeleted)
	return result, nil
}

// SoftDeleteEvent tombstones an event and, when cascade is set, its linked
// detections that no other live event still references. Shared detections
// stay live.
func (s *Service) SoftDeleteEvent(ctx context.Context, eventID int64, cascade bool) (*CascadeResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var deletedAt *time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT deleted_at FROM events WHERE id = $1 FOR UPDATE`, eventID,
	).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %d: %w", eventID, data.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	if deletedAt != nil {
		return &CascadeResult{ParentDeleted: false, DeletedAt: *deletedAt}, nil
	}

	now := time.Now().UTC()
	result := &CascadeResult{ParentDeleted: true, DeletedAt: now}

	if cascade {
		result.DetectionsDeleted, err = execCount(ctx, tx, `
			UPDATE detections d SET deleted_at = $1
			WHERE d.deleted_at IS NULL
			  AND EXISTS (
				SELECT 1 FROM event_detections ed
				WHERE ed.detection_id = d.id AND ed.event_id = $2
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM event_detections other
				JOIN events e ON e.id = other.event_id
				WHERE other.detection_id = d.id
				  AND other.event_id <> $2
				  AND e.deleted_at IS NULL
			  )`, now, eventID)
		if err != nil {
			return nil, fmt.Errorf("event %d: detection cascade: %w", eventID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET deleted_at = $1 WHERE id = $2`, now, eventID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// SoftDeleteEventsBulk tombstones a set of events in one transaction. A
// detection is tombstoned only when every live event referencing it belongs
// to the set, so cross-linked detections survive partial deletions.
func (s *Service) SoftDeleteEventsBulk(ctx context.Context, eventIDs []int64, cascade bool) (*CascadeResult, error) {
	if len(eventIDs) == 0 {
		return &CascadeResult{}, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result := &CascadeResult{DeletedAt: now}
	ids := pq.Array(eventIDs)

	if cascade {
		result.DetectionsDeleted, err = execCount(ctx, tx, `
			UPDATE detections d SET deleted_at = $1
			WHERE d.deleted_at IS NULL
			  AND EXISTS (
				SELECT 1 FROM event_detections ed
				JOIN events e ON e.id = ed.event_id
				WHERE ed.detection_id = d.id
				  AND e.deleted_at IS NULL
				  AND ed.event_id = ANY($2)
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM event_detections other
				JOIN events e ON e.id = other.event_id
				WHERE other.detection_id = d.id
				  AND e.deleted_at IS NULL
				  AND NOT (other.event_id = ANY($2))
			  )`, now, ids)
		if err != nil {
			return nil, fmt.Errorf("bulk event delete: detection cascade: %w", err)
		}
	}

	result.EventsDeleted, err = execCount(ctx, tx,
		`UPDATE events SET deleted_at = $1 WHERE id = ANY($2) AND deleted_at IS NULL`, now, ids)
	if err != nil {
		return nil, fmt.Errorf("bulk event delete: %w", err)
	}
	result.ParentDeleted = result.EventsDeleted > 0

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("Cascade: %d/%d events tombstoned in bulk (%d detections)",
		result.EventsDeleted, len(eventIDs), result.DetectionsDeleted)
	return result, nil
}

// RestoreCamera lifts a camera's tombstone and, when cascade is set, those of
// its events and detections tombstoned at or after the camera was. Rows
// tombstoned earlier by unrelated operations stay tombstoned.
func (s *Service) RestoreCamera(ctx context.Context, cameraID string, cascade bool) (*RestoreResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var deletedAt *time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT deleted_at FROM cameras WHERE id = $1 FOR UPDATE`, cameraID,
	).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("camera %s: %w", cameraID, data.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	if deletedAt == nil {
		return &RestoreResult{ParentRestored: false}, nil
	}

	result := &RestoreResult{ParentRestored: true}

	if cascade {
		result.EventsRestored, err = execCount(ctx, tx,
			`UPDATE events SET deleted_at = NULL WHERE camera_id = $1 AND deleted_at >= $2`, cameraID, *deletedAt)
		if err != nil {
			return nil, fmt.Errorf("camera %s: event restore: %w", cameraID, err)
		}
		result.DetectionsRestored, err = execCount(ctx, tx,
			`UPDATE detections SET deleted_at = NULL WHERE camera_id = $1 AND deleted_at >= $2`, cameraID, *deletedAt)
		if err != nil {
			return nil, fmt.Errorf("camera %s: detection restore: %w", cameraID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cameras SET deleted_at = NULL WHERE id = $1`, cameraID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("Cascade: camera %s restored (%d events, %d detections)",
		cameraID, result.EventsRestored, result.DetectionsRestored)
	return result, nil
}

// RestoreEvent is the event-level counterpart: linked detections tombstoned
// at or after the event come back with it.
func (s *Service) RestoreEvent(ctx context.Context, eventID int64, cascade bool) (*RestoreResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var deletedAt *time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT deleted_at FROM events WHERE id = $1 FOR UPDATE`, eventID,
	).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %d: %w", eventID, data.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	if deletedAt == nil {
		return &RestoreResult{ParentRestored: false}, nil
	}

	result := &RestoreResult{ParentRestored: true}

	if cascade {
		result.DetectionsRestored, err = execCount(ctx, tx, `
			UPDATE detections d SET deleted_at = NULL
			WHERE d.deleted_at >= $1
			  AND EXISTS (
				SELECT 1 FROM event_detections ed
				WHERE ed.detection_id = d.id AND ed.event_id = $2
			  )`, *deletedAt, eventID)
		if err != nil {
			return nil, fmt.Errorf("event %d: detection restore: %w", eventID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET deleted_at = NULL WHERE id = $1`, eventID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

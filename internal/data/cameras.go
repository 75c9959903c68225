package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Camera represents a monitored ingest source. FolderPath is where the
// watchdog collaborator drops captured media for this camera.
type Camera struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	FolderPath string          `json:"folder_path"`
	Status     string          `json:"status"`
	Zones      json.RawMessage `json:"zones,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
}

type CameraModel struct {
	DB DBTX
}

// Create registers a camera. folder_path is unique among live rows (partial
// unique index), so a deleted camera's folder can be re-registered.
func (m CameraModel) Create(ctx context.Context, c *Camera) error {
	query := `
		INSERT INTO cameras (id, name, folder_path, status, zones)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	zones := c.Zones
	if len(zones) == 0 {
		zones = json.RawMessage("[]")
	}
	return m.DB.QueryRowContext(ctx, query,
		c.ID, c.Name, c.FolderPath, c.Status, zones,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

// GetByID retrieves a live camera.
func (m CameraModel) GetByID(ctx context.Context, id string) (*Camera, error) {
	query := `
		SELECT id, name, folder_path, status, zones, created_at, updated_at, deleted_at
		FROM cameras
		WHERE id = $1 AND deleted_at IS NULL`

	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

// GetAnyByID retrieves a camera regardless of tombstone state. The cascade
// service needs to see deleted rows.
func (m CameraModel) GetAnyByID(ctx context.Context, id string) (*Camera, error) {
	query := `
		SELECT id, name, folder_path, status, zones, created_at, updated_at, deleted_at
		FROM cameras
		WHERE id = $1`

	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

func (m CameraModel) scanOne(row *sql.Row) (*Camera, error) {
	var c Camera
	var zones []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.FolderPath, &c.Status, &zones,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Zones = zones
	return &c, nil
}

// List returns live cameras ordered by name.
func (m CameraModel) List(ctx context.Context) ([]*Camera, error) {
	query := `
		SELECT id, name, folder_path, status, zones, created_at, updated_at
		FROM cameras
		WHERE deleted_at IS NULL
		ORDER BY name ASC`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cameras []*Camera
	for rows.Next() {
		var c Camera
		var zones []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.FolderPath, &c.Status, &zones, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Zones = zones
		cameras = append(cameras, &c)
	}
	return cameras, rows.Err()
}

// SetStatus updates the camera status (online/offline/disabled).
func (m CameraModel) SetStatus(ctx context.Context, id, status string) error {
	query := `UPDATE cameras SET status = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`
	res, err := m.DB.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/lib/pq"
)

const (
	// DefaultFetchChunk bounds the number of ids per containment query in the
	// bulk fetchers. MaxFetchChunk is the hard ceiling callers may request.
	DefaultFetchChunk = 250
	MaxFetchChunk     = 1000
)

// Detection is one object sighting reported by the detector service.
// EnrichmentData is deferred: list queries never select it; it is loaded on
// demand and written atomically with the owning event.
type Detection struct {
	ID              int64           `json:"id"`
	CameraID        string          `json:"camera_id"`
	FilePath        string          `json:"file_path"`
	FileType        string          `json:"file_type,omitempty"`
	DetectedAt      time.Time       `json:"detected_at"`
	ObjectType      string          `json:"object_type"`
	Confidence      *float64        `json:"confidence,omitempty"`
	BBoxX           *float64        `json:"bbox_x,omitempty"`
	BBoxY           *float64        `json:"bbox_y,omitempty"`
	BBoxWidth       *float64        `json:"bbox_width,omitempty"`
	BBoxHeight      *float64        `json:"bbox_height,omitempty"`
	ThumbnailPath   *string         `json:"thumbnail_path,omitempty"`
	MediaType       *string         `json:"media_type,omitempty"`
	Duration        *float64        `json:"duration,omitempty"`
	VideoCodec      *string         `json:"video_codec,omitempty"`
	VideoWidth      *int            `json:"video_width,omitempty"`
	VideoHeight     *int            `json:"video_height,omitempty"`
	TrackID         *int64          `json:"track_id,omitempty"`
	TrackConfidence *float64        `json:"track_confidence,omitempty"`
	EnrichmentData  json.RawMessage `json:"enrichment_data,omitempty"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
}

type DetectionModel struct {
	DB DBTX
}

const detectionColumns = `
	id, camera_id, file_path, file_type, detected_at, object_type, confidence,
	bbox_x, bbox_y, bbox_width, bbox_height, thumbnail_path, media_type,
	duration, video_codec, video_width, video_height, track_id, track_confidence, deleted_at`

// Insert persists a detection and fills ID and DetectedAt.
// Confidence and track_confidence are clamped to [0,1] before write so the
// CHECK constraints never reject detector noise.
func (m DetectionModel) Insert(ctx context.Context, d *Detection) error {
	d.Confidence = clampUnit(d.Confidence)
	d.TrackConfidence = clampUnit(d.TrackConfidence)

	query := `
		INSERT INTO detections (
			camera_id, file_path, file_type, object_type, confidence,
			bbox_x, bbox_y, bbox_width, bbox_height, thumbnail_path, media_type,
			duration, video_codec, video_width, video_height, track_id, track_confidence
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, detected_at`

	return m.DB.QueryRowContext(ctx, query,
		d.CameraID, d.FilePath, d.FileType, d.ObjectType, d.Confidence,
		d.BBoxX, d.BBoxY, d.BBoxWidth, d.BBoxHeight, d.ThumbnailPath, d.MediaType,
		d.Duration, d.VideoCodec, d.VideoWidth, d.VideoHeight, d.TrackID, d.TrackConfidence,
	).Scan(&d.ID, &d.DetectedAt)
}

func clampUnit(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return &c
}

// FetchOptions tune the bulk fetchers.
type FetchOptions struct {
	ChunkSize        int  // 0 means DefaultFetchChunk; capped at MaxFetchChunk
	OrderByDetection bool // order results by detected_at ascending
}

func (o FetchOptions) chunk() int {
	n := o.ChunkSize
	if n <= 0 {
		n = DefaultFetchChunk
	}
	if n > MaxFetchChunk {
		n = MaxFetchChunk
	}
	return n
}

// FetchByIDs loads live detections for the given ids. Input ids are
// deduplicated and split into bounded chunks, one containment query each, so
// arbitrarily large batches never produce an unbounded IN list or N+1 loops.
func (m DetectionModel) FetchByIDs(ctx context.Context, ids []int64, opts FetchOptions) ([]*Detection, error) {
	ids = dedupIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	chunk := opts.chunk()
	var out []*Detection
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		part, err := m.fetchChunk(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}

	if opts.OrderByDetection {
		sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	}
	return out, nil
}

// FetchMapByIDs returns an id-keyed map for O(1) lookup.
func (m DetectionModel) FetchMapByIDs(ctx context.Context, ids []int64, opts FetchOptions) (map[int64]*Detection, error) {
	rows, err := m.FetchByIDs(ctx, ids, opts)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*Detection, len(rows))
	for _, d := range rows {
		out[d.ID] = d
	}
	return out, nil
}

// FetchPathsByIDs returns only the file paths, for callers that feed media
// into the enrichment pipeline and need nothing else.
func (m DetectionModel) FetchPathsByIDs(ctx context.Context, ids []int64) ([]string, error) {
	ids = dedupIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	var paths []string
	for start := 0; start < len(ids); start += DefaultFetchChunk {
		end := start + DefaultFetchChunk
		if end > len(ids) {
			end = len(ids)
		}
		query := `SELECT file_path FROM detections WHERE id = ANY($1) AND deleted_at IS NULL`
		rows, err := m.DB.QueryContext(ctx, query, pq.Array(ids[start:end]))
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, err
			}
			paths = append(paths, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return paths, nil
}

func (m DetectionModel) fetchChunk(ctx context.Context, ids []int64) ([]*Detection, error) {
	query := `
		SELECT` + detectionColumns + `
		FROM detections
		WHERE id = ANY($1) AND deleted_at IS NULL`

	rows, err := m.DB.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDetection(rows *sql.Rows) (*Detection, error) {
	var d Detection
	err := rows.Scan(
		&d.ID, &d.CameraID, &d.FilePath, &d.FileType, &d.DetectedAt, &d.ObjectType, &d.Confidence,
		&d.BBoxX, &d.BBoxY, &d.BBoxWidth, &d.BBoxHeight, &d.ThumbnailPath, &d.MediaType,
		&d.Duration, &d.VideoCodec, &d.VideoWidth, &d.VideoHeight, &d.TrackID, &d.TrackConfidence, &d.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func dedupIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GetEnrichment loads the deferred enrichment column for one detection.
func (m DetectionModel) GetEnrichment(ctx context.Context, id int64) (json.RawMessage, error) {
	var raw []byte
	query := `SELECT enrichment_data FROM detections WHERE id = $1 AND deleted_at IS NULL`
	err := m.DB.QueryRowContext(ctx, query, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// SetEnrichment writes the enrichment map for one detection. Called inside
// the event-persistence transaction so event and enrichment land together.
func (m DetectionModel) SetEnrichment(ctx context.Context, id int64, enrichment json.RawMessage) error {
	query := `UPDATE detections SET enrichment_data = $1 WHERE id = $2`
	_, err := m.DB.ExecContext(ctx, query, []byte(enrichment), id)
	return err
}

// AttachToCamera is a write-only accessor: it repoints a detection's foreign
// key without ever materializing the camera's detection collection.
func (m DetectionModel) AttachToCamera(ctx context.Context, detectionID int64, cameraID string) error {
	query := `UPDATE detections SET camera_id = $1 WHERE id = $2 AND deleted_at IS NULL`
	res, err := m.DB.ExecContext(ctx, query, cameraID, detectionID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// CountRecentForCamera counts live detections for a camera inside a window.
// Used by the context enricher for activity baselines.
func (m DetectionModel) CountRecentForCamera(ctx context.Context, cameraID string, since time.Time) (int, error) {
	query := `
		SELECT count(*) FROM detections
		WHERE camera_id = $1 AND detected_at >= $2 AND deleted_at IS NULL`
	var n int
	err := m.DB.QueryRowContext(ctx, query, cameraID, since).Scan(&n)
	return n, err
}

// RecentForCameras lists recent live detections across a camera set, newest
// first, for cross-camera correlation.
func (m DetectionModel) RecentForCameras(ctx context.Context, cameraIDs []string, since time.Time, limit int) ([]*Detection, error) {
	if len(cameraIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT` + detectionColumns + `
		FROM detections
		WHERE camera_id = ANY($1) AND detected_at >= $2 AND deleted_at IS NULL
		ORDER BY detected_at DESC
		LIMIT $3`

	rows, err := m.DB.QueryContext(ctx, query, pq.Array(cameraIDs), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

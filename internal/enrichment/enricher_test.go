package enrichment_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/enrichment"
)

func newTestEnricher(t *testing.T) (*enrichment.Enricher, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := enrichment.NewEnricher(
		data.CameraModel{DB: db}, data.EventModel{DB: db}, rdb,
	)
	return e, mock, mr
}

var cameraCols = []string{"id", "name", "folder_path", "status", "zones", "created_at", "updated_at", "deleted_at"}

func cameraRow(zones string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(cameraCols).
		AddRow("cam1", "Front Door", "/media/cam1", "online", []byte(zones), now, now, nil)
}

func fptr(v float64) *float64 { return &v }

func TestBuildContext_ZoneHits(t *testing.T) {
	e, mock, _ := newTestEnricher(t)

	zones := `[{"name": "porch", "polygon": [[0,0],[10,0],[10,10],[0,10]]}]`
	mock.ExpectQuery(`SELECT (.+) FROM cameras WHERE id = \$1 AND deleted_at IS NULL`).
		WithArgs("cam1").
		WillReturnRows(cameraRow(zones))
	// Cross-camera lookup lists live cameras.
	mock.ExpectQuery(`SELECT (.+) FROM cameras WHERE deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "folder_path", "status", "zones", "created_at", "updated_at"}))

	detections := []*data.Detection{
		{ID: 1, BBoxX: fptr(2), BBoxY: fptr(2), BBoxWidth: fptr(4), BBoxHeight: fptr(4)},   // center (4,4): inside
		{ID: 2, BBoxX: fptr(20), BBoxY: fptr(20), BBoxWidth: fptr(2), BBoxHeight: fptr(2)}, // outside
		{ID: 3}, // no bbox
	}

	ectx, err := e.BuildContext(context.Background(), "cam1", detections)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if ectx.Camera == nil || ectx.Camera.Name != "Front Door" {
		t.Errorf("camera = %+v", ectx.Camera)
	}
	if len(ectx.Zones) != 1 || ectx.Zones[0].Name != "porch" {
		t.Errorf("zones = %+v", ectx.Zones)
	}
	if hits := ectx.ZoneHits[1]; len(hits) != 1 || hits[0] != "porch" {
		t.Errorf("zone hits for 1 = %v, want [porch]", hits)
	}
	if _, ok := ectx.ZoneHits[2]; ok {
		t.Error("detection outside the zone should have no hits")
	}
	if _, ok := ectx.ZoneHits[3]; ok {
		t.Error("detection without bbox should have no hits")
	}
}

func TestBuildContext_BaselineUnusual(t *testing.T) {
	e, mock, mr := newTestEnricher(t)

	mock.ExpectQuery(`SELECT (.+) FROM cameras WHERE id = \$1 AND deleted_at IS NULL`).
		WillReturnRows(cameraRow("[]"))
	mock.ExpectQuery(`SELECT (.+) FROM cameras WHERE deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "folder_path", "status", "zones", "created_at", "updated_at"}))

	// Trailing week averaged 2/hour at this hour of day.
	now := time.Now().UTC()
	for i := 1; i <= 7; i++ {
		key := "baseline:cam1:" + now.AddDate(0, 0, -i).Format("2006010215")
		mr.Set(key, "2")
	}

	detections := make([]*data.Detection, 9)
	for i := range detections {
		detections[i] = &data.Detection{ID: int64(i + 1)}
	}

	ectx, err := e.BuildContext(context.Background(), "cam1", detections)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	b := ectx.Baseline
	if b == nil {
		t.Fatal("baseline missing")
	}
	if b.HourlyAverage != 2 || b.CurrentCount != 9 {
		t.Errorf("baseline = %+v", b)
	}
	if !b.Unusual {
		t.Error("9 detections against an average of 2 should be unusual")
	}
}

func TestRecordDetection_BumpsHourlyCounter(t *testing.T) {
	e, _, mr := newTestEnricher(t)

	at := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	e.RecordDetection(context.Background(), "cam1", at)
	e.RecordDetection(context.Background(), "cam1", at)

	key := "baseline:cam1:2026082014"
	v, err := mr.Get(key)
	if err != nil {
		t.Fatalf("counter key missing: %v", err)
	}
	if n, _ := strconv.Atoi(v); n != 2 {
		t.Errorf("counter = %s, want 2", v)
	}
	if mr.TTL(key) <= 0 {
		t.Error("counter should expire")
	}
}

func TestBuildContext_CameraCached(t *testing.T) {
	e, mock, _ := newTestEnricher(t)

	// One camera fetch serves both calls; list queries still run per call.
	mock.ExpectQuery(`SELECT (.+) FROM cameras WHERE id = \$1 AND deleted_at IS NULL`).
		WillReturnRows(cameraRow("[]"))
	mock.ExpectQuery(`SELECT (.+) FROM cameras WHERE deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "folder_path", "status", "zones", "created_at", "updated_at"}))
	mock.ExpectQuery(`SELECT (.+) FROM cameras WHERE deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "folder_path", "status", "zones", "created_at", "updated_at"}))

	if _, err := e.BuildContext(context.Background(), "cam1", nil); err != nil {
		t.Fatalf("first BuildContext: %v", err)
	}
	if _, err := e.BuildContext(context.Background(), "cam1", nil); err != nil {
		t.Fatalf("second BuildContext: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

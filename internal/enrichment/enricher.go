package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/data"
)

const (
	cameraCacheSize = 256
	cameraCacheTTL  = time.Minute

	baselineDays      = 7
	baselineKeyTTL    = (baselineDays + 1) * 24 * time.Hour
	crossCameraWindow = 15 * time.Minute
	crossCameraLimit  = 10
)

// Zone is a named region of a camera's field of view, stored as JSONB on the
// camera row.
type Zone struct {
	Name    string       `json:"name"`
	Type    string       `json:"type,omitempty"`
	Polygon [][2]float64 `json:"polygon"`
}

// Contains reports whether the point lies inside the polygon (ray cast).
func (z Zone) Contains(x, y float64) bool {
	n := len(z.Polygon)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := z.Polygon[i][0], z.Polygon[i][1]
		xj, yj := z.Polygon[j][0], z.Polygon[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Baseline summarizes the camera's typical activity for the current hour.
type Baseline struct {
	HourlyAverage float64 `json:"hourly_average"`
	CurrentCount  int     `json:"current_count"`
	Unusual       bool    `json:"unusual"`
}

// CrossCameraEvent is a recent event on another camera, for correlation.
type CrossCameraEvent struct {
	CameraID  string    `json:"camera_id"`
	RiskLevel string    `json:"risk_level"`
	Summary   string    `json:"summary"`
	StartedAt time.Time `json:"started_at"`
}

// Context is the enriched situational input to prompt formatting.
type Context struct {
	Camera      *data.Camera
	Zones       []Zone
	ZoneHits    map[int64][]string // detection id -> zone names its bbox center falls in
	Baseline    *Baseline
	CrossCamera []CrossCameraEvent
}

type cachedCamera struct {
	camera   *data.Camera
	cachedAt time.Time
}

// Enricher builds analysis context from camera zones, Redis activity
// baselines, and recent cross-camera events. Camera rows are LRU-cached; the
// analyzer resolves the same handful of cameras for every batch.
type Enricher struct {
	cameras  data.CameraModel
	events   data.EventModel
	rdb      *redis.Client
	camCache *lru.Cache[string, cachedCamera]
}

func NewEnricher(cameras data.CameraModel, events data.EventModel, rdb *redis.Client) *Enricher {
	cache, _ := lru.New[string, cachedCamera](cameraCacheSize)
	return &Enricher{cameras: cameras, events: events, rdb: rdb, camCache: cache}
}

func baselineKey(cameraID string, t time.Time) string {
	return fmt.Sprintf("baseline:%s:%s", cameraID, t.UTC().Format("2006010215"))
}

// RecordDetection bumps the camera's activity counter for the current hour.
// Detector side effect; failures are logged, never surfaced.
func (e *Enricher) RecordDetection(ctx context.Context, cameraID string, at time.Time) {
	if e.rdb == nil {
		return
	}
	key := baselineKey(cameraID, at)
	pipe := e.rdb.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, baselineKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[WARN] Enricher: baseline update for %s failed: %v", cameraID, err)
	}
}

// BuildContext assembles zones, baseline, and cross-camera activity for one
// camera's batch. Partial failures degrade the context rather than failing
// the analysis.
func (e *Enricher) BuildContext(ctx context.Context, cameraID string, detections []*data.Detection) (*Context, error) {
	cam, err := e.camera(ctx, cameraID)
	if err != nil {
		return nil, err
	}

	out := &Context{Camera: cam}

	if len(cam.Zones) > 0 {
		if err := json.Unmarshal(cam.Zones, &out.Zones); err != nil {
			log.Printf("[WARN] Enricher: camera %s has unparseable zones: %v", cameraID, err)
		}
	}
	out.ZoneHits = e.matchZones(out.Zones, detections)

	if b, err := e.baseline(ctx, cameraID, len(detections)); err == nil {
		out.Baseline = b
	} else {
		log.Printf("[WARN] Enricher: baseline read for %s failed: %v", cameraID, err)
	}

	if events, err := e.crossCamera(ctx, cameraID); err == nil {
		out.CrossCamera = events
	} else {
		log.Printf("[WARN] Enricher: cross-camera lookup failed: %v", err)
	}

	return out, nil
}

func (e *Enricher) camera(ctx context.Context, cameraID string) (*data.Camera, error) {
	if entry, ok := e.camCache.Get(cameraID); ok && time.Since(entry.cachedAt) < cameraCacheTTL {
		return entry.camera, nil
	}
	cam, err := e.cameras.GetByID(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	e.camCache.Add(cameraID, cachedCamera{camera: cam, cachedAt: time.Now()})
	return cam, nil
}

func (e *Enricher) matchZones(zones []Zone, detections []*data.Detection) map[int64][]string {
	if len(zones) == 0 {
		return nil
	}
	hits := make(map[int64][]string)
	for _, d := range detections {
		if d.BBoxX == nil || d.BBoxY == nil || d.BBoxWidth == nil || d.BBoxHeight == nil {
			continue
		}
		cx := *d.BBoxX + *d.BBoxWidth/2
		cy := *d.BBoxY + *d.BBoxHeight/2
		for _, z := range zones {
			if z.Contains(cx, cy) {
				hits[d.ID] = append(hits[d.ID], z.Name)
			}
		}
	}
	return hits
}

// baseline averages the same hour-of-day over the trailing week with one
// pipelined fetch.
func (e *Enricher) baseline(ctx context.Context, cameraID string, currentCount int) (*Baseline, error) {
	if e.rdb == nil {
		return nil, fmt.Errorf("no key-value client")
	}

	now := time.Now()
	pipe := e.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, baselineDays)
	for i := 0; i < baselineDays; i++ {
		cmds[i] = pipe.Get(ctx, baselineKey(cameraID, now.AddDate(0, 0, -(i+1))))
	}
	_, _ = pipe.Exec(ctx) // redis.Nil per-command is expected

	var sum, samples float64
	for _, cmd := range cmds {
		v, err := cmd.Float64()
		if err != nil {
			continue
		}
		sum += v
		samples++
	}

	b := &Baseline{CurrentCount: currentCount}
	if samples > 0 {
		b.HourlyAverage = sum / samples
		b.Unusual = float64(currentCount) > 2*b.HourlyAverage && currentCount >= 3
	}
	return b, nil
}

func (e *Enricher) crossCamera(ctx context.Context, cameraID string) ([]CrossCameraEvent, error) {
	cams, err := e.cameras.List(ctx)
	if err != nil {
		return nil, err
	}

	since := time.Now().Add(-crossCameraWindow)
	var out []CrossCameraEvent
	for _, cam := range cams {
		if cam.ID == cameraID {
			continue
		}
		events, err := e.events.RecentForCamera(ctx, cam.ID, since, crossCameraLimit)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			out = append(out, CrossCameraEvent{
				CameraID:  ev.CameraID,
				RiskLevel: ev.RiskLevel,
				Summary:   ev.Summary,
				StartedAt: ev.StartedAt,
			})
			if len(out) >= crossCameraLimit {
				return out, nil
			}
		}
	}
	return out, nil
}

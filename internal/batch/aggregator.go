package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/gpu"
	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/queue"
)

const (
	// FastPathPrefix marks synthetic batch ids for fast-path events.
	FastPathPrefix = "fast_path_"

	scanBatchSize = 100
)

var (
	ErrNoStore            = errors.New("key-value client not configured")
	ErrInvalidDetectionID = errors.New("detection id must be a positive integer")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrQueueRejected      = errors.New("analysis queue rejected batch")
)

// FastPathFunc is invoked asynchronously for qualifying high-confidence
// detections. The analyzer's AnalyzeDetectionFastPath satisfies it.
type FastPathFunc func(ctx context.Context, cameraID string, detectionID int64)

// PressureSource reports the current GPU memory-pressure level.
type PressureSource interface {
	CurrentLevel() gpu.Level
}

// Summary describes a closed batch.
type Summary struct {
	BatchID        string    `json:"batch_id"`
	CameraID       string    `json:"camera_id"`
	DetectionCount int       `json:"detection_count"`
	Detections     []int64   `json:"detections"`
	StartedAt      float64   `json:"started_at"`
	ClosedAt       time.Time `json:"closed_at"`
}

// Aggregator groups per-camera detections into time-bounded batches in Redis
// and hands closed batches to the analysis queue. Qualifying detections skip
// batching entirely via the fast path.
//
// Key families (all values strings):
//
//	batch:{camera_id}:current      -> active batch id
//	batch:{batch_id}:camera_id
//	batch:{batch_id}:started_at    -> float seconds since epoch
//	batch:{batch_id}:last_activity -> float seconds since epoch
//	batch:{batch_id}:detections    -> list of detection ids
type Aggregator struct {
	rdb      *redis.Client
	queues   *queue.Manager
	cfg      *config.Store
	pressure PressureSource
	fastPath FastPathFunc

	// now is swappable for timeout tests
	now func() time.Time
}

func NewAggregator(rdb *redis.Client, queues *queue.Manager, cfg *config.Store, pressure PressureSource) *Aggregator {
	return &Aggregator{
		rdb:      rdb,
		queues:   queues,
		cfg:      cfg,
		pressure: pressure,
		now:      time.Now,
	}
}

// SetFastPath wires the fast-path analyzer callback. Wired after construction
// because the analyzer and aggregator reference each other.
func (a *Aggregator) SetFastPath(fn FastPathFunc) {
	a.fastPath = fn
}

func currentKey(cameraID string) string { return "batch:" + cameraID + ":current" }
func cameraKey(bid string) string       { return "batch:" + bid + ":camera_id" }
func startedKey(bid string) string      { return "batch:" + bid + ":started_at" }
func activityKey(bid string) string     { return "batch:" + bid + ":last_activity" }
func detectionsKey(bid string) string   { return "batch:" + bid + ":detections" }

func formatTS(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

// releaseCurrent drops the camera's current-batch pointer only while it still
// names the batch being closed. A pointer already replaced by a newer batch
// is left alone.
var releaseCurrent = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// AddDetection routes a detection into its camera's current batch, creating
// one if needed, or diverts it to the fast path. Returns the batch id the
// detection landed in (synthetic fast_path_<id> for fast-path diverts).
func (a *Aggregator) AddDetection(ctx context.Context, cameraID string, detectionID int64, confidence *float64, objectType string) (string, error) {
	if a.rdb == nil {
		return "", ErrNoStore
	}
	if detectionID <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidDetectionID, detectionID)
	}

	if a.qualifiesForFastPath(confidence, objectType) {
		bid := fmt.Sprintf("%s%d", FastPathPrefix, detectionID)
		if a.fastPath != nil {
			go a.fastPath(context.WithoutCancel(ctx), cameraID, detectionID)
		}
		log.Printf("Batch Aggregator: detection %d on %s diverted to fast path", detectionID, cameraID)
		return bid, nil
	}

	bid, err := a.ensureBatch(ctx, cameraID)
	if err != nil {
		return "", err
	}

	now := formatTS(a.now())
	pipe := a.rdb.Pipeline()
	pipe.RPush(ctx, detectionsKey(bid), detectionID)
	pipe.Set(ctx, activityKey(bid), now, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("batch append: %w", err)
	}
	return bid, nil
}

func (a *Aggregator) qualifiesForFastPath(confidence *float64, objectType string) bool {
	if confidence == nil || objectType == "" {
		return false
	}
	p := a.cfg.Current().Pipeline
	if *confidence < p.FastPathConfidenceThreshold {
		return false
	}
	want := strings.ToLower(objectType)
	for _, t := range p.FastPathObjectTypes {
		if strings.ToLower(t) == want {
			return true
		}
	}
	return false
}

// ensureBatch returns the camera's current batch id, creating batch state
// atomically when absent. Concurrent first-detections race on SetNX; the
// loser re-reads the winner's id.
func (a *Aggregator) ensureBatch(ctx context.Context, cameraID string) (string, error) {
	bid, err := a.rdb.Get(ctx, currentKey(cameraID)).Result()
	if err == nil {
		return bid, nil
	}
	if err != redis.Nil {
		return "", fmt.Errorf("batch current read: %w", err)
	}

	newBid := uuid.NewString()
	ok, err := a.rdb.SetNX(ctx, currentKey(cameraID), newBid, 0).Result()
	if err != nil {
		return "", fmt.Errorf("batch create: %w", err)
	}
	if !ok {
		// Lost the race: another producer created the batch.
		bid, err := a.rdb.Get(ctx, currentKey(cameraID)).Result()
		if err != nil {
			return "", fmt.Errorf("batch current re-read: %w", err)
		}
		return bid, nil
	}

	now := formatTS(a.now())
	pipe := a.rdb.TxPipeline()
	pipe.Set(ctx, cameraKey(newBid), cameraID, 0)
	pipe.Set(ctx, startedKey(newBid), now, 0)
	pipe.Set(ctx, activityKey(newBid), now, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("batch metadata write: %w", err)
	}
	log.Printf("Batch Aggregator: opened batch %s for camera %s", newBid, cameraID)
	return newBid, nil
}

// CheckBatchTimeouts sweeps all open batches and closes those whose window or
// idle timeout elapsed (boundary inclusive). The window timeout dominates:
// a batch past its window closes even with recent activity. Per-batch close
// failures are logged and do not abort the sweep.
func (a *Aggregator) CheckBatchTimeouts(ctx context.Context) ([]string, error) {
	if a.rdb == nil {
		return nil, ErrNoStore
	}

	var currentKeys []string
	iter := a.rdb.Scan(ctx, 0, "batch:*:current", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		currentKeys = append(currentKeys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("batch scan: %w", err)
	}
	if len(currentKeys) == 0 {
		return nil, nil
	}

	// Phase 1: resolve batch ids for every camera key in one round trip.
	pipe := a.rdb.Pipeline()
	getCmds := make([]*redis.StringCmd, len(currentKeys))
	for i, key := range currentKeys {
		getCmds[i] = pipe.Get(ctx, key)
	}
	_, _ = pipe.Exec(ctx) // individual cmd errors checked below

	var bids []string
	for _, cmd := range getCmds {
		bid, err := cmd.Result()
		if err != nil {
			continue // key expired between scan and fetch
		}
		bids = append(bids, bid)
	}
	if len(bids) == 0 {
		return nil, nil
	}

	// Phase 2: fetch both timestamps per batch in one round trip.
	pipe = a.rdb.Pipeline()
	startCmds := make([]*redis.StringCmd, len(bids))
	actCmds := make([]*redis.StringCmd, len(bids))
	for i, bid := range bids {
		startCmds[i] = pipe.Get(ctx, startedKey(bid))
		actCmds[i] = pipe.Get(ctx, activityKey(bid))
	}
	_, _ = pipe.Exec(ctx)

	p := a.cfg.Current().Pipeline
	window := p.BatchWindow().Seconds()
	idleMax := p.IdleTimeout().Seconds()
	nowSec := float64(a.now().UnixNano()) / 1e9

	var closed []string
	for i, bid := range bids {
		startedStr, err := startCmds[i].Result()
		if err != nil {
			continue // started_at missing: skip, never guess a window
		}
		startedAt, err := strconv.ParseFloat(startedStr, 64)
		if err != nil {
			continue
		}

		lastActivity := startedAt
		if actStr, err := actCmds[i].Result(); err == nil {
			if v, err := strconv.ParseFloat(actStr, 64); err == nil {
				lastActivity = v
			}
		}

		windowElapsed := nowSec - startedAt
		idle := nowSec - lastActivity
		if windowElapsed < window && idle < idleMax {
			continue
		}

		trigger := "idle"
		if windowElapsed >= window {
			trigger = "window"
		}

		if _, err := a.CloseBatch(ctx, bid); err != nil {
			log.Printf("[ERROR] Batch Aggregator: close %s failed: %v", bid, err)
			continue
		}
		metrics.BatchesClosedTotal.WithLabelValues(trigger).Inc()
		closed = append(closed, bid)
	}
	return closed, nil
}

// CloseBatch enqueues the batch's work item and removes all batch state.
// Empty batches are cleaned up without enqueueing. The current-batch pointer
// is dropped before the detection list is read: an add that races the close
// then opens a fresh batch instead of appending to a list about to be
// destroyed. If the queue rejects the item the batch keys stay behind and
// the next sweep retries the close.
func (a *Aggregator) CloseBatch(ctx context.Context, bid string) (*Summary, error) {
	if a.rdb == nil {
		return nil, ErrNoStore
	}

	cameraID, err := a.rdb.Get(ctx, cameraKey(bid)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, bid)
	}
	if err != nil {
		return nil, fmt.Errorf("batch camera read: %w", err)
	}

	if err := releaseCurrent.Run(ctx, a.rdb, []string{currentKey(cameraID)}, bid).Err(); err != nil {
		return nil, fmt.Errorf("batch pointer delete: %w", err)
	}

	rawIDs, err := a.rdb.LRange(ctx, detectionsKey(bid), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("batch detections read: %w", err)
	}
	detectionIDs := make([]int64, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Printf("[WARN] Batch Aggregator: non-numeric detection id %q in batch %s, skipping", raw, bid)
			continue
		}
		detectionIDs = append(detectionIDs, id)
	}

	var startedAt float64
	if s, err := a.rdb.Get(ctx, startedKey(bid)).Result(); err == nil {
		startedAt, _ = strconv.ParseFloat(s, 64)
	}

	if len(detectionIDs) > 0 {
		item := queue.AnalysisItem{
			BatchID:      bid,
			CameraID:     cameraID,
			DetectionIDs: detectionIDs,
			Timestamp:    float64(a.now().UnixNano()) / 1e9,
		}
		res, err := a.queues.AddToQueueSafe(ctx, queue.AnalysisQueue, item, queue.OverflowDLQ)
		if err != nil {
			return nil, fmt.Errorf("batch enqueue: %w", err)
		}
		if !res.Success {
			return nil, fmt.Errorf("%w: %s", ErrQueueRejected, res.Error)
		}
		if res.Warning != "" {
			log.Printf("[WARN] Batch Aggregator: %s", res.Warning)
		}
	}

	pipe := a.rdb.TxPipeline()
	pipe.Del(ctx, cameraKey(bid))
	pipe.Del(ctx, startedKey(bid))
	pipe.Del(ctx, activityKey(bid))
	pipe.Del(ctx, detectionsKey(bid))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("batch cleanup: %w", err)
	}

	return &Summary{
		BatchID:        bid,
		CameraID:       cameraID,
		DetectionCount: len(detectionIDs),
		Detections:     detectionIDs,
		StartedAt:      startedAt,
		ClosedAt:       a.now(),
	}, nil
}

// ShouldApplyBackpressure reports whether ingress paths should slow down.
// True only under CRITICAL GPU memory pressure.
func (a *Aggregator) ShouldApplyBackpressure() bool {
	if a.pressure == nil {
		return false
	}
	return a.pressure.CurrentLevel() == gpu.LevelCritical
}

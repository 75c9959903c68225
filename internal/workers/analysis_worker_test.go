package workers_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/analysis"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/queue"
	"github.com/technosupport/ts-sentinel/internal/workers"
)

type stubAnalyzer struct {
	mu    sync.Mutex
	errs  []error
	calls []string
}

func (s *stubAnalyzer) AnalyzeBatch(ctx context.Context, batchID, cameraID string, detectionIDs []int64) (*data.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, batchID)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &data.Event{ID: 1, BatchID: batchID}, nil
}

func (s *stubAnalyzer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubAnalyzer) firstCall() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return ""
	}
	return s.calls[0]
}

func newWorkerHarness(t *testing.T, maxRetries int) (*workers.AnalysisQueueWorker, *stubAnalyzer, *queue.Manager, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Default()
	cfg.Queue.WorkerMaxRetries = maxRetries
	cfg.Queue.DequeueTimeoutSeconds = 1

	queues := queue.NewManager(rdb, cfg.Queue.MaxLength, cfg.Queue.DLQRetention())
	az := &stubAnalyzer{}
	w := workers.NewAnalysisQueueWorker(queues, az, config.NewStore(cfg))
	return w, az, queues, rdb
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func enqueue(t *testing.T, queues *queue.Manager, item queue.AnalysisItem) {
	t.Helper()
	if _, err := queues.AddToQueueSafe(context.Background(), queue.AnalysisQueue, item, queue.OverflowDLQ); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestWorker_ProcessesQueuedItem(t *testing.T) {
	w, az, queues, _ := newWorkerHarness(t, 3)

	enqueue(t, queues, queue.AnalysisItem{BatchID: "b1", CameraID: "cam1", DetectionIDs: []int64{1}})

	w.Start()
	defer w.Stop()

	waitFor(t, 3*time.Second, func() bool { return az.callCount() == 1 })
	if az.firstCall() != "b1" {
		t.Errorf("analyzed %s, want b1", az.firstCall())
	}
}

func TestWorker_PermanentErrorDropsItem(t *testing.T) {
	w, az, queues, rdb := newWorkerHarness(t, 3)
	az.errs = []error{analysis.ErrNoDetections}

	enqueue(t, queues, queue.AnalysisItem{BatchID: "b1", CameraID: "cam1", DetectionIDs: []int64{1}})

	w.Start()
	defer w.Stop()

	waitFor(t, 3*time.Second, func() bool { return az.callCount() == 1 })
	// Give a requeue a chance to land before asserting emptiness.
	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	if depth, _ := rdb.LLen(ctx, queue.Key(queue.AnalysisQueue)).Result(); depth != 0 {
		t.Errorf("queue depth = %d, want 0 (dropped)", depth)
	}
	if depth, _ := rdb.LLen(ctx, queue.DLQKey(queue.AnalysisQueue)).Result(); depth != 0 {
		t.Errorf("DLQ depth = %d, want 0 (dropped, not dead-lettered)", depth)
	}
	if az.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (no retries for permanent errors)", az.callCount())
	}
}

func TestWorker_RetryableErrorRetriesThenDLQ(t *testing.T) {
	// Zero retry budget: the first retryable failure dead-letters the item.
	w, az, queues, rdb := newWorkerHarness(t, 0)
	az.errs = []error{analysis.ErrLLMConnection}

	enqueue(t, queues, queue.AnalysisItem{BatchID: "b1", CameraID: "cam1", DetectionIDs: []int64{1}})

	w.Start()
	defer w.Stop()

	ctx := context.Background()
	waitFor(t, 3*time.Second, func() bool {
		depth, _ := rdb.LLen(ctx, queue.DLQKey(queue.AnalysisQueue)).Result()
		return depth == 1
	})

	raw, _ := rdb.LPop(ctx, queue.DLQKey(queue.AnalysisQueue)).Result()
	var envelope struct {
		Reason string             `json:"reason"`
		Item   queue.AnalysisItem `json:"item"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		t.Fatalf("envelope decode: %v", err)
	}
	if envelope.Reason != "retry_exhausted" {
		t.Errorf("reason = %s", envelope.Reason)
	}
	if envelope.Item.BatchID != "b1" || envelope.Item.Retries != 1 {
		t.Errorf("item = %+v", envelope.Item)
	}
}

func TestWorker_RetryableErrorRequeues(t *testing.T) {
	// One retry allowed: first attempt fails, the requeued item succeeds.
	w, az, queues, rdb := newWorkerHarness(t, 1)
	az.errs = []error{analysis.ErrLLMTimeout}

	enqueue(t, queues, queue.AnalysisItem{BatchID: "b1", CameraID: "cam1", DetectionIDs: []int64{1}})

	w.Start()
	defer w.Stop()

	waitFor(t, 5*time.Second, func() bool { return az.callCount() == 2 })

	ctx := context.Background()
	waitFor(t, time.Second, func() bool {
		depth, _ := rdb.LLen(ctx, queue.Key(queue.AnalysisQueue)).Result()
		return depth == 0
	})
	if depth, _ := rdb.LLen(ctx, queue.DLQKey(queue.AnalysisQueue)).Result(); depth != 0 {
		t.Errorf("DLQ depth = %d, want 0", depth)
	}
}

func TestWorker_MalformedItemDropped(t *testing.T) {
	w, az, _, rdb := newWorkerHarness(t, 3)

	ctx := context.Background()
	rdb.RPush(ctx, queue.Key(queue.AnalysisQueue), "not json")
	rdb.RPush(ctx, queue.Key(queue.AnalysisQueue), `{"camera_id": "cam1"}`) // no batch id

	enqueue(t, newManagerFor(rdb), queue.AnalysisItem{BatchID: "b1", CameraID: "cam1", DetectionIDs: []int64{1}})

	w.Start()
	defer w.Stop()

	// The two malformed entries are skipped and only the real item reaches
	// the analyzer.
	waitFor(t, 3*time.Second, func() bool { return az.callCount() == 1 })
	if az.firstCall() != "b1" {
		t.Errorf("analyzed %s, want b1", az.firstCall())
	}
}

func newManagerFor(rdb *redis.Client) *queue.Manager {
	return queue.NewManager(rdb, 1000, time.Hour)
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	w, _, _, _ := newWorkerHarness(t, 3)

	w.Start()
	w.Start() // second start is a no-op
	w.Stop()
	w.Stop() // second stop is a no-op

	if got := w.State(); got != workers.StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/metrics"
)

const (
	AnalysisQueue = "analysis_queue"

	queuePrefix = "queue:"
	dlqPrefix   = "queue:dlq:"
)

var (
	ErrEmpty    = errors.New("queue empty")
	ErrRejected = errors.New("queue full, item rejected")
)

// OverflowPolicy controls behavior when a queue is at capacity.
type OverflowPolicy string

const (
	// OverflowDLQ moves the oldest items to the dead-letter queue to make room.
	OverflowDLQ OverflowPolicy = "dlq"
	// OverflowReject fails the add.
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest discards the oldest items.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// AddResult is the structured outcome of AddToQueueSafe.
type AddResult struct {
	Success         bool   `json:"success"`
	QueueLength     int64  `json:"queue_length"`
	DroppedCount    int    `json:"dropped_count"`
	MovedToDLQCount int    `json:"moved_to_dlq_count"`
	Error           string `json:"error,omitempty"`
	Warning         string `json:"warning,omitempty"`
}

// AnalysisItem is the typed work item for the analysis queue.
type AnalysisItem struct {
	BatchID      string  `json:"batch_id"`
	CameraID     string  `json:"camera_id"`
	DetectionIDs []int64 `json:"detection_ids"`
	Timestamp    float64 `json:"timestamp"`
	Retries      int     `json:"retries,omitempty"`
}

// Manager is a Redis-backed multi-producer multi-consumer FIFO with bounded
// length, overflow policies, and a dead-letter sibling per queue.
type Manager struct {
	rdb          *redis.Client
	maxLength    int64
	dlqRetention time.Duration
}

func NewManager(rdb *redis.Client, maxLength int, dlqRetention time.Duration) *Manager {
	if maxLength <= 0 {
		maxLength = 1000
	}
	if dlqRetention <= 0 {
		dlqRetention = 24 * time.Hour
	}
	return &Manager{rdb: rdb, maxLength: int64(maxLength), dlqRetention: dlqRetention}
}

func Key(name string) string    { return queuePrefix + name }
func DLQKey(name string) string { return dlqPrefix + name }

// AddToQueueSafe appends an item, applying the overflow policy if the queue
// is at capacity. The returned result is always non-nil when err is nil.
func (m *Manager) AddToQueueSafe(ctx context.Context, name string, item any, policy OverflowPolicy) (*AddResult, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("queue marshal: %w", err)
	}

	key := Key(name)
	res := &AddResult{Success: true}

	length, err := m.rdb.LLen(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("queue llen: %w", err)
	}

	if length >= m.maxLength {
		overflow := int(length - m.maxLength + 1)
		switch policy {
		case OverflowReject:
			res.Success = false
			res.QueueLength = length
			res.Error = fmt.Sprintf("queue %s full (%d items)", name, length)
			return res, nil

		case OverflowDropOldest:
			dropped, err := m.rdb.LPopCount(ctx, key, overflow).Result()
			if err != nil && err != redis.Nil {
				return nil, fmt.Errorf("queue drop oldest: %w", err)
			}
			res.DroppedCount = len(dropped)
			res.Warning = fmt.Sprintf("queue %s full, dropped %d oldest items", name, len(dropped))
			metrics.QueueDroppedTotal.WithLabelValues(name).Add(float64(len(dropped)))

		default: // OverflowDLQ
			moved, err := m.moveOldestToDLQ(ctx, name, overflow)
			if err != nil {
				return nil, err
			}
			res.MovedToDLQCount = moved
			res.Warning = fmt.Sprintf("queue %s full, moved %d oldest items to DLQ", name, moved)
		}
	}

	newLen, err := m.rdb.RPush(ctx, key, payload).Result()
	if err != nil {
		return nil, fmt.Errorf("queue rpush: %w", err)
	}
	res.QueueLength = newLen
	metrics.QueueDepth.WithLabelValues(name).Set(float64(newLen))
	return res, nil
}

func (m *Manager) moveOldestToDLQ(ctx context.Context, name string, count int) (int, error) {
	key := Key(name)
	dlq := DLQKey(name)

	items, err := m.rdb.LPopCount(ctx, key, count).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("queue dlq pop: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	args := make([]any, len(items))
	for i, it := range items {
		args[i] = it
	}
	pipe := m.rdb.Pipeline()
	pipe.RPush(ctx, dlq, args...)
	pipe.Expire(ctx, dlq, m.dlqRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue dlq push: %w", err)
	}
	metrics.QueueDLQTotal.WithLabelValues(name, "overflow").Add(float64(len(items)))
	return len(items), nil
}

// MoveToDLQ sends one payload directly to the dead-letter queue, tagged with
// the failure reason.
func (m *Manager) MoveToDLQ(ctx context.Context, name string, item any, reason string) error {
	envelope := map[string]any{
		"item":      item,
		"reason":    reason,
		"failed_at": float64(time.Now().UnixNano()) / 1e9,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}

	dlq := DLQKey(name)
	pipe := m.rdb.Pipeline()
	pipe.RPush(ctx, dlq, payload)
	pipe.Expire(ctx, dlq, m.dlqRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq push: %w", err)
	}
	metrics.QueueDLQTotal.WithLabelValues(name, reason).Inc()
	return nil
}

// Dequeue blocks up to timeout for the next item. Returns ErrEmpty on
// timeout. Callers must never hold an inference permit across this call.
func (m *Manager) Dequeue(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	vals, err := m.rdb.BLPop(ctx, timeout, Key(name)).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue blpop: %w", err)
	}
	// BLPop returns [key, value]
	if len(vals) != 2 {
		return nil, fmt.Errorf("queue blpop: unexpected reply %v", vals)
	}
	return []byte(vals[1]), nil
}

// Length reports the current queue depth.
func (m *Manager) Length(ctx context.Context, name string) (int64, error) {
	return m.rdb.LLen(ctx, Key(name)).Result()
}

// DLQLength reports the dead-letter queue depth.
func (m *Manager) DLQLength(ctx context.Context, name string) (int64, error) {
	return m.rdb.LLen(ctx, DLQKey(name)).Result()
}

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/data"
)

// Envelope is the wire format on the event channel. Delivery is at least
// once; subscribers deduplicate by data.event_id.
type Envelope struct {
	Type string       `json:"type"`
	Data EventPayload `json:"data"`
}

type EventPayload struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"event_id"`
	BatchID   string    `json:"batch_id"`
	CameraID  string    `json:"camera_id"`
	RiskScore int       `json:"risk_score"`
	RiskLevel string    `json:"risk_level"`
	Summary   string    `json:"summary"`
	Reasoning string    `json:"reasoning"`
	StartedAt time.Time `json:"started_at"`
}

// Publisher pushes persisted events onto the pub/sub channel consumed by the
// websocket hub and the NATS forwarder.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	return &Publisher{rdb: rdb, channel: channel}
}

func (p *Publisher) PublishEvent(ctx context.Context, e *data.Event) error {
	payload, err := json.Marshal(Envelope{
		Type: "event",
		Data: EventPayload{
			ID:        e.ID,
			EventID:   e.ID,
			BatchID:   e.BatchID,
			CameraID:  e.CameraID,
			RiskScore: e.RiskScore,
			RiskLevel: e.RiskLevel,
			Summary:   e.Summary,
			Reasoning: e.Reasoning,
			StartedAt: e.StartedAt,
		},
	})
	if err != nil {
		return fmt.Errorf("envelope marshal: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

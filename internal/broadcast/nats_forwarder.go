package broadcast

import (
	"context"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const forwardMaxRetries = 3

// NATSForwarder republishes the event channel onto a NATS subject so
// off-box consumers do not need Redis access.
type NATSForwarder struct {
	rdb     *redis.Client
	conn    *nats.Conn
	channel string
	subject string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewNATSForwarder(rdb *redis.Client, conn *nats.Conn, channel, subject string) *NATSForwarder {
	return &NATSForwarder{
		rdb:     rdb,
		conn:    conn,
		channel: channel,
		subject: subject,
		done:    make(chan struct{}),
	}
}

func (f *NATSForwarder) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.run(ctx)
	log.Printf("NATSForwarder: bridging %s -> %s", f.channel, f.subject)
}

func (f *NATSForwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}

func (f *NATSForwarder) run(ctx context.Context) {
	defer close(f.done)

	sub := f.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f.forward([]byte(msg.Payload))
		}
	}
}

func (f *NATSForwarder) forward(payload []byte) {
	var err error
	for i := 0; i <= forwardMaxRetries; i++ {
		err = f.conn.Publish(f.subject, payload)
		if err == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	log.Printf("[ERROR] NATSForwarder: publish failed after %d retries: %v", forwardMaxRetries, err)
}

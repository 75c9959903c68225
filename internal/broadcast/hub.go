package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

const (
	dedupCacheSize = 2048
	dedupTTL       = 5 * time.Minute

	clientSendBuffer = 32
	writeWait        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

// eventDedup filters repeated deliveries of the same event id inside a TTL
// window. Channel delivery is at least once, so duplicates are expected.
type eventDedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func newEventDedup(size int, ttl time.Duration) *eventDedup {
	c, _ := lru.New[string, time.Time](size)
	return &eventDedup{cache: c, ttl: ttl}
}

func (d *eventDedup) isDuplicate(key string) bool {
	if addedAt, ok := d.cache.Get(key); ok && time.Since(addedAt) < d.ttl {
		return true
	}
	d.cache.Add(key, time.Now())
	return false
}

// Hub fans the event channel out to websocket subscribers. Slow clients are
// disconnected rather than allowed to block the broadcast loop.
type Hub struct {
	rdb     *redis.Client
	channel string
	dedup   *eventDedup

	mu      sync.Mutex
	clients map[*client]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(rdb *redis.Client, channel string) *Hub {
	return &Hub{
		rdb:     rdb,
		channel: channel,
		dedup:   newEventDedup(dedupCacheSize, dedupTTL),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

func (h *Hub) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.run(ctx)
}

func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	sub := h.rdb.Subscribe(ctx, h.channel)
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
			h.broadcast([]byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("[WARN] Hub: dropping malformed envelope: %v", err)
		return
	}
	if h.dedup.isDuplicate(strconv.FormatInt(env.Data.EventID, 10)) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Send buffer full: the client is too slow, cut it loose.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS Upgrade Failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("Hub: client connected (%d active)", n)

	go c.writePump()
	c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, nil)
}

// readPump drains client frames so pings are answered, and unregisters on
// disconnect.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

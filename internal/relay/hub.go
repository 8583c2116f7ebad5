package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/citypulse/internal/logging"
)

const (
	writeTimeout   = 5 * time.Second
	sinkTimeout    = 10 * time.Second
	subscriberSlot = 64
)

// Sink receives every broadcast event besides the websocket subscribers.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans relay events out to websocket subscribers and sinks. Each
// subscriber gets its own queue; one that falls behind is dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*subscriber
	sinks   []Sink
	nextID  atomic.Int64
	wg      sync.WaitGroup
	log     *logrus.Entry
}

func NewHub(sinks ...Sink) *Hub {
	return &Hub{
		clients: make(map[string]*subscriber),
		sinks:   sinks,
		log:     logging.For("hub"),
	}
}

func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues ev for every subscriber and hands it to the sinks.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("marshal event")
		return
	}

	h.mu.Lock()
	for id, c := range h.clients {
		select {
		case c.out <- data:
		default:
			h.log.WithField("client", id).Warn("subscriber queue full, dropping")
			delete(h.clients, id)
			c.close()
		}
	}
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.Unlock()

	for _, s := range sinks {
		h.wg.Add(1)
		go func(s Sink) {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			defer cancel()
			if err := s.Publish(ctx, ev); err != nil {
				h.log.WithError(err).WithField("sink", s.Name()).Warn("sink publish failed")
			}
		}(s)
	}
}

// ServeWS upgrades the request, sends a snapshot taken from snapshot and
// then streams broadcasts until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, snapshot func() []Packet) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.WithError(err).Warn("websocket accept error")
		return
	}

	c := &subscriber{
		id:   fmt.Sprintf("ws-%d", h.nextID.Add(1)),
		conn: conn,
		out:  make(chan []byte, subscriberSlot),
		done: make(chan struct{}),
	}

	// Register and enqueue the snapshot under the same lock so no broadcast
	// can slip in ahead of it.
	h.mu.Lock()
	first, err := json.Marshal(SnapshotEvent(snapshot()))
	if err != nil {
		h.mu.Unlock()
		conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	c.out <- first
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.WithField("client", c.id).Info("client connected")

	ctx := conn.CloseRead(r.Context())
	defer func() {
		h.remove(c.id)
		conn.CloseNow()
		h.log.WithField("client", c.id).Info("client disconnected")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			conn.Close(websocket.StatusGoingAway, "subscriber closed")
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		c.close()
	}
	h.mu.Unlock()
}

// Close disconnects all subscribers and waits for in-flight sink publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

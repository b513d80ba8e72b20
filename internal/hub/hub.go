// Package hub fans topic-tagged events out to live connections.
//
// Every connection owns a bounded FIFO queue. Publish never blocks: a
// connection whose queue is full is treated as a dead consumer and is
// disconnected. Clients are expected to re-fetch state when they reconnect,
// so nothing is replayed.
package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultQueueSize is the per-connection queue length used when none is configured.
const DefaultQueueSize = 32

var (
	// ErrClosed is returned when operating on a disconnected connection or a closed hub.
	ErrClosed = errors.New("hub: connection closed")
	// ErrEmptyTopic is returned for blank topic names.
	ErrEmptyTopic = errors.New("hub: empty topic")
)

// Event is one broadcast message. It is never persisted.
type Event struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewEvent stamps payload with a fresh id and the current time.
func NewEvent(topic string, payload json.RawMessage) Event {
	return Event{ID: uuid.NewString(), Topic: topic, Payload: payload, At: time.Now().UTC()}
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int            `json:"connections"`
	Topics      map[string]int `json:"topics"`
}

// Hub is the registry of live connections indexed by topic.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	topics    map[string]map[string]*Conn
	closed    bool
	queueSize int
	logger    *zap.Logger
}

// New creates an empty hub.
func New(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:     make(map[string]*Conn),
		topics:    make(map[string]map[string]*Conn),
		queueSize: queueSize,
		logger:    logger.Named("hub"),
	}
}

// Connect registers a new live connection with no topics.
func (h *Hub) Connect() (*Conn, error) {
	c := &Conn{
		id:     uuid.NewString(),
		events: make(chan Event, h.queueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.conns[c.id] = c
	return c, nil
}

// Subscribe adds topic to the connection. Subscribing twice is a no-op.
func (h *Hub) Subscribe(c *Conn, topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.topics[topic]; ok {
		return nil
	}
	c.topics[topic] = struct{}{}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]*Conn)
		h.topics[topic] = members
	}
	members[c.id] = c
	return nil
}

// Unsubscribe removes topic from the connection. Removing an absent topic is a no-op.
func (h *Hub) Unsubscribe(c *Conn, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.topics[topic]; !ok {
		return nil
	}
	h.detach(c, topic)
	return nil
}

// Publish delivers payload to every open connection subscribed to topic and
// returns how many connections accepted it.
func (h *Hub) Publish(topic string, payload json.RawMessage) int {
	return h.PublishEvent(NewEvent(topic, payload))
}

// PublishEvent delivers a pre-built event, keeping its id and timestamp.
func (h *Hub) PublishEvent(ev Event) int {
	var (
		delivered int
		slow      []*Conn
	)

	h.mu.RLock()
	for _, c := range h.topics[ev.Topic] {
		select {
		case c.events <- ev:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow live connection",
			zap.String("conn_id", c.id),
			zap.String("topic", ev.Topic),
			zap.Int("queue_size", h.queueSize))
		h.Disconnect(c)
	}
	return delivered
}

// Disconnect removes the connection from every topic and closes its queue.
// It is idempotent and safe to call while a Publish is in flight.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

// Close disconnects every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, c := range h.conns {
		h.remove(c)
	}
}

// Stats returns the number of open connections and subscribers per topic.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make(map[string]int, len(h.topics))
	for topic, members := range h.topics {
		topics[topic] = len(members)
	}
	return Stats{Connections: len(h.conns), Topics: topics}
}

// remove must be called with h.mu held for writing. Closing the queue under
// the write lock guarantees no Publish is sending to it.
func (h *Hub) remove(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	for topic := range c.topics {
		h.detach(c, topic)
	}
	delete(h.conns, c.id)
	close(c.done)
	close(c.events)
}

func (h *Hub) detach(c *Conn, topic string) {
	delete(c.topics, topic)
	if members, ok := h.topics[topic]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ridesaver/internal/observability"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer is how many events a subscriber may lag behind before it
	// is dropped.
	sendBuffer = 32
)

// Subscriber is one websocket client following a group's change feed.
type Subscriber struct {
	conn *websocket.Conn
	send chan RideEvent
	done chan struct{}
	once sync.Once
}

func newSubscriber(conn *websocket.Conn, buffer int) *Subscriber {
	return &Subscriber{
		conn: conn,
		send: make(chan RideEvent, buffer),
		done: make(chan struct{}),
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop drains the send queue onto the socket until the subscriber is
// closed or a write fails.
func (s *Subscriber) writeLoop(h *Hub, groupID string) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				h.logger.Warn("ws send failed", "group_id", groupID, "error", err)
				observability.EventsPublished.WithLabelValues("ws", "error").Inc()
				h.Remove(groupID, s)
				return
			}
			observability.EventsPublished.WithLabelValues("ws", "ok").Inc()
		}
	}
}

// Hub fans ride events out to websocket subscribers of the event's group.
// Presentation layers use it to refresh maps; reservation logic never
// depends on it. Publish only enqueues, so a slow client cannot hold up a
// reservation.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscriber]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{groups: make(map[string]map[*Subscriber]struct{}), logger: logger}
}

func (h *Hub) Add(groupID string, conn *websocket.Conn) *Subscriber {
	s := newSubscriber(conn, sendBuffer)
	h.register(groupID, s)
	go s.writeLoop(h, groupID)
	return s
}

func (h *Hub) register(groupID string, s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.groups[groupID] == nil {
		h.groups[groupID] = make(map[*Subscriber]struct{})
	}
	h.groups[groupID][s] = struct{}{}
	observability.FeedSubscribers.Inc()
}

func (h *Hub) Remove(groupID string, s *Subscriber) {
	h.mu.Lock()
	subs, ok := h.groups[groupID]
	if ok {
		_, ok = subs[s]
	}
	if ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.groups, groupID)
		}
		observability.FeedSubscribers.Dec()
	}
	h.mu.Unlock()
	s.close()
}

// Count reports the number of subscribers of a group.
func (h *Hub) Count(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupID])
}

// Serve keeps a subscription alive until the client goes away. Inbound
// messages are ignored.
func (h *Hub) Serve(groupID string, conn *websocket.Conn) {
	s := h.Add(groupID, conn)
	defer h.Remove(groupID, s)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// Publish queues ev for every subscriber of its group. A subscriber whose
// queue is full is disconnected.
func (h *Hub) Publish(_ context.Context, ev RideEvent) error {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.groups[ev.GroupID]))
	for s := range h.groups[ev.GroupID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.send <- ev:
		default:
			h.logger.Warn("ws subscriber too slow, dropping", "group_id", ev.GroupID)
			observability.EventsPublished.WithLabelValues("ws", "dropped").Inc()
			h.Remove(ev.GroupID, s)
		}
	}
	return nil
}

package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type identifies what an event reports
type Type string

const (
	TypeMessageCreated Type = "message.created"
	TypeMessageUpdated Type = "message.updated"
	TypeAccountStatus  Type = "account.status"
)

// Event is a best-effort notification about a change in the local store
type Event struct {
	Type      Type      `json:"type"`
	Account   string    `json:"account"`
	Folder    string    `json:"folder,omitempty"`
	UID       uint32    `json:"uid,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

// Subscription receives events until it is closed
type Subscription struct {
	C    <-chan Event
	send chan Event
	hub  *Hub
}

// Close detaches the subscription from the hub
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans events out to subscribers. Slow subscribers miss events rather
// than stall publishers.
type Hub struct {
	subscribers map[*Subscription]bool
	broadcast   chan Event
	mu          sync.RWMutex
	bufferSize  int
	logger      *logrus.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*Subscription]bool),
		broadcast:   make(chan Event, 256),
		bufferSize:  64,
		logger:      logger,
	}
}

// Run delivers published events until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.subscribers {
				delete(h.subscribers, sub)
				close(sub.send)
			}
			h.mu.Unlock()
			return
		case e := <-h.broadcast:
			h.mu.RLock()
			for sub := range h.subscribers {
				select {
				case sub.send <- e:
				default:
					// Subscriber buffer full, skip
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Subscribe registers a new subscriber
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.bufferSize)
	sub := &Subscription{C: ch, send: ch, hub: h}
	h.mu.Lock()
	h.subscribers[sub] = true
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}

// Publish queues an event for delivery and never blocks
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.WithFields(logrus.Fields{
			"type":    e.Type,
			"account": e.Account,
		}).Debug("Event dropped, hub is saturated")
	}
}

package service

import (
	"sync"
	"sync/atomic"

	"sessionchat/internal/constants"
	"sessionchat/internal/models"

	"github.com/sirupsen/logrus"
)

// Hub fans state transitions out to UI subscribers. A subscriber whose
// buffer is full misses the update rather than stalling the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan models.Update
	nextID  uint64
	buffer  int
	dropped atomic.Int64
	logger  *logrus.Logger
}

func NewHub(buffer int, logger *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = constants.DefaultHubBufferSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		subs:   make(map[uint64]chan models.Update),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber. The returned cancel func closes the
// channel and is safe to call more than once.
func (h *Hub) Subscribe() (<-chan models.Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan models.Update, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers u to every subscriber. A nil Hub discards updates.
func (h *Hub) Publish(u models.Update) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
			n := h.dropped.Add(1)
			h.logger.WithFields(logrus.Fields{
				"kind":          u.Kind,
				"dropped_total": n,
			}).Warn("Subscriber buffer full, dropping update")
		}
	}
}

// Dropped returns how many updates were discarded for full subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

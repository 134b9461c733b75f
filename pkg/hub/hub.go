package hub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultQueueLen = 64

// Subscription is one subscriber's buffered view of the event stream.
type Subscription struct {
	ID      uuid.UUID
	queue   chan Event
	lagging uint32
}

// Events is the subscriber's receive side. The channel closes when the
// subscription is removed.
func (s *Subscription) Events() <-chan Event {
	return s.queue
}

// Lagging reports whether this subscriber has ever lost events to
// backpressure. It stays set for the life of the subscription.
func (s *Subscription) Lagging() bool {
	return atomic.LoadUint32(&s.lagging) != 0
}

// Hub distributes events to any number of subscribers. Slow subscribers
// never slow the publisher down.
type Hub struct {
	mu       sync.RWMutex
	subs     map[uuid.UUID]*Subscription
	queueLen int
	logger   zerolog.Logger

	published uint64
	dropped   uint64
}

func New(queueLen int, logger zerolog.Logger) *Hub {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	return &Hub{
		subs:     make(map[uuid.UUID]*Subscription),
		queueLen: queueLen,
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ID:    uuid.New(),
		queue: make(chan Event, h.queueLen),
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	h.logger.Debug().Str("subscriber", sub.ID.String()).Msg("subscribed")
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub.ID]
	delete(h.subs, sub.ID)
	h.mu.Unlock()
	if ok {
		close(sub.queue)
		h.logger.Debug().Str("subscriber", sub.ID.String()).Msg("unsubscribed")
	}
}

// Publish delivers the event to every subscriber without blocking. A full
// queue loses its oldest event to make room; if a concurrent read steals the
// slot first, the new event wins anyway or is dropped, never waited on.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	atomic.AddUint64(&h.published, 1)
	for _, sub := range h.subs {
		select {
		case sub.queue <- evt:
			continue
		default:
		}

		atomic.StoreUint32(&sub.lagging, 1)
		atomic.AddUint64(&h.dropped, 1)
		select {
		case <-sub.queue:
		default:
		}
		select {
		case sub.queue <- evt:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many subscriber deliveries were lost to backpressure.
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// Package delivery implements local delivery (spec C7): a single-producer
// multi-consumer bounded channel per subscribed live query, joined at the
// transport boundary. Grounded on the teacher's BaseConnection notification
// routing (a locked map from id to channel) and contrib/rews's
// notification_router, generalised from "one channel per connection" to
// "one channel per live query id".
package delivery

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lqdb/lqdb/internal/model"
	"github.com/lqdb/lqdb/pkg/logger"
)

// DefaultCapacity is the bounded channel size named in spec.md 4.6.
const DefaultCapacity = 128

// Hub routes notifications from the dispatcher to whichever transport
// connection subscribed to a given live query id. It holds no reference to
// the transport itself (spec.md 9's cyclic-reference note): a transport
// registers a receiving channel against lq_id and reads from it; the
// dispatcher only ever calls Send.
type Hub struct {
	mu       sync.RWMutex
	subs     map[uuid.UUID]chan model.NotificationRecord
	capacity int
	log      logger.Logger

	// OnSend and OnDrop are optional metrics hooks, called after a
	// successful delivery and after an oldest-notification eviction
	// respectively. Either may be left nil.
	OnSend func()
	OnDrop func()
}

// New constructs a Hub. capacity <= 0 uses DefaultCapacity.
func New(capacity int, log logger.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{subs: make(map[uuid.UUID]chan model.NotificationRecord), capacity: capacity, log: log}
}

// Subscribe registers a new bounded channel for lqID, replacing any prior
// subscription under the same id. The caller (the transport) owns reading
// from the returned channel and must call Unsubscribe on disconnect.
func (h *Hub) Subscribe(lqID uuid.UUID) <-chan model.NotificationRecord {
	ch := make(chan model.NotificationRecord, h.capacity)
	h.mu.Lock()
	h.subs[lqID] = ch
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes lqID's channel, idempotent if absent.
func (h *Hub) Unsubscribe(lqID uuid.UUID) {
	h.mu.Lock()
	ch, ok := h.subs[lqID]
	if ok {
		delete(h.subs, lqID)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Send delivers rec to lqID's subscriber if one is registered. A missing
// subscriber is not an error — the owning node has no live local
// connection for that query right now. On a full channel the oldest
// queued notification is dropped with a warning and rec takes its place,
// per spec.md 4.6's bounded-channel policy.
//
// The RLock is held for the whole send, not just the map lookup: Unsubscribe
// takes the write lock before closing the channel, so holding the RLock here
// blocks any concurrent close until every in-flight send on ch has finished,
// which is what keeps this from sending on a closed channel.
func (h *Hub) Send(ctx context.Context, lqID uuid.UUID, rec model.NotificationRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.subs[lqID]
	if !ok {
		h.log.Debug(ctx, "delivery: no local subscriber", "live_id", lqID)
		return
	}

	select {
	case ch <- rec:
		if h.OnSend != nil {
			h.OnSend()
		}
		return
	default:
	}

	select {
	case dropped := <-ch:
		h.log.Warn(ctx, "delivery: channel full, dropping oldest notification", "live_id", lqID, "dropped_notification_id", dropped.NotificationID)
		if h.OnDrop != nil {
			h.OnDrop()
		}
	default:
	}

	select {
	case ch <- rec:
		if h.OnSend != nil {
			h.OnSend()
		}
	default:
		// Another goroutine raced us and refilled the slot we just freed;
		// rec is dropped rather than blocking the dispatcher.
		h.log.Warn(ctx, "delivery: channel still full after eviction, dropping notification", "live_id", lqID, "notification_id", rec.NotificationID)
		if h.OnDrop != nil {
			h.OnDrop()
		}
	}
}

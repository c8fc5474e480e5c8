// Package realtime fans queue transitions out to connected displays and
// dashboards. Clients subscribe to one clinic or to the global feed and
// receive events through their own bounded buffer.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/queue"
)

// GlobalTopic receives the events of every clinic.
const GlobalTopic = "*"

// Subscription is one consumer's view of the event stream. Events arrive on
// C in the order the hub accepted them. When the buffer overflows events are
// dropped and Lagged turns true; the consumer should reload a snapshot.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan queue.Event

	ch      chan queue.Event
	accept  func(queue.Event) bool
	dropped atomic.Uint64
	lagged  atomic.Bool
	hub     *Hub
	once    sync.Once
}

// Lagged reports and clears the overflow flag.
func (s *Subscription) Lagged() bool {
	return s.lagged.Swap(false)
}

func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub is the in-process event broadcaster. Publish never waits on a
// subscriber: it holds the hub lock only for non-blocking channel sends.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	seq    uint64
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a consumer for clinicID, or for every clinic when
// clinicID is GlobalTopic.
func (h *Hub) Subscribe(clinicID string) *Subscription {
	return h.SubscribeFunc(clinicID, nil)
}

// SubscribeFunc is Subscribe with a filter. Events rejected by accept are
// skipped and never count as dropped. A nil accept takes every event.
func (h *Hub) SubscribeFunc(clinicID string, accept func(queue.Event) bool) *Subscription {
	ch := make(chan queue.Event, h.buffer)
	sub := &Subscription{
		ID:     uuid.NewString(),
		Topic:  clinicID,
		C:      ch,
		ch:     ch,
		accept: accept,
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[clinicID] == nil {
		h.topics[clinicID] = make(map[*Subscription]struct{})
	}
	h.topics[clinicID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if subs, ok := h.topics[sub.Topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.topics, sub.Topic)
			}
		}
		close(sub.ch)
	})
}

// Publish stamps ev with the next sequence number and offers it to the
// clinic's subscribers and the global feed. It always returns nil.
func (h *Hub) Publish(_ context.Context, ev queue.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq

	for sub := range h.topics[ev.ClinicID] {
		offer(sub, ev)
	}
	if ev.ClinicID != GlobalTopic {
		for sub := range h.topics[GlobalTopic] {
			offer(sub, ev)
		}
	}
	return nil
}

func offer(sub *Subscription, ev queue.Event) {
	if sub.accept != nil && !sub.accept(ev) {
		return
	}
	select {
	case sub.ch <- ev:
	default:
		sub.dropped.Add(1)
		sub.lagged.Store(true)
	}
}

func (h *Hub) SubscriberCount(clinicID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[clinicID])
}

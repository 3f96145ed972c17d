package engine

import (
	"sync"

	"taskd/internal/domain"
)

const queueSubscriberBuffer = 256

// queueHub fans queue membership events out to observers. Delivery never
// blocks the producer: an observer whose buffer is full is dropped.
type queueHub struct {
	mu   sync.Mutex
	subs map[uint64]chan domain.QueueEvent
	next uint64
}

func newQueueHub() *queueHub {
	return &queueHub{subs: map[uint64]chan domain.QueueEvent{}}
}

func (h *queueHub) subscribe() (<-chan domain.QueueEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan domain.QueueEvent, queueSubscriberBuffer)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
	}
}

func (h *queueHub) publish(ev domain.QueueEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
}

func (h *queueHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

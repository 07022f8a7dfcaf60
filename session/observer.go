package session

import (
	"sync"
	"sync/atomic"

	"github.com/waggleworks/waggle/sharedctx"
)

// observerHub fans remotely-applied context events out to observers. Each
// observer owns a bounded channel; when one falls behind, its oldest
// buffered event is dropped so the sync loop never stalls on a consumer.
type observerHub struct {
	mu        sync.Mutex
	observers map[int]chan sharedctx.ContextEvent
	next      int
	buffer    int
	closed    bool
	dropped   atomic.Int64
}

func newObserverHub(buffer int) *observerHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &observerHub{
		observers: make(map[int]chan sharedctx.ContextEvent),
		buffer:    buffer,
	}
}

// add registers an observer and returns its id with the receive channel.
func (h *observerHub) add() (int, <-chan sharedctx.ContextEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan sharedctx.ContextEvent, h.buffer)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.observers[id] = ch
	return id, ch
}

// remove unregisters an observer and closes its channel. Safe to call for
// ids that are already gone.
func (h *observerHub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.observers[id]
	if !ok {
		return
	}
	delete(h.observers, id)
	close(ch)
}

// publish delivers an event to every observer, dropping the oldest buffered
// event of any observer whose channel is full.
func (h *observerHub) publish(event sharedctx.ContextEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, ch := range h.observers {
		select {
		case ch <- event:
			continue
		default:
		}
		select {
		case <-ch:
			h.dropped.Add(1)
		default:
		}
		select {
		case ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// close closes every observer channel. Publishing afterwards is a no-op.
func (h *observerHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.observers {
		delete(h.observers, id)
		close(ch)
	}
}

// Dropped reports how many events were discarded for slow observers.
func (h *observerHub) Dropped() int64 {
	return h.dropped.Load()
}

// Package publish distributes sampling snapshots to live consumers: in-process
// subscribers (the HTTP stream and charts) and an optional MQTT broker.
package publish

import (
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/autofocus/internal/autofocus"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 8

// Hub fans snapshots out to subscribers. Publish never blocks; a subscriber
// that falls behind misses snapshots rather than stalling sampling.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]chan autofocus.Snapshot
	dropped map[string]uint64
	latest  *autofocus.Snapshot
}

func NewHub() *Hub {
	return &Hub{
		subs:    make(map[string]chan autofocus.Snapshot),
		dropped: make(map[string]uint64),
	}
}

// Subscribe registers a new consumer. The channel is closed by Unsubscribe.
func (h *Hub) Subscribe(buffer int) (string, <-chan autofocus.Snapshot) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	id := uuid.NewString()
	ch := make(chan autofocus.Snapshot, buffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
		delete(h.dropped, id)
	}
}

// Publish implements autofocus.Sink.
func (h *Hub) Publish(s autofocus.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &s
	for id, ch := range h.subs {
		select {
		case ch <- s:
		default:
			h.dropped[id]++
		}
	}
}

// Latest returns the most recent snapshot, if any was published.
func (h *Hub) Latest() (autofocus.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return autofocus.Snapshot{}, false
	}
	return *h.latest, true
}

// Dropped reports how many snapshots subscriber id missed.
func (h *Hub) Dropped(id string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped[id]
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

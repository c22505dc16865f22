package refresh

import (
	"sync"
	"time"

	"github.com/l0p7/sheetsync/internal/fingerprint"
	"github.com/l0p7/sheetsync/internal/source"
)

// ChangeEvent announces that a key's content fingerprint changed.
type ChangeEvent struct {
	Key         source.CacheKey         `json:"key"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Previous    fingerprint.Fingerprint `json:"previous"`
	FetchedAt   time.Time               `json:"fetchedAt"`
	Rows        int                     `json:"rows"`
}

// Hub fans change events out to subscribers. Slow subscribers miss events
// rather than stall a refresh.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan ChangeEvent
	next    int
	closed  bool
	dropped int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. The channel is closed on cancel or when the hub closes.
func (h *Hub) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ChangeEvent, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *Hub) publish(ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Dropped counts events discarded because a subscriber was full.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

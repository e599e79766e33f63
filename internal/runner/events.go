package runner

import (
	"sync"
	"time"

	"github.com/datim/mechsync/internal/mechanisms"
)

// Event is a progress event tagged with the run it belongs to.
type Event struct {
	RunID string    `json:"runId"`
	Time  time.Time `json:"time"`
	mechanisms.Event
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

const subscriberBuffer = 256

// Hub fans events out to subscribers. A subscriber that falls behind loses
// events rather than stalling the run.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

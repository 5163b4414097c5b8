package broker

import (
	"sort"
	"sync"
)

// Hub fans broker events out to subscribers over bounded channels. Publish
// blocks while a subscriber's buffer is full, so a slow consumer backs the
// producer up instead of losing events. Unsubscribe drains asynchronously.
type Hub struct {
	mu       sync.Mutex
	nextID   int
	capacity int
	subs     map[int]*subscription
	closed   bool
}

type subscription struct {
	ch      chan Event
	symbols map[string]struct{} // nil = all symbols
	done    chan struct{}
}

// NewHub builds a hub whose subscriber buffers hold capacity events each.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{capacity: capacity, subs: make(map[int]*subscription)}
}

// Subscribe registers a consumer. An empty symbol list receives everything.
func (h *Hub) Subscribe(symbols []string) (<-chan Event, func()) {
	sub := &subscription{
		ch:   make(chan Event, h.capacity),
		done: make(chan struct{}),
	}
	if len(symbols) > 0 {
		sub.symbols = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			sub.symbols[s] = struct{}{}
		}
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, stop
}

// Publish delivers the event to every matching subscriber, in subscription
// order. Call it outside any engine lock.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	targets := make([]*subscription, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, h.subs[id])
	}
	h.mu.Unlock()

	symbol := evt.EventSymbol()
	for _, sub := range targets {
		if sub.symbols != nil {
			if _, ok := sub.symbols[symbol]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		case <-sub.done:
		}
	}
}

// Close detaches and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[int]*subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}

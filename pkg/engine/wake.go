package engine

import (
	"sync"
)

// WakeBus fans wake signals out to independent subscribers. Each
// subscription holds at most one undelivered wake, so bursts of wakes
// collapse into a single pending signal per subscriber.
type WakeBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan string
}

// NewWakeBus creates an empty bus.
func NewWakeBus() *WakeBus {
	return &WakeBus{subs: make(map[int]chan string)}
}

// Subscribe registers a listener. The returned cancel function removes it;
// it is safe to call more than once.
func (b *WakeBus) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan string, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish signals every subscriber without blocking. A subscriber that
// already holds an undelivered wake keeps it and the new one is dropped.
// Returns the number of subscribers that received a fresh signal.
func (b *WakeBus) Publish(reason string) int {
	if reason == "" {
		reason = WakeManual
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- reason:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of active subscriptions.
func (b *WakeBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

package events

import (
	"context"
	"sync"
)

// Broker is an in-process Publisher that delivers events to per-run
// subscribers. Each subscription holds at most one pending event; a newer
// event replaces an unread one, so the latest state always arrives.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	ch chan Event
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

// Subscribe returns a channel of events for runID and a function that ends
// the subscription and closes the channel.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, 1)}

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[runID], sub)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			close(sub.ch)
		})
	}
}

// Publish delivers ev to every subscriber of ev.RunID without blocking.
func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			// Replace the unread event
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- ev
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for runID.
func (b *Broker) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

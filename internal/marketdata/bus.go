package marketdata

import (
	"sync"
)

// Bus fans quote snapshots out to stream subscribers. A subscriber that
// falls behind its buffer drops snapshots instead of blocking the feed;
// the next tick carries fresh prices anyway.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan []Quote]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan []Quote]struct{})}
}

func (b *Bus) Subscribe() chan []Quote {
	ch := make(chan []Quote, 100)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan []Quote) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(quotes []Quote) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- quotes:
		default:
		}
	}
	b.mu.RUnlock()
}

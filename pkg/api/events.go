// pkg/api/events.go
package api

import (
	"context"
	"sync"

	"github.com/valpere/marketrunner/internal/engine"
)

// broadcaster fans the engine's single event channel out to subscribers.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan engine.Event]struct{}
	closed bool
	done   chan struct{}
}

func newBroadcaster(src <-chan engine.Event) *broadcaster {
	b := &broadcaster{
		subs: make(map[chan engine.Event]struct{}),
		done: make(chan struct{}),
	}
	go b.run(src)
	return b
}

func (b *broadcaster) run(src <-chan engine.Event) {
	defer close(b.done)
	for ev := range src {
		b.mu.Lock()
		for ch := range b.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		b.mu.Unlock()
	}
	b.mu.Lock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.mu.Unlock()
}

func (b *broadcaster) subscribe(ctx context.Context, buffer int) <-chan engine.Event {
	ch := make(chan engine.Event, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()
	return ch
}

// wait blocks until the source channel is closed and subscribers released.
func (b *broadcaster) wait() {
	<-b.done
}

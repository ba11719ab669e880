// Package status fans sync events out to subscribers.
package status

import (
	"context"
	"errors"
	"sync"

	"github.com/chmdznr/journal-sync/pkg/models"
)

// ErrClosed is returned by WaitTerminal when the bus closes first.
var ErrClosed = errors.New("status bus closed")

// Bus delivers every published event to all subscribers. A subscriber
// that falls behind loses its oldest undelivered events, never the latest.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan models.Event
	nextID int
	latest *models.Event
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan models.Event)}
}

// Publish records ev as the latest event and offers it to every
// subscriber. It never blocks.
func (b *Bus) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = &ev
	for _, ch := range b.subs {
		offer(ch, ev)
	}
}

// offer must be called with the bus lock held, which makes it the only sender on ch.
func offer(ch chan models.Event, ev models.Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel of events, starting with the latest one if
// any was published. buffer below 1 is raised to 1. The returned function
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.latest != nil {
		ch <- *b.latest
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Latest returns the last published event.
func (b *Bus) Latest() (models.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return models.Event{}, false
	}
	return *b.latest, true
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// WaitTerminal reads events until one of kind ends, or ctx is done.
func WaitTerminal(ctx context.Context, events <-chan models.Event, kind models.JobKind) (models.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return models.Event{}, ErrClosed
			}
			if ev.Kind == kind && ev.Terminal() {
				return ev, nil
			}
		}
	}
}

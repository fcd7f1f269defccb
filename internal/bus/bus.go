// Package bus implements the bounded in-memory fan-out for published
// events. The bus only delivers nudges: subscribers re-project the
// authoritative state from the store, so dropped messages cost a delayed
// refresh, never lost data.
package bus

import (
	"sync"

	"github.com/geofmureithi/broker/pkg/models"
)

// DefaultCapacity is the per-subscriber buffer size
const DefaultCapacity = 100

// Bus broadcasts events to every attached subscriber. Subscribers only see
// events broadcast after they attach.
type Bus struct {
	mu       sync.Mutex
	capacity int
	subs     map[*Subscriber]struct{}
}

// Subscriber is one receiver on the bus. Each subscription owns exactly one.
type Subscriber struct {
	bus *Bus
	ch  chan models.Event
}

// New creates a bus with the given per-subscriber capacity
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Subscribe attaches a fresh receiver
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		bus: b,
		ch:  make(chan models.Event, b.capacity),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	subscriberGauge.Set(float64(n))
	return sub
}

// Broadcast delivers the event to every subscriber without blocking. A full
// receiver drops its oldest buffered event to make room.
func (b *Bus) Broadcast(evt models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			select {
			case <-sub.ch:
				droppedCounter.Inc()
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				droppedCounter.Inc()
			}
		}
	}
}

// Subscribers reports the number of attached receivers
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// TryRecv receives one buffered event without blocking
func (s *Subscriber) TryRecv() (models.Event, bool) {
	select {
	case evt := <-s.ch:
		return evt, true
	default:
		return models.Event{}, false
	}
}

// Close detaches the subscriber from the bus
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	n := len(s.bus.subs)
	s.bus.mu.Unlock()
	subscriberGauge.Set(float64(n))
}

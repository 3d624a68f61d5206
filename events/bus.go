// Package events delivers job state-change notifications to external
// consumers. The bus decouples scheduling from presentation: publishers
// never block, and a slow subscriber loses its oldest events rather than
// stalling the pipeline.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum-optimism/infra/op-retest/metrics"
	"github.com/ethereum-optimism/infra/op-retest/types"
)

// DefaultBuffer is the per-subscriber channel capacity used when Subscribe
// is called with a non-positive size.
const DefaultBuffer = 64

type subscriber struct {
	ch chan types.Event
}

// Bus fans events out to any number of subscribers. Publish serializes
// senders so every subscriber observes the same order.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a consumer and returns its event channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan types.Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan types.Event, buffer)}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber without blocking. When a
// subscriber's buffer is full its oldest event is discarded to make room,
// counted in Dropped.
func (b *Bus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Full buffer: evict the oldest, then retry once. The second
		// send can still lose a race with a concurrent receive, in
		// which case the buffer has room and the send succeeds anyway.
		select {
		case <-sub.ch:
			b.drop()
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.drop()
		}
	}
}

func (b *Bus) drop() {
	b.dropped.Add(1)
	metrics.RecordEventsDropped(1)
}

// Dropped reports how many events were discarded because of full
// subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes every subscriber channel. Publish
// becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

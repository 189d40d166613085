package notify

import (
	"context"
	"sync"
)

// Topics published by the write path. Subscribers treat a signal as "something
// changed, refetch" and never receive payloads.
const (
	TopicCatalog = "catalog"
	TopicOrders  = "orders"
)

// Bus fans out change signals to subscribers. Signals carry no data and may
// be coalesced; a subscriber that missed N signals while busy still observes
// at least one.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a signal channel and a cancel func that releases the
	// subscription. The channel is closed after cancel.
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, func(), error)
	Close() error
}

// InProcessBus is the single-process Bus used when no Redis address is
// configured. Sends are non-blocking: a subscriber with a pending signal
// already buffered simply keeps that one.
type InProcessBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan struct{}
	nextID int
	closed bool
}

func NewInProcessBus() *InProcessBus {
	return &InProcessBus{subs: make(map[string]map[int]chan struct{})}
}

func (b *InProcessBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *InProcessBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan struct{})
	}
	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, 1)
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

func (b *InProcessBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, topic)
	}
	return nil
}

package pubsub

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("pubsub: closed")

// Handler receives raw payloads for one topic. Calls for a topic are
// sequential, in the order the broker delivered them.
type Handler func(data []byte)

// Broker moves encoded events between processes. A Broker makes no delivery
// guarantees beyond "attached subscribers usually receive it".
type Broker interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe attaches h to topic and returns once the attachment is
	// active. The returned func detaches it.
	Subscribe(ctx context.Context, topic string, h Handler) (func() error, error)
	Close() error
}

// MemoryBroker delivers within the process. Publish calls handlers
// synchronously.
type MemoryBroker struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]Handler
	closed   bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{handlers: make(map[string]map[uint64]Handler)}
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	hs := make([]Handler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string, h Handler) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.next++
	id := b.next
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[uint64]Handler)
	}
	b.handlers[topic][id] = h

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
		if len(b.handlers[topic]) == 0 {
			delete(b.handlers, topic)
		}
		return nil
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[uint64]Handler)
	return nil
}

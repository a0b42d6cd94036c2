package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker uses Redis PUBLISH/SUBSCRIBE. Each subscribed topic holds its
// own connection and reader goroutine, which keeps per-topic order.
type RedisBroker struct {
	client redis.UniversalClient
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewRedisBroker(client redis.UniversalClient, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		logger: logger.With("component", "redis-broker"),
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string, h Handler) (func() error, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, topic)
	// Wait for the subscription to be confirmed so nothing published after
	// we return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ps.Close()
		return nil, ErrClosed
	}
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ch {
			h([]byte(msg.Payload))
		}
		b.logger.Debug("topic reader stopped", "topic", topic)
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			err = ps.Close()
		})
		return err
	}, nil
}

// Close closes every topic connection and waits for the readers to stop.
// The Redis client itself is owned by the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for ps := range subs {
		if err := ps.Close(); err != nil {
			b.logger.Warn("closing subscription", "error", err)
		}
	}
	b.wg.Wait()
	return nil
}

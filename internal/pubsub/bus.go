// Package pubsub is the topic-addressed event bus. A Bus owns one broker
// attachment per active topic and fans each received event out to the local
// subscriptions of that topic.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pliu/chatty/internal/events"
	"github.com/pliu/chatty/internal/metrics"
)

const DefaultBuffer = 64

// Filter decides per event whether a subscription receives it.
type Filter func(events.Event) bool

type Option func(*Subscription)

func WithFilter(f Filter) Option {
	return func(s *Subscription) { s.filter = f }
}

// WithBuffer sets how many undelivered events a subscription may hold before
// it is evicted.
func WithBuffer(n int) Option {
	return func(s *Subscription) {
		if n > 0 {
			s.buffer = n
		}
	}
}

type Bus struct {
	broker Broker
	logger *slog.Logger

	// lifecycle serializes broker attach/detach; mu guards the maps and is
	// held only for short, non-blocking work.
	lifecycle sync.Mutex
	mu        sync.Mutex
	topics    map[string]*topicState
	closed    bool
}

type topicState struct {
	subs        map[*Subscription]struct{}
	unsubscribe func() error
}

func NewBus(broker Broker, logger *slog.Logger) *Bus {
	return &Bus{
		broker: broker,
		logger: logger.With("component", "bus"),
		topics: make(map[string]*topicState),
	}
}

// Publish sends ev to its topic. The error is returned so callers can log it;
// a failed publish never undoes anything.
func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	if err := b.broker.Publish(ctx, ev.Topic(), data); err != nil {
		metrics.EventsPublished.WithLabelValues(string(ev.Kind), "error").Inc()
		return err
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind), "ok").Inc()
	return nil
}

// Subscribe attaches a new subscription to topic. It is closed when ctx is
// done, when Close is called, when the bus shuts down, or when it falls
// too far behind.
func (b *Bus) Subscribe(ctx context.Context, topic string, opts ...Option) (*Subscription, error) {
	s := &Subscription{
		bus:    b,
		topic:  topic,
		buffer: DefaultBuffer,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ch = make(chan events.Event, s.buffer)

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	st := b.topics[topic]
	b.mu.Unlock()

	if st == nil {
		unsubscribe, err := b.broker.Subscribe(ctx, topic, func(data []byte) {
			b.deliver(topic, data)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		st = &topicState{subs: make(map[*Subscription]struct{}), unsubscribe: unsubscribe}
		b.mu.Lock()
		b.topics[topic] = st
		b.mu.Unlock()
	}

	b.mu.Lock()
	st.subs[s] = struct{}{}
	b.mu.Unlock()
	metrics.Subscribers.Inc()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (b *Bus) deliver(topic string, data []byte) {
	ev, err := events.Decode(data)
	if err != nil {
		b.logger.Warn("dropping undecodable event", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.topics[topic]
	if st == nil {
		return
	}
	for s := range st.subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn("evicting slow subscriber", "topic", topic, "buffer", s.buffer)
			metrics.EventsDropped.Inc()
			delete(st.subs, s)
			s.closeChan()
		}
	}
}

// detach removes s and releases the broker attachment when s was the last
// subscriber of its topic.
func (b *Bus) detach(s *Subscription) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	st := b.topics[s.topic]
	var release func() error
	if st != nil {
		delete(st.subs, s)
		if len(st.subs) == 0 {
			delete(b.topics, s.topic)
			release = st.unsubscribe
		}
	}
	s.closeChan()
	b.mu.Unlock()

	if release != nil {
		if err := release(); err != nil {
			b.logger.Warn("releasing topic", "topic", s.topic, "error", err)
		}
	}
}

// Close ends every subscription and closes the broker.
func (b *Bus) Close() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topicState)
	for _, st := range topics {
		for s := range st.subs {
			s.closeChan()
		}
	}
	b.mu.Unlock()

	for topic, st := range topics {
		if err := st.unsubscribe(); err != nil {
			b.logger.Warn("releasing topic", "topic", topic, "error", err)
		}
	}
	return b.broker.Close()
}

// Subscription is a live, non-restartable sequence of events for one topic.
type Subscription struct {
	bus    *Bus
	topic  string
	filter Filter
	buffer int
	ch     chan events.Event

	// chClosed is guarded by bus.mu.
	chClosed  bool
	closeOnce sync.Once
	done      chan struct{}
}

// Events is closed once the subscription ends for any reason.
func (s *Subscription) Events() <-chan events.Event { return s.ch }

func (s *Subscription) Topic() string { return s.topic }

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.detach(s)
		metrics.Subscribers.Dec()
	})
}

// closeChan must be called with bus.mu held.
func (s *Subscription) closeChan() {
	if !s.chClosed {
		s.chClosed = true
		close(s.ch)
	}
}

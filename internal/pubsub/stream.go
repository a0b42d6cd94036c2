package pubsub

import (
	"context"

	"github.com/pliu/chatty/internal/events"
)

// Project turns sub into a typed stream. fn extracts the delivered value and
// reports false to skip an event. The returned channel is closed, and sub
// released, when sub ends or ctx is done.
func Project[T any](ctx context.Context, sub *Subscription, fn func(events.Event) (T, bool)) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				v, keep := fn(ev)
				if !keep {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Package pipeline runs the cross-cutting checks every API operation goes
// through before its handler: authentication, rate limiting and chatroom
// access, always in that order.
package pipeline

import (
	"context"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/ratelimit"
)

type Kind int

const (
	Query Kind = iota
	Mutation
	Subscription
)

func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case Mutation:
		return "mutation"
	case Subscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// Operation declares how an API operation is checked.
type Operation struct {
	Name string
	Kind Kind
	// Public operations may be called without a user.
	Public bool
	// RoomScoped operations act on Call.ChatroomID and require access to it.
	RoomScoped bool
}

// Caller identifies who is making the call.
type Caller struct {
	Origin string
	UserID int
}

func (c Caller) Authenticated() bool { return c.UserID != 0 }

type Call struct {
	Op         Operation
	Caller     Caller
	ChatroomID int
}

type Handler func(ctx context.Context, call *Call) error

type Interceptor func(next Handler) Handler

// AccessChecker decides whether a user may act on a chatroom. It returns a
// NOT_FOUND or FORBIDDEN *apperr.Error when not.
type AccessChecker interface {
	CheckAccess(ctx context.Context, chatroomID, userID int) error
}

type Pipeline struct {
	chain []Interceptor
}

// New builds the standard chain. limiter and access may be nil to leave that
// step out.
func New(limiter *ratelimit.Limiter, access AccessChecker) *Pipeline {
	chain := []Interceptor{Authenticate()}
	if limiter != nil {
		chain = append(chain, Throttle(limiter))
	}
	if access != nil {
		chain = append(chain, RoomAccess(access))
	}
	return &Pipeline{chain: chain}
}

// Use builds a pipeline from explicit interceptors, outermost first.
func Use(interceptors ...Interceptor) *Pipeline {
	return &Pipeline{chain: interceptors}
}

// Run passes call through every interceptor and then h.
func (p *Pipeline) Run(ctx context.Context, call *Call, h Handler) error {
	for i := len(p.chain) - 1; i >= 0; i-- {
		h = p.chain[i](h)
	}
	return h(ctx, call)
}

func Authenticate() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) error {
			if !call.Op.Public && !call.Caller.Authenticated() {
				return apperr.Unauthorized("authentication required")
			}
			return next(ctx, call)
		}
	}
}

// Throttle charges the call against the caller's budget for the operation.
// Subscriptions pass through uncounted.
func Throttle(l *ratelimit.Limiter) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) error {
			_, err := l.Allow(ctx, ratelimit.Request{
				Operation:    call.Op.Name,
				Subscription: call.Op.Kind == Subscription,
				Identity:     ratelimit.Tracker(call.Caller.Origin, call.Caller.UserID),
			})
			if err != nil {
				return err
			}
			return next(ctx, call)
		}
	}
}

func RoomAccess(checker AccessChecker) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) error {
			if call.Op.RoomScoped {
				if err := checker.CheckAccess(ctx, call.ChatroomID, call.Caller.UserID); err != nil {
					return err
				}
			}
			return next(ctx, call)
		}
	}
}

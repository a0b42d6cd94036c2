// Package ratelimit counts calls per (identity, operation) in fixed time
// windows stored in Redis.
//
// A counter goes Idle -> Counting on the first call of a window and
// Counting -> Exceeded once the count passes the limit. There is no way back
// from Exceeded; the next window simply starts a new counter.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/metrics"
	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateIdle     State = "idle"
	StateCounting State = "counting"
	StateExceeded State = "exceeded"
)

// AnonymousSubject marks callers without an authenticated user.
const AnonymousSubject = "anonymous"

// expirySlack keeps a window's key around a little past its end.
const expirySlack = time.Second

// incrScript increments the window counter and sets its expiry on the first
// hit, atomically.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Request describes one checked call.
type Request struct {
	Operation string
	// Subscription marks long-lived subscription handshakes, which are never
	// counted.
	Subscription bool
	// Identity is the tracker key, see Tracker.
	Identity string
}

type Result struct {
	State     State
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(client redis.UniversalClient, cfg Config, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tracker builds the identity key from the network origin and the
// authenticated subject. subjectID 0 means anonymous.
func Tracker(origin string, subjectID int) string {
	subject := AnonymousSubject
	if subjectID != 0 {
		subject = strconv.Itoa(subjectID)
	}
	return origin + ":" + subject
}

// Allow counts the call and returns a THROTTLED *apperr.Error once the window
// budget is used up. If Redis is unavailable the call is allowed and the
// failure logged.
func (l *Limiter) Allow(ctx context.Context, req Request) (Result, error) {
	policy := l.cfg.PolicyFor(req.Operation)
	if req.Subscription || policy.Skip || policy.Limit <= 0 || policy.Window <= 0 {
		metrics.RateLimitDecisions.WithLabelValues(req.Operation, string(StateIdle)).Inc()
		return Result{State: StateIdle}, nil
	}

	now := l.now()
	// Counters are keyed by whole milliseconds; config validation rejects
	// shorter windows, anything that slips through counts per millisecond.
	windowMs := max(policy.Window.Milliseconds(), 1)
	index := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((index + 1) * windowMs)
	ttl := resetAt.Sub(now) + expirySlack

	key := fmt.Sprintf("%s%s:%s:%d", l.cfg.KeyPrefix, req.Operation, req.Identity, index)
	count, err := incrScript.Run(ctx, l.client, []string{key}, ttl.Milliseconds()).Int()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request", "operation", req.Operation, "error", err)
		return Result{State: StateIdle}, nil
	}

	res := Result{
		State:     StateCounting,
		Count:     count,
		Limit:     policy.Limit,
		Remaining: max(policy.Limit-count, 0),
		ResetAt:   resetAt,
	}
	if count > policy.Limit {
		res.State = StateExceeded
		metrics.RateLimitDecisions.WithLabelValues(req.Operation, string(res.State)).Inc()
		return res, apperr.Throttled(resetAt.Sub(now))
	}
	metrics.RateLimitDecisions.WithLabelValues(req.Operation, string(res.State)).Inc()
	return res, nil
}

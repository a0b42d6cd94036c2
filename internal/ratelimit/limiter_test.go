package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pliu/chatty/internal/apperr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// Start on a window boundary so the test controls when windows roll.
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	l := New(client, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock.Now))
	return l, clock, mr
}

func testConfig() Config {
	return Config{
		KeyPrefix: "throttler:",
		Default:   Policy{Limit: 100, Window: time.Minute},
		Operations: map[string]Policy{
			"opX":    {Limit: 3, Window: 5 * time.Second},
			"typing": {Skip: true},
		},
	}
}

func TestFourthCallIsThrottled(t *testing.T) {
	l, _, _ := setupLimiter(t, testConfig())
	ctx := context.Background()
	req := Request{Operation: "opX", Identity: Tracker("10.0.0.1", 42)}

	for i := 1; i <= 3; i++ {
		res, err := l.Allow(ctx, req)
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, StateCounting, res.State)
		assert.Equal(t, 3-i, res.Remaining)
	}

	res, err := l.Allow(ctx, req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindThrottled))
	assert.Equal(t, StateExceeded, res.State)
	assert.Equal(t, 0, res.Remaining)
}

func TestSubscriptionNeverThrottled(t *testing.T) {
	l, _, mr := setupLimiter(t, testConfig())
	ctx := context.Background()
	identity := Tracker("10.0.0.1", 42)

	for i := 0; i < 4; i++ {
		_, _ = l.Allow(ctx, Request{Operation: "opX", Identity: identity})
	}
	for i := 0; i < 10; i++ {
		res, err := l.Allow(ctx, Request{Operation: "opX", Subscription: true, Identity: identity})
		require.NoError(t, err)
		assert.Equal(t, StateIdle, res.State)
	}

	keys := mr.Keys()
	assert.Len(t, keys, 1, "subscriptions must not create counters")
}

func TestSkippedOperation(t *testing.T) {
	l, _, mr := setupLimiter(t, testConfig())
	for i := 0; i < 10; i++ {
		res, err := l.Allow(context.Background(), Request{Operation: "typing", Identity: "x:anonymous"})
		require.NoError(t, err)
		assert.Equal(t, StateIdle, res.State)
	}
	assert.Empty(t, mr.Keys())
}

func TestWindowResetsByTime(t *testing.T) {
	l, clock, _ := setupLimiter(t, testConfig())
	ctx := context.Background()
	req := Request{Operation: "opX", Identity: Tracker("10.0.0.1", 0)}

	for i := 0; i < 3; i++ {
		_, err := l.Allow(ctx, req)
		require.NoError(t, err)
	}
	_, err := l.Allow(ctx, req)
	require.Error(t, err)

	var throttled *apperr.Error
	require.ErrorAs(t, err, &throttled)
	assert.Equal(t, 5*time.Second, throttled.RetryAfter)

	clock.Advance(5 * time.Second)
	res, err := l.Allow(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l, _, _ := setupLimiter(t, testConfig())
	ctx := context.Background()

	for _, identity := range []string{Tracker("10.0.0.1", 1), Tracker("10.0.0.1", 2), Tracker("10.0.0.1", 0), Tracker("10.0.0.2", 1)} {
		for i := 0; i < 3; i++ {
			_, err := l.Allow(ctx, Request{Operation: "opX", Identity: identity})
			require.NoError(t, err, identity)
		}
	}
}

func TestDefaultPolicyApplies(t *testing.T) {
	l, _, _ := setupLimiter(t, testConfig())
	res, err := l.Allow(context.Background(), Request{Operation: "other", Identity: "a:anonymous"})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Limit)
}

func TestFailsOpenWhenRedisIsDown(t *testing.T) {
	l, _, mr := setupLimiter(t, testConfig())
	mr.Close()

	res, err := l.Allow(context.Background(), Request{Operation: "opX", Identity: "a:anonymous"})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
}

func TestTracker(t *testing.T) {
	assert.Equal(t, "10.0.0.1:42", Tracker("10.0.0.1", 42))
	assert.Equal(t, "10.0.0.1:anonymous", Tracker("10.0.0.1", 0))
}

func TestDefaultConfigSkipsTyping(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.PolicyFor("userStartedTyping").Skip)
	assert.Equal(t, 2, cfg.PolicyFor("sendMessage").Limit)
	assert.Equal(t, time.Minute, cfg.PolicyFor("unknown").Window)

	for _, op := range []string{"updateUserProfile", "searchUsers", "findUserById", "getUsersOfChatroom"} {
		assert.Equal(t, Policy{Limit: 10, Window: 5 * time.Second}, cfg.PolicyFor(op), op)
	}
}

func TestSubMillisecondWindowStillCounts(t *testing.T) {
	cfg := testConfig()
	cfg.Operations["tiny"] = Policy{Limit: 3, Window: 500 * time.Microsecond}
	l, clock, _ := setupLimiter(t, cfg)
	ctx := context.Background()
	req := Request{Operation: "tiny", Identity: Tracker("10.0.0.1", 42)}

	for i := 1; i <= 3; i++ {
		_, err := l.Allow(ctx, req)
		require.NoError(t, err, "call %d", i)
	}
	_, err := l.Allow(ctx, req)
	assert.True(t, apperr.Is(err, apperr.KindThrottled))

	clock.Advance(time.Millisecond)
	_, err = l.Allow(ctx, req)
	assert.NoError(t, err)
}

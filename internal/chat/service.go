// Package chat implements chatrooms and their message history. Every write
// goes through the same three steps: commit to the record store, invalidate
// the cached reads it affects, then publish an event for live subscribers.
// The last two steps are retried but never reordered, and never undo the
// commit.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/cache"
	"github.com/pliu/chatty/internal/events"
	"github.com/pliu/chatty/internal/pubsub"
	"github.com/pliu/chatty/internal/store"
)

type Config struct {
	LatestPageTTL  time.Duration `yaml:"latestPageTTL"`
	HistoryPageTTL time.Duration `yaml:"historyPageTTL"`
	ChatroomTTL    time.Duration `yaml:"chatroomTTL"`
	UserRoomsTTL   time.Duration `yaml:"userRoomsTTL"`
	MembersTTL     time.Duration `yaml:"membersTTL"`
	// Attempts is how often invalidation and publish are tried after a commit.
	Attempts     int           `yaml:"attempts"`
	RetryBackoff time.Duration `yaml:"retryBackoff"`
}

func DefaultConfig() Config {
	return Config{
		LatestPageTTL:  5 * time.Second,
		HistoryPageTTL: 60 * time.Second,
		ChatroomTTL:    60 * time.Second,
		UserRoomsTTL:   30 * time.Second,
		MembersTTL:     60 * time.Second,
		Attempts:       3,
		RetryBackoff:   50 * time.Millisecond,
	}
}

type Service struct {
	store  store.Store
	cache  *cache.Cache
	bus    *pubsub.Bus
	cfg    Config
	logger *slog.Logger
}

func NewService(st store.Store, c *cache.Cache, bus *pubsub.Bus, cfg Config, logger *slog.Logger) *Service {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Service{
		store:  st,
		cache:  c,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "chat"),
	}
}

// invalidate deletes keys and drops the cached history of rooms. It runs
// after a commit, so it keeps going when the caller has gone away. History
// pages are bumped before the sweep so a page loaded before the commit is
// never stored after it.
func (s *Service) invalidate(ctx context.Context, keys []string, rooms ...int) {
	s.retry(ctx, "invalidate cache", func(ctx context.Context) error {
		if err := s.cache.Delete(ctx, keys...); err != nil {
			return err
		}
		for _, room := range rooms {
			if err := s.cache.Bump(ctx, messagesScope(room)); err != nil {
				return err
			}
			if _, err := s.cache.DeletePattern(ctx, messagesPattern(room)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	s.retry(ctx, "publish "+string(ev.Kind), func(ctx context.Context) error {
		return s.bus.Publish(ctx, ev)
	})
}

// retry runs fn up to cfg.Attempts times. The final failure is logged and
// dropped: the durable write already happened.
func (s *Service) retry(ctx context.Context, what string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return
		}
		if errors.Is(err, pubsub.ErrClosed) {
			break
		}
		if attempt < s.cfg.Attempts {
			time.Sleep(s.cfg.RetryBackoff * time.Duration(attempt))
		}
	}
	s.logger.Error(what+" failed", "attempts", s.cfg.Attempts, "error", err)
}

// upstream passes *apperr.Error values through and wraps anything else as an
// UPSTREAM failure.
func upstream(err error, msg string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Upstream(msg, err)
}

// notFoundOr maps store.ErrNotFound to a NOT_FOUND error.
func notFoundOr(err error, notFound *apperr.Error, msg string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return upstream(err, msg)
}

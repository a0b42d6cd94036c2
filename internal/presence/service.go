// Package presence tracks which users are currently inside a chatroom and
// broadcasts the room's live user list whenever it changes.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/events"
	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/pubsub"
	"github.com/pliu/chatty/internal/store"
)

// UserLookup resolves the user entering a room.
type UserLookup interface {
	GetUserByID(ctx context.Context, id int) (*models.User, error)
}

type Service struct {
	tracker *Tracker
	users   UserLookup
	bus     *pubsub.Bus
	logger  *slog.Logger
	locks   roomLocks
}

func NewService(tracker *Tracker, users UserLookup, bus *pubsub.Bus, logger *slog.Logger) *Service {
	return &Service{
		tracker: tracker,
		users:   users,
		bus:     bus,
		logger:  logger.With("component", "presence"),
		locks:   roomLocks{m: make(map[int]*roomLock)},
	}
}

// Enter adds the user to the room's live set and broadcasts the new list. It
// reports whether the user was newly added.
func (s *Service) Enter(ctx context.Context, chatroomID, userID int) (bool, error) {
	u, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, apperr.NotFound("user %d not found", userID)
	}
	if err != nil {
		return false, apperr.Upstream("could not load user", err)
	}

	unlock := s.locks.lock(chatroomID)
	defer unlock()

	added, err := s.tracker.AddLive(ctx, chatroomID, u.Public())
	if err != nil {
		return false, apperr.Upstream("could not update presence", err)
	}
	s.broadcast(context.WithoutCancel(ctx), chatroomID)
	return added, nil
}

// Leave removes the user from the room's live set and broadcasts the new
// list. Leaving a room the user is not in succeeds.
func (s *Service) Leave(ctx context.Context, chatroomID, userID int) error {
	unlock := s.locks.lock(chatroomID)
	defer unlock()

	if err := s.tracker.RemoveLive(ctx, chatroomID, userID); err != nil {
		return apperr.Upstream("could not update presence", err)
	}
	s.broadcast(context.WithoutCancel(ctx), chatroomID)
	return nil
}

// Clear forgets everyone in a deleted room and tells its subscribers the
// room is empty.
func (s *Service) Clear(ctx context.Context, chatroomID int) error {
	unlock := s.locks.lock(chatroomID)
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	if err := s.tracker.Clear(ctx, chatroomID); err != nil {
		return apperr.Upstream("could not clear presence", err)
	}
	metrics.LiveUsers.DeleteLabelValues(strconv.Itoa(chatroomID))

	// The sequence restarts with the room gone, so the final list carries
	// none and is never dropped as stale.
	if err := s.bus.Publish(ctx, events.LiveUsers(chatroomID, nil, 0)); err != nil {
		s.logger.Warn("publishing cleared live users", "chatroom", chatroomID, "error", err)
	}
	return nil
}

func (s *Service) LiveUsers(ctx context.Context, chatroomID int) ([]models.User, error) {
	users, err := s.tracker.ListLive(ctx, chatroomID)
	if err != nil {
		return nil, apperr.Upstream("could not load live users", err)
	}
	return users, nil
}

// Stream delivers the room's live user list each time it changes. Lists
// older than one already delivered are skipped.
func (s *Service) Stream(ctx context.Context, chatroomID int) (<-chan []models.User, error) {
	sub, err := s.bus.Subscribe(ctx, events.Topic(events.KindLiveUsers, chatroomID))
	if err != nil {
		return nil, apperr.Upstream("could not subscribe", err)
	}
	var last int64
	return pubsub.Project(ctx, sub, func(ev events.Event) ([]models.User, bool) {
		if ev.Seq != 0 && ev.Seq <= last {
			return nil, false
		}
		last = ev.Seq
		if ev.LiveUsers == nil {
			return []models.User{}, true
		}
		return ev.LiveUsers, true
	}), nil
}

// broadcast publishes the current list. The membership change has already
// happened, so callers pass a context that outlives the request, and
// failures are logged and dropped.
func (s *Service) broadcast(ctx context.Context, chatroomID int) {
	seq, users, err := s.tracker.Snapshot(ctx, chatroomID)
	if err != nil {
		s.logger.Error("reading presence snapshot", "chatroom", chatroomID, "error", err)
		return
	}
	metrics.LiveUsers.WithLabelValues(strconv.Itoa(chatroomID)).Set(float64(len(users)))

	if err := s.bus.Publish(ctx, events.LiveUsers(chatroomID, users, seq)); err != nil {
		s.logger.Warn("publishing live users", "chatroom", chatroomID, "seq", seq, "error", err)
	}
}

// roomLocks hands out one mutex per chatroom so that mutate, snapshot and
// publish for a room happen one at a time in this process.
type roomLocks struct {
	mu sync.Mutex
	m  map[int]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func (l *roomLocks) lock(chatroomID int) func() {
	l.mu.Lock()
	rl := l.m[chatroomID]
	if rl == nil {
		rl = &roomLock{}
		l.m[chatroomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.m, chatroomID)
		}
		l.mu.Unlock()
	}
}

package chat

import (
	"context"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/events"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/pubsub"
)

// StartTyping tells the room's subscribers that userID is typing.
func (s *Service) StartTyping(ctx context.Context, chatroomID, userID int) (*models.User, error) {
	return s.typing(ctx, chatroomID, userID, events.StartedTyping)
}

func (s *Service) StopTyping(ctx context.Context, chatroomID, userID int) (*models.User, error) {
	return s.typing(ctx, chatroomID, userID, events.StoppedTyping)
}

func (s *Service) typing(ctx context.Context, chatroomID, userID int, event func(int, models.User) events.Event) (*models.User, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, notFoundOr(err, apperr.NotFound("user %d not found", userID), "could not load user")
	}
	public := u.Public()
	// Typing notices are ephemeral; one attempt is enough.
	if err := s.bus.Publish(ctx, event(chatroomID, public)); err != nil {
		s.logger.Warn("publishing typing event", "chatroom", chatroomID, "user", userID, "error", err)
	}
	return &public, nil
}

// NewMessages streams messages sent to the room from now on.
func (s *Service) NewMessages(ctx context.Context, chatroomID int) (<-chan models.MessageEdge, error) {
	sub, err := s.bus.Subscribe(ctx, events.Topic(events.KindNewMessage, chatroomID))
	if err != nil {
		return nil, apperr.Upstream("could not subscribe", err)
	}
	return pubsub.Project(ctx, sub, func(ev events.Event) (models.MessageEdge, bool) {
		return *ev.NewMessage, true
	}), nil
}

// TypingStarted streams users who start typing in the room, except viewerID.
func (s *Service) TypingStarted(ctx context.Context, chatroomID, viewerID int) (<-chan models.User, error) {
	return s.typingStream(ctx, events.KindUserStartedTyping, chatroomID, viewerID)
}

func (s *Service) TypingStopped(ctx context.Context, chatroomID, viewerID int) (<-chan models.User, error) {
	return s.typingStream(ctx, events.KindUserStoppedTyping, chatroomID, viewerID)
}

func (s *Service) typingStream(ctx context.Context, kind events.Kind, chatroomID, viewerID int) (<-chan models.User, error) {
	sub, err := s.bus.Subscribe(ctx, events.Topic(kind, chatroomID),
		pubsub.WithFilter(func(ev events.Event) bool { return ev.TypingUserID != viewerID }))
	if err != nil {
		return nil, apperr.Upstream("could not subscribe", err)
	}
	return pubsub.Project(ctx, sub, func(ev events.Event) (models.User, bool) {
		return *ev.User, true
	}), nil
}

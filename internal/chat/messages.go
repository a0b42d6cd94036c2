package chat

import (
	"context"
	"strings"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/events"
	"github.com/pliu/chatty/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 50
)

// ClampPageSize maps non-positive sizes to DefaultPageSize and caps at
// MaxPageSize.
func ClampPageSize(take int) int {
	switch {
	case take <= 0:
		return DefaultPageSize
	case take > MaxPageSize:
		return MaxPageSize
	default:
		return take
	}
}

// GetMessagesForChatroom returns one page of a room's history. Pages walk
// backwards in time: the first page (nil cursor) holds the newest messages
// and each page's EndCursor resumes with older ones. Edges within a page are
// oldest first. A cursor that is not a valid message id is ignored.
func (s *Service) GetMessagesForChatroom(ctx context.Context, chatroomID, take int, cursor *int) (*models.MessagePage, error) {
	take = ClampPageSize(take)
	if cursor != nil && *cursor <= 0 {
		cursor = nil
	}

	ttl := s.cfg.HistoryPageTTL
	if cursor == nil {
		ttl = s.cfg.LatestPageTTL
	}

	var page models.MessagePage
	err := s.cache.WrapScoped(ctx, messagesScope(chatroomID), messagesKey(chatroomID, take, cursor), ttl, &page,
		func(ctx context.Context) (any, error) {
			return s.loadMessages(ctx, chatroomID, take, cursor)
		},
		func(v any) bool { return len(v.(*models.MessagePage).Edges) > 0 },
	)
	if err != nil {
		return nil, upstream(err, "could not load messages")
	}
	if page.Edges == nil {
		page.Edges = []models.MessageEdge{}
	}
	return &page, nil
}

func (s *Service) loadMessages(ctx context.Context, chatroomID, take int, cursor *int) (*models.MessagePage, error) {
	if _, err := s.store.GetChatroom(ctx, chatroomID); err != nil {
		return nil, notFoundOr(err, apperr.NotFound("chatroom %d not found", chatroomID), "could not load chatroom")
	}

	// One extra row tells us whether an older page exists.
	rows, err := s.store.ListMessages(ctx, chatroomID, cursor, take+1)
	if err != nil {
		return nil, upstream(err, "could not load messages")
	}
	hasNext := len(rows) > take
	if hasNext {
		rows = rows[:take]
	}

	total, err := s.store.CountMessages(ctx, chatroomID)
	if err != nil {
		return nil, upstream(err, "could not count messages")
	}

	page := &models.MessagePage{
		Edges:      make([]models.MessageEdge, len(rows)),
		PageInfo:   models.PageInfo{HasNextPage: hasNext},
		TotalCount: total,
	}
	for i, m := range rows {
		page.Edges[len(rows)-1-i] = models.NewEdge(m)
	}
	if len(rows) > 0 {
		end := rows[len(rows)-1].ID
		page.PageInfo.EndCursor = &end
	}
	return page, nil
}

// SendMessage stores a message, drops every cached page of the room, and
// announces the message on the room's newMessage topic.
func (s *Service) SendMessage(ctx context.Context, chatroomID, userID int, content, imageURL string) (*models.MessageEdge, error) {
	if strings.TrimSpace(content) == "" && imageURL == "" {
		return nil, apperr.BadRequest("message needs text or an image")
	}
	if _, err := s.store.GetChatroom(ctx, chatroomID); err != nil {
		return nil, notFoundOr(err, apperr.NotFound("chatroom %d not found", chatroomID), "could not load chatroom")
	}

	msg := &models.Message{
		ChatroomID: chatroomID,
		UserID:     userID,
		Content:    content,
		ImageURL:   imageURL,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, upstream(err, "could not save message")
	}
	edge := models.NewEdge(*msg)

	// A new message shifts every page boundary and the rooms' last message.
	keys := []string{messagesKey(chatroomID, DefaultPageSize, nil)}
	if ids, err := s.memberIDs(ctx, chatroomID); err == nil {
		for _, id := range ids {
			keys = append(keys, userChatroomsKey(id))
		}
	} else {
		s.logger.Warn("loading members for invalidation", "chatroom", chatroomID, "error", err)
	}
	s.invalidate(ctx, keys, chatroomID)

	s.publish(ctx, events.NewMessage(edge))
	return &edge, nil
}

package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store"
)

var colorHex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type CreateChatroomInput struct {
	Name        string        `json:"name" validate:"required,max=64"`
	Description string        `json:"description" validate:"max=512"`
	ColorHex    string        `json:"colorHex" validate:"omitempty,hexcolor"`
	Image       string        `json:"image" validate:"omitempty,max=1024"`
	Access      models.Access `json:"access" validate:"omitempty,oneof=PUBLIC PRIVATE"`
	UserIDs     []int         `json:"userIds" validate:"omitempty,dive,gt=0"`
}

// CreateChatroom creates a room administered by adminID, with the admin and
// in.UserIDs as members.
func (s *Service) CreateChatroom(ctx context.Context, adminID int, in CreateChatroomInput) (*models.Chatroom, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperr.BadRequest("chatroom name is required")
	}
	if in.Access == "" {
		in.Access = models.AccessPublic
	}
	if !in.Access.Valid() {
		return nil, apperr.BadRequest("invalid access %q", in.Access)
	}
	if in.ColorHex != "" && !colorHex.MatchString(in.ColorHex) {
		return nil, apperr.BadRequest("invalid color %q", in.ColorHex)
	}

	if _, err := s.store.GetChatroomByName(ctx, in.Name); err == nil {
		return nil, apperr.BadRequest("chatroom %q already exists", in.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, upstream(err, "could not check chatroom name")
	}
	if err := s.requireUsers(ctx, in.UserIDs); err != nil {
		return nil, err
	}

	room := &models.Chatroom{
		Name:        in.Name,
		Description: in.Description,
		ColorHex:    in.ColorHex,
		Image:       in.Image,
		Access:      in.Access,
		AdminID:     adminID,
	}
	if err := s.store.CreateChatroom(ctx, room, in.UserIDs); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.BadRequest("chatroom %q already exists", in.Name)
		}
		return nil, upstream(err, "could not create chatroom")
	}

	keys := []string{userChatroomsKey(adminID)}
	for _, id := range in.UserIDs {
		keys = append(keys, userChatroomsKey(id))
	}
	s.invalidate(ctx, keys)
	return room, nil
}

// AddUsersToChatroom connects users to the room. Users already in it are
// left as they are.
func (s *Service) AddUsersToChatroom(ctx context.Context, chatroomID int, userIDs []int) (*models.Chatroom, error) {
	if len(userIDs) == 0 {
		return nil, apperr.BadRequest("no users given")
	}
	if err := s.requireUsers(ctx, userIDs); err != nil {
		return nil, err
	}

	if err := s.store.AddMembers(ctx, chatroomID, userIDs); err != nil {
		return nil, notFoundOr(err, apperr.NotFound("chatroom %d not found", chatroomID), "could not add users")
	}

	// Every member's room summary lists the members, not just the new ones.
	affected := userIDs
	if ids, err := s.store.ListMemberIDs(ctx, chatroomID); err == nil {
		affected = append(ids, userIDs...)
	} else {
		s.logger.Warn("loading members for invalidation", "chatroom", chatroomID, "error", err)
	}
	keys := []string{chatroomKey(chatroomID), membersKey(chatroomID)}
	for _, id := range affected {
		keys = append(keys, userChatroomsKey(id))
	}
	s.invalidate(ctx, keys)

	room, err := s.store.GetChatroom(ctx, chatroomID)
	if err != nil {
		return nil, notFoundOr(err, apperr.NotFound("chatroom %d not found", chatroomID), "could not load chatroom")
	}
	return room, nil
}

// DeleteChatroom removes the room with its messages and memberships.
func (s *Service) DeleteChatroom(ctx context.Context, chatroomID int) error {
	memberIDs, err := s.store.ListMemberIDs(ctx, chatroomID)
	if err != nil {
		return upstream(err, "could not load members")
	}
	if err := s.store.DeleteChatroom(ctx, chatroomID); err != nil {
		return notFoundOr(err, apperr.NotFound("chatroom %d not found", chatroomID), "could not delete chatroom")
	}

	keys := []string{chatroomKey(chatroomID), membersKey(chatroomID)}
	for _, id := range memberIDs {
		keys = append(keys, userChatroomsKey(id))
	}
	s.invalidate(ctx, keys, chatroomID)
	return nil
}

func (s *Service) GetChatroomByID(ctx context.Context, chatroomID int) (*models.ChatroomDetails, error) {
	var details models.ChatroomDetails
	err := s.cache.Wrap(ctx, chatroomKey(chatroomID), s.cfg.ChatroomTTL, &details,
		func(ctx context.Context) (any, error) {
			room, err := s.store.GetChatroom(ctx, chatroomID)
			if err != nil {
				return nil, notFoundOr(err, apperr.NotFound("chatroom %d not found", chatroomID), "could not load chatroom")
			}
			members, err := s.members(ctx, chatroomID)
			if err != nil {
				return nil, err
			}
			return &models.ChatroomDetails{Chatroom: *room, Members: members}, nil
		}, nil)
	if err != nil {
		return nil, upstream(err, "could not load chatroom")
	}
	return &details, nil
}

// GetChatroomsForUser lists the rooms userID belongs to, each with its
// members and latest message.
func (s *Service) GetChatroomsForUser(ctx context.Context, userID int) ([]models.ChatroomSummary, error) {
	var summaries []models.ChatroomSummary
	err := s.cache.Wrap(ctx, userChatroomsKey(userID), s.cfg.UserRoomsTTL, &summaries,
		func(ctx context.Context) (any, error) {
			rooms, err := s.store.ListChatroomsForUser(ctx, userID)
			if err != nil {
				return nil, upstream(err, "could not load chatrooms")
			}
			out := make([]models.ChatroomSummary, 0, len(rooms))
			for _, room := range rooms {
				members, err := s.members(ctx, room.ID)
				if err != nil {
					return nil, err
				}
				last, err := s.store.LatestMessage(ctx, room.ID)
				if err != nil {
					return nil, upstream(err, "could not load latest message")
				}
				out = append(out, models.ChatroomSummary{Chatroom: room, Members: members, LastMessage: last})
			}
			return out, nil
		},
		func(v any) bool { return len(v.([]models.ChatroomSummary)) > 0 },
	)
	if err != nil {
		return nil, upstream(err, "could not load chatrooms")
	}
	if summaries == nil {
		summaries = []models.ChatroomSummary{}
	}
	return summaries, nil
}

const maxSearchResults = 50

// SearchChatrooms finds rooms by name among those userID can see.
func (s *Service) SearchChatrooms(ctx context.Context, userID int, term string, limit int) (*models.SearchResult, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return &models.SearchResult{Chatrooms: []models.Chatroom{}}, nil
	}
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}
	rooms, total, err := s.store.SearchChatrooms(ctx, term, userID, limit)
	if err != nil {
		return nil, upstream(err, "could not search chatrooms")
	}
	if rooms == nil {
		rooms = []models.Chatroom{}
	}
	return &models.SearchResult{Chatrooms: rooms, TotalCount: total}, nil
}

// CheckAccess lets anyone into public rooms and only members into private
// ones.
func (s *Service) CheckAccess(ctx context.Context, chatroomID, userID int) error {
	details, err := s.GetChatroomByID(ctx, chatroomID)
	if err != nil {
		return err
	}
	if details.Access == models.AccessPublic {
		return nil
	}
	ids, err := s.memberIDs(ctx, chatroomID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == userID {
			return nil
		}
	}
	return apperr.Forbidden("you are not a member of this chatroom")
}

func (s *Service) memberIDs(ctx context.Context, chatroomID int) ([]int, error) {
	var ids []int
	err := s.cache.Wrap(ctx, membersKey(chatroomID), s.cfg.MembersTTL, &ids,
		func(ctx context.Context) (any, error) {
			ids, err := s.store.ListMemberIDs(ctx, chatroomID)
			if err != nil {
				return nil, upstream(err, "could not load members")
			}
			if ids == nil {
				ids = []int{}
			}
			return ids, nil
		}, nil)
	if err != nil {
		return nil, upstream(err, "could not load members")
	}
	return ids, nil
}

func (s *Service) members(ctx context.Context, chatroomID int) ([]models.User, error) {
	ids, err := s.store.ListMemberIDs(ctx, chatroomID)
	if err != nil {
		return nil, upstream(err, "could not load members")
	}
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, upstream(err, "could not load members")
	}
	return publicUsers(users), nil
}

func (s *Service) requireUsers(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return upstream(err, "could not load users")
	}
	found := make(map[int]bool, len(users))
	for _, u := range users {
		found[u.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return apperr.NotFound("user %d not found", id)
		}
	}
	return nil
}

package chat

import (
	"context"
	"strings"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
)

// UpdateProfileInput changes the caller's profile. An empty AvatarURL keeps
// the current avatar.
type UpdateProfileInput struct {
	Fullname  string `json:"fullname" validate:"required,max=128"`
	AvatarURL string `json:"avatarUrl" validate:"omitempty,max=1024"`
}

// UpdateUserProfile saves the profile and drops the cached room details and
// room summaries that list the user as a member.
func (s *Service) UpdateUserProfile(ctx context.Context, userID int, in UpdateProfileInput) (*models.User, error) {
	in.Fullname = strings.TrimSpace(in.Fullname)
	if in.Fullname == "" {
		return nil, apperr.BadRequest("fullname is required")
	}
	user, err := s.store.UpdateUserProfile(ctx, userID, in.Fullname, in.AvatarURL)
	if err != nil {
		return nil, notFoundOr(err, apperr.NotFound("user %d not found", userID), "could not update profile")
	}

	rooms, err := s.store.ListChatroomsForUser(ctx, userID)
	if err != nil {
		s.logger.Warn("loading rooms for invalidation", "user", userID, "error", err)
		s.invalidate(ctx, []string{userChatroomsKey(userID)})
		return user, nil
	}
	seen := map[int]bool{userID: true}
	keys := []string{userChatroomsKey(userID)}
	for _, room := range rooms {
		keys = append(keys, chatroomKey(room.ID))
		ids, err := s.store.ListMemberIDs(ctx, room.ID)
		if err != nil {
			s.logger.Warn("loading members for invalidation", "chatroom", room.ID, "error", err)
			continue
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				keys = append(keys, userChatroomsKey(id))
			}
		}
	}
	s.invalidate(ctx, keys)
	return user, nil
}

// SearchUsers finds users whose fullname contains term, leaving out the
// caller.
func (s *Service) SearchUsers(ctx context.Context, callerID int, term string) ([]models.User, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []models.User{}, nil
	}
	users, err := s.store.SearchUsersByFullname(ctx, term, callerID, maxSearchResults)
	if err != nil {
		return nil, upstream(err, "could not search users")
	}
	return publicUsers(users), nil
}

// GetUsersOfChatroom lists the room's members, newest accounts first.
func (s *Service) GetUsersOfChatroom(ctx context.Context, chatroomID int) ([]models.User, error) {
	if _, err := s.store.GetChatroom(ctx, chatroomID); err != nil {
		return nil, notFoundOr(err, apperr.NotFound("chatroom %d not found", chatroomID), "could not load chatroom")
	}
	users, err := s.store.ListChatroomUsers(ctx, chatroomID)
	if err != nil {
		return nil, upstream(err, "could not load members")
	}
	return publicUsers(users), nil
}

func (s *Service) FindUserByID(ctx context.Context, id int) (*models.User, error) {
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, apperr.NotFound("user %d not found", id), "could not load user")
	}
	pub := user.Public()
	return &pub, nil
}

func publicUsers(users []models.User) []models.User {
	out := make([]models.User, len(users))
	for i, u := range users {
		out[i] = u.Public()
	}
	return out
}

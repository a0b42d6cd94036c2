package store

import (
	"context"
	"errors"

	"github.com/pliu/chatty/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	GetUsersByIDs(ctx context.Context, ids []int) ([]models.User, error)
	// UpdateUserProfile keeps the current avatar when avatarURL is empty.
	UpdateUserProfile(ctx context.Context, id int, fullname, avatarURL string) (*models.User, error)
	SearchUsersByFullname(ctx context.Context, term string, excludeID, limit int) ([]models.User, error)
	ListChatroomUsers(ctx context.Context, chatroomID int) ([]models.User, error)

	// Chatroom operations
	CreateChatroom(ctx context.Context, room *models.Chatroom, memberIDs []int) error
	GetChatroom(ctx context.Context, id int) (*models.Chatroom, error)
	GetChatroomByName(ctx context.Context, name string) (*models.Chatroom, error)
	DeleteChatroom(ctx context.Context, id int) error
	AddMembers(ctx context.Context, chatroomID int, userIDs []int) error
	ListMemberIDs(ctx context.Context, chatroomID int) ([]int, error)
	ListChatroomsForUser(ctx context.Context, userID int) ([]models.Chatroom, error)
	SearchChatrooms(ctx context.Context, term string, userID, limit int) ([]models.Chatroom, int, error)

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns up to limit messages newest first. A non-nil
	// cursor excludes the cursor message and everything newer.
	ListMessages(ctx context.Context, chatroomID int, cursor *int, limit int) ([]models.Message, error)
	CountMessages(ctx context.Context, chatroomID int) (int, error)
	LatestMessage(ctx context.Context, chatroomID int) (*models.Message, error)

	Close() error
}

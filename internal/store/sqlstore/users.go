package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store"
)

const userColumns = "id, username, COALESCE(fullname, ''), COALESCE(email, ''), COALESCE(avatar_url, ''), password, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.Fullname, &u.Email, &u.AvatarURL, &u.Password, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	query := s.rebind("INSERT INTO users (username, fullname, email, avatar_url, password, created_at) VALUES (?, ?, ?, ?, ?, ?) RETURNING id")
	err := s.db.QueryRowContext(ctx, query, user.Username, user.Fullname, nullString(user.Email), user.AvatarURL, user.Password, user.CreatedAt).Scan(&user.ID)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username = ?")
	u, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	return u, notFound(err)
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	return u, notFound(err)
}

// GetUsersByIDs returns the users that exist among ids, ordered by id.
func (s *SQLStore) GetUsersByIDs(ctx context.Context, ids []int) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id IN (" + placeholders(len(ids)) + ") ORDER BY id")
	rows, err := s.db.QueryContext(ctx, query, intArgs(ids)...)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

// UpdateUserProfile sets the user's fullname and, when avatarURL is not
// empty, the avatar. It returns the updated row.
func (s *SQLStore) UpdateUserProfile(ctx context.Context, id int, fullname, avatarURL string) (*models.User, error) {
	query := s.rebind("UPDATE users SET fullname = ?, avatar_url = COALESCE(NULLIF(?, ''), avatar_url) WHERE id = ?")
	res, err := s.db.ExecContext(ctx, query, fullname, avatarURL, id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetUserByID(ctx, id)
}

// SearchUsersByFullname matches fullnames case-insensitively, leaving out
// excludeID.
func (s *SQLStore) SearchUsersByFullname(ctx context.Context, term string, excludeID, limit int) ([]models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE LOWER(fullname) LIKE ? AND id <> ? ORDER BY fullname, id LIMIT ?")
	rows, err := s.db.QueryContext(ctx, query, "%"+strings.ToLower(term)+"%", excludeID, limit)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

// ListChatroomUsers returns the room's members, newest accounts first.
func (s *SQLStore) ListChatroomUsers(ctx context.Context, chatroomID int) ([]models.User, error) {
	query := s.rebind(`
		SELECT u.id, u.username, COALESCE(u.fullname, ''), COALESCE(u.email, ''), COALESCE(u.avatar_url, ''), u.password, u.created_at
		FROM users u
		JOIN chatroom_members m ON m.user_id = u.id
		WHERE m.chatroom_id = ?
		ORDER BY u.created_at DESC, u.id DESC`)
	rows, err := s.db.QueryContext(ctx, query, chatroomID)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]models.User, error) {
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

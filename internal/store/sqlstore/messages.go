package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pliu/chatty/internal/models"
)

const messageColumns = "id, chatroom_id, COALESCE(user_id, 0), content, COALESCE(image_url, ''), created_at"

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m         models.Message
		createdAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.ChatroomID, &m.UserID, &m.Content, &m.ImageURL, &createdAt); err != nil {
		return nil, err
	}
	if createdAt.Valid {
		m.CreatedAt = createdAt.Time
	} else {
		m.CreatedAt = time.Now().UTC()
	}
	return &m, nil
}

func (s *SQLStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	query := s.rebind("INSERT INTO messages (chatroom_id, user_id, content, image_url, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id")
	return s.db.QueryRowContext(ctx, query, msg.ChatroomID, msg.UserID, msg.Content, nullString(msg.ImageURL), msg.CreatedAt).Scan(&msg.ID)
}

// ListMessages scans newest first. Ids are assigned in creation order, so
// ordering by id is ordering by creation time.
func (s *SQLStore) ListMessages(ctx context.Context, chatroomID int, cursor *int, limit int) ([]models.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE chatroom_id = ?"
	args := []any{chatroomID}
	if cursor != nil {
		query += " AND id < ?"
		args = append(args, *cursor)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) CountMessages(ctx context.Context, chatroomID int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM messages WHERE chatroom_id = ?"), chatroomID).Scan(&n)
	return n, err
}

// LatestMessage returns nil without error when the room has no messages.
func (s *SQLStore) LatestMessage(ctx context.Context, chatroomID int) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE chatroom_id = ? ORDER BY id DESC LIMIT 1")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, chatroomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

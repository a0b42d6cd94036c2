package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store"
)

const chatroomColumns = "c.id, c.name, COALESCE(c.description, ''), COALESCE(c.color_hex, ''), COALESCE(c.image, ''), c.access, COALESCE(c.admin_id, 0), c.created_at, c.updated_at"

func scanChatroom(row rowScanner) (*models.Chatroom, error) {
	var c models.Chatroom
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.ColorHex, &c.Image, &c.Access, &c.AdminID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanChatrooms(rows *sql.Rows) ([]models.Chatroom, error) {
	defer rows.Close()
	var rooms []models.Chatroom
	for rows.Next() {
		c, err := scanChatroom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *c)
	}
	return rooms, rows.Err()
}

// CreateChatroom inserts the room and connects the admin and memberIDs to it
// in one transaction. room.ID and timestamps are filled in on success.
func (s *SQLStore) CreateChatroom(ctx context.Context, room *models.Chatroom, memberIDs []int) error {
	now := time.Now().UTC()
	room.CreatedAt, room.UpdatedAt = now, now
	if room.Access == "" {
		room.Access = models.AccessPublic
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind("INSERT INTO chatrooms (name, description, color_hex, image, access, admin_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id")
		if err := tx.QueryRowContext(ctx, query, room.Name, room.Description, room.ColorHex, room.Image, room.Access, room.AdminID, now, now).Scan(&room.ID); err != nil {
			return err
		}
		return s.addMembers(ctx, tx, room.ID, append([]int{room.AdminID}, memberIDs...))
	})
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *SQLStore) GetChatroom(ctx context.Context, id int) (*models.Chatroom, error) {
	query := s.rebind("SELECT " + chatroomColumns + " FROM chatrooms c WHERE c.id = ?")
	c, err := scanChatroom(s.db.QueryRowContext(ctx, query, id))
	return c, notFound(err)
}

func (s *SQLStore) GetChatroomByName(ctx context.Context, name string) (*models.Chatroom, error) {
	query := s.rebind("SELECT " + chatroomColumns + " FROM chatrooms c WHERE c.name = ?")
	c, err := scanChatroom(s.db.QueryRowContext(ctx, query, name))
	return c, notFound(err)
}

func (s *SQLStore) DeleteChatroom(ctx context.Context, id int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Delete messages first (foreign key constraint)
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM messages WHERE chatroom_id = ?"), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM chatroom_members WHERE chatroom_id = ?"), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM chatrooms WHERE id = ?"), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// AddMembers connects users to the room. Existing memberships are left alone.
func (s *SQLStore) AddMembers(ctx context.Context, chatroomID int, userIDs []int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, s.rebind("SELECT EXISTS(SELECT 1 FROM chatrooms WHERE id = ?)"), chatroomID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		if err := s.addMembers(ctx, tx, chatroomID, userIDs); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind("UPDATE chatrooms SET updated_at = ? WHERE id = ?"), time.Now().UTC(), chatroomID)
		return err
	})
}

func (s *SQLStore) addMembers(ctx context.Context, tx *sql.Tx, chatroomID int, userIDs []int) error {
	query := s.rebind("INSERT INTO chatroom_members (chatroom_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING")
	seen := make(map[int]bool, len(userIDs))
	for _, id := range userIDs {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := tx.ExecContext(ctx, query, chatroomID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ListMemberIDs(ctx context.Context, chatroomID int) ([]int, error) {
	query := s.rebind("SELECT user_id FROM chatroom_members WHERE chatroom_id = ? ORDER BY user_id")
	rows, err := s.db.QueryContext(ctx, query, chatroomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) ListChatroomsForUser(ctx context.Context, userID int) ([]models.Chatroom, error) {
	query := s.rebind(`
		SELECT ` + chatroomColumns + `
		FROM chatrooms c
		JOIN chatroom_members m ON c.id = m.chatroom_id
		WHERE m.user_id = ?
		ORDER BY c.id
	`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return scanChatrooms(rows)
}

// SearchChatrooms matches room names case-insensitively among the rooms the
// user can see: public rooms and rooms they belong to. The count ignores limit.
func (s *SQLStore) SearchChatrooms(ctx context.Context, term string, userID, limit int) ([]models.Chatroom, int, error) {
	where := `
		FROM chatrooms c
		WHERE LOWER(c.name) LIKE ?
		AND (c.access = 'PUBLIC' OR EXISTS(SELECT 1 FROM chatroom_members m WHERE m.chatroom_id = c.id AND m.user_id = ?))
	`
	pattern := "%" + strings.ToLower(term) + "%"

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) "+where), pattern, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT "+chatroomColumns+where+" ORDER BY c.name LIMIT ?"), pattern, userID, limit)
	if err != nil {
		return nil, 0, err
	}
	rooms, err := scanChatrooms(rows)
	return rooms, total, err
}

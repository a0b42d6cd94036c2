package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/pliu/chatty/internal/models"
	"github.com/redis/go-redis/v9"
)

// Tracker keeps the set of users currently in each chatroom. A room is a
// Redis hash from user id to the user's JSON snapshot, so a user is present
// at most once no matter how their profile changes between enters.
type Tracker struct {
	client redis.UniversalClient
	prefix string
}

func NewTracker(client redis.UniversalClient, prefix string) *Tracker {
	return &Tracker{client: client, prefix: prefix}
}

func (t *Tracker) key(chatroomID int) string {
	return t.prefix + "chatroom:" + strconv.Itoa(chatroomID)
}

func (t *Tracker) seqKey(chatroomID int) string {
	return t.prefix + "seq:" + strconv.Itoa(chatroomID)
}

// ListLive returns the users present in the room, ordered by id.
func (t *Tracker) ListLive(ctx context.Context, chatroomID int) ([]models.User, error) {
	entries, err := t.client.HGetAll(ctx, t.key(chatroomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list live users: %w", err)
	}

	users := make([]models.User, 0, len(entries))
	for field, raw := range entries {
		var u models.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("decode live user %s: %w", field, err)
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// AddLive marks user as present and reports whether they were newly added.
// Adding a present user only refreshes the stored snapshot.
func (t *Tracker) AddLive(ctx context.Context, chatroomID int, user models.User) (bool, error) {
	data, err := json.Marshal(user)
	if err != nil {
		return false, err
	}
	added, err := t.client.HSet(ctx, t.key(chatroomID), strconv.Itoa(user.ID), data).Result()
	if err != nil {
		return false, fmt.Errorf("add live user: %w", err)
	}
	return added == 1, nil
}

// RemoveLive removes the user. Removing an absent user succeeds.
func (t *Tracker) RemoveLive(ctx context.Context, chatroomID, userID int) error {
	if err := t.client.HDel(ctx, t.key(chatroomID), strconv.Itoa(userID)).Err(); err != nil {
		return fmt.Errorf("remove live user: %w", err)
	}
	return nil
}

// snapshotScript bumps the room's sequence and reads the set in one step,
// so a higher sequence number always means a later state.
var snapshotScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
local entries = redis.call('HVALS', KEYS[1])
return {seq, entries}
`)

// Snapshot returns the users present in the room together with a sequence
// number shared by every process using the same Redis.
func (t *Tracker) Snapshot(ctx context.Context, chatroomID int) (int64, []models.User, error) {
	res, err := snapshotScript.Run(ctx, t.client, []string{t.key(chatroomID), t.seqKey(chatroomID)}).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("presence snapshot: %w", err)
	}
	if len(res) != 2 {
		return 0, nil, fmt.Errorf("presence snapshot: unexpected reply %v", res)
	}
	seq, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("presence snapshot: unexpected sequence %T", res[0])
	}
	raw, _ := res[1].([]any)

	users := make([]models.User, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue
		}
		var u models.User
		if err := json.Unmarshal([]byte(s), &u); err != nil {
			return 0, nil, fmt.Errorf("decode live user: %w", err)
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return seq, users, nil
}

// Clear drops the room's presence set, used when the room is deleted.
func (t *Tracker) Clear(ctx context.Context, chatroomID int) error {
	return t.client.Del(ctx, t.key(chatroomID), t.seqKey(chatroomID)).Err()
}

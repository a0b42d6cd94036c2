// Package events defines the messages carried on the chat event bus. Each
// event is tagged with a Kind, and a (kind, chatroom) pair names the topic it
// is published on.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/pliu/chatty/internal/models"
)

type Kind string

const (
	KindNewMessage        Kind = "newMessage"
	KindUserStartedTyping Kind = "userStartedTyping"
	KindUserStoppedTyping Kind = "userStoppedTyping"
	KindLiveUsers         Kind = "liveUsersInChatroom"
)

var kinds = map[Kind]bool{
	KindNewMessage:        true,
	KindUserStartedTyping: true,
	KindUserStoppedTyping: true,
	KindLiveUsers:         true,
}

func (k Kind) Valid() bool { return kinds[k] }

// Event is the envelope published on a topic. Only the fields belonging to
// Kind are set.
type Event struct {
	Kind       Kind `json:"kind"`
	ChatroomID int  `json:"chatroomId"`

	// KindNewMessage
	NewMessage *models.MessageEdge `json:"newMessage,omitempty"`

	// KindUserStartedTyping, KindUserStoppedTyping
	User         *models.User `json:"user,omitempty"`
	TypingUserID int          `json:"typingUserId,omitempty"`

	// KindLiveUsers. Seq increases with every snapshot of a room.
	LiveUsers []models.User `json:"liveUsers,omitempty"`
	Seq       int64         `json:"seq,omitempty"`
}

// Topic returns "<kind>.<chatroomId>".
func Topic(kind Kind, chatroomID int) string {
	return string(kind) + "." + strconv.Itoa(chatroomID)
}

func (e Event) Topic() string {
	return Topic(e.Kind, e.ChatroomID)
}

func (e Event) Validate() error {
	switch e.Kind {
	case KindNewMessage:
		if e.NewMessage == nil {
			return errors.New("newMessage event without message")
		}
	case KindUserStartedTyping, KindUserStoppedTyping:
		if e.User == nil || e.TypingUserID == 0 {
			return fmt.Errorf("%s event without user", e.Kind)
		}
	case KindLiveUsers:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.ChatroomID == 0 {
		return errors.New("event without chatroom")
	}
	return nil
}

func NewMessage(edge models.MessageEdge) Event {
	return Event{Kind: KindNewMessage, ChatroomID: edge.Node.ChatroomID, NewMessage: &edge}
}

func StartedTyping(chatroomID int, user models.User) Event {
	return Event{Kind: KindUserStartedTyping, ChatroomID: chatroomID, User: &user, TypingUserID: user.ID}
}

func StoppedTyping(chatroomID int, user models.User) Event {
	return Event{Kind: KindUserStoppedTyping, ChatroomID: chatroomID, User: &user, TypingUserID: user.ID}
}

func LiveUsers(chatroomID int, users []models.User, seq int64) Event {
	if users == nil {
		users = []models.User{}
	}
	return Event{Kind: KindLiveUsers, ChatroomID: chatroomID, LiveUsers: users, Seq: seq}
}

func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, e.Validate()
}

package ws

import "encoding/json"

// Client frame types.
const (
	TypeSubscribe = "subscribe"
	TypeComplete  = "complete"
	TypeEnter     = "enter"
	TypeLeave     = "leave"
	TypePing      = "ping"
)

// Server frame types. Completion reuses TypeComplete.
const (
	TypeNext  = "next"
	TypeError = "error"
	TypePong  = "pong"
)

// Frame is one JSON message in either direction. ID ties a subscription's
// frames together.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload starts a stream. Stream is one of newMessage,
// userStartedTyping, userStoppedTyping or liveUsersInChatroom.
type SubscribePayload struct {
	Stream     string `json:"stream"`
	ChatroomID int    `json:"chatroomId"`
}

type RoomPayload struct {
	ChatroomID int `json:"chatroomId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

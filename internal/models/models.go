package models

import "time"

type Access string

const (
	AccessPublic  Access = "PUBLIC"
	AccessPrivate Access = "PRIVATE"
)

func (a Access) Valid() bool {
	return a == AccessPublic || a == AccessPrivate
}

type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	Fullname  string    `json:"fullname,omitempty"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Public strips the fields other users must not see.
func (u User) Public() User {
	return User{
		ID:        u.ID,
		Username:  u.Username,
		Fullname:  u.Fullname,
		AvatarURL: u.AvatarURL,
		CreatedAt: u.CreatedAt,
	}
}

// Chatroom holds only its own columns. Members and messages are looked up
// by id through the store.
type Chatroom struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ColorHex    string    `json:"colorHex,omitempty"`
	Image       string    `json:"image,omitempty"`
	Access      Access    `json:"access"`
	AdminID     int       `json:"adminId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Message struct {
	ID         int       `json:"id"`
	ChatroomID int       `json:"chatroomId"`
	UserID     int       `json:"userId"`
	Content    string    `json:"content"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ChatroomDetails is a chatroom with its members resolved.
type ChatroomDetails struct {
	Chatroom
	Members []User `json:"members"`
}

// ChatroomSummary is what a user sees in their room list.
type ChatroomSummary struct {
	Chatroom
	Members     []User   `json:"members"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

type SearchResult struct {
	Chatrooms  []Chatroom `json:"chatrooms"`
	TotalCount int        `json:"totalCount"`
}

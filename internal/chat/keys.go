package chat

import (
	"fmt"
	"strconv"
)

func chatroomKey(chatroomID int) string {
	return fmt.Sprintf("chatroom:getById:%d", chatroomID)
}

func userChatroomsKey(userID int) string {
	return fmt.Sprintf("chatroom:getForUser:%d", userID)
}

func membersKey(chatroomID int) string {
	return fmt.Sprintf("chatroom:%d:users", chatroomID)
}

// messagesKey names one page of a room's history. A nil cursor is the
// latest page.
func messagesKey(chatroomID, take int, cursor *int) string {
	c := "null"
	if cursor != nil {
		c = strconv.Itoa(*cursor)
	}
	return fmt.Sprintf("chatroom:%d:messages:take=%d:cursor=%s", chatroomID, take, c)
}

// messagesScope is the generation scope shared by all of a room's pages.
func messagesScope(chatroomID int) string {
	return fmt.Sprintf("chatroom:%d:messages", chatroomID)
}

// messagesPattern matches every cached page of a room's history.
func messagesPattern(chatroomID int) string {
	return fmt.Sprintf("chatroom:%d:messages:*", chatroomID)
}

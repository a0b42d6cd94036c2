package pipeline

// Exposed operations. Names double as rate limit policy keys.
var (
	OpSignup = Operation{Name: "signup", Kind: Mutation, Public: true}
	OpLogin  = Operation{Name: "login", Kind: Mutation, Public: true}
	OpLogout = Operation{Name: "logout", Kind: Mutation, Public: true}
	OpMe     = Operation{Name: "me", Kind: Query}

	OpUpdateUserProfile  = Operation{Name: "updateUserProfile", Kind: Mutation}
	OpSearchUsers        = Operation{Name: "searchUsers", Kind: Query}
	OpFindUserByID       = Operation{Name: "findUserById", Kind: Query}
	OpGetUsersOfChatroom = Operation{Name: "getUsersOfChatroom", Kind: Query, RoomScoped: true}

	OpCreateChatroom      = Operation{Name: "createChatroom", Kind: Mutation}
	OpDeleteChatroom      = Operation{Name: "deleteChatroom", Kind: Mutation, RoomScoped: true}
	OpAddUsersToChatroom  = Operation{Name: "addUsersToChatroom", Kind: Mutation, RoomScoped: true}
	OpGetChatroomByID     = Operation{Name: "getChatroomById", Kind: Query, RoomScoped: true}
	OpGetChatroomsForUser = Operation{Name: "getChatroomsForUser", Kind: Query}
	OpSearchChatrooms     = Operation{Name: "searchChatrooms", Kind: Query}

	OpSendMessage            = Operation{Name: "sendMessage", Kind: Mutation, RoomScoped: true}
	OpGetMessagesForChatroom = Operation{Name: "getMessagesForChatroom", Kind: Query, RoomScoped: true}
	OpStartTyping            = Operation{Name: "userStartedTyping", Kind: Mutation, RoomScoped: true}
	OpStopTyping             = Operation{Name: "userStoppedTyping", Kind: Mutation, RoomScoped: true}

	OpEnterChatroom = Operation{Name: "enterChatroom", Kind: Mutation, RoomScoped: true}
	OpLeaveChatroom = Operation{Name: "leaveChatroom", Kind: Mutation, RoomScoped: true}
	OpGetLiveUsers  = Operation{Name: "getLiveUsers", Kind: Query, RoomScoped: true}

	// OpConnect is the WebSocket handshake.
	OpConnect = Operation{Name: "connect", Kind: Subscription}

	OpSubscribeNewMessage    = Operation{Name: "newMessage", Kind: Subscription, RoomScoped: true}
	OpSubscribeStartedTyping = Operation{Name: "userStartedTyping", Kind: Subscription, RoomScoped: true}
	OpSubscribeStoppedTyping = Operation{Name: "userStoppedTyping", Kind: Subscription, RoomScoped: true}
	OpSubscribeLiveUsers     = Operation{Name: "liveUsersInChatroom", Kind: Subscription, RoomScoped: true}
)

// Subscriptions maps stream names accepted by the websocket transport to
// their operation.
var Subscriptions = map[string]Operation{
	OpSubscribeNewMessage.Name:    OpSubscribeNewMessage,
	OpSubscribeStartedTyping.Name: OpSubscribeStartedTyping,
	OpSubscribeStoppedTyping.Name: OpSubscribeStoppedTyping,
	OpSubscribeLiveUsers.Name:     OpSubscribeLiveUsers,
}

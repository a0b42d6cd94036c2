package ratelimit

import "time"

// Policy is the budget for one operation.
type Policy struct {
	// Limit is the number of calls allowed per window.
	Limit int `yaml:"limit"`
	// Window is the length of one counting window.
	Window time.Duration `yaml:"window"`
	// Skip exempts the operation from limiting.
	Skip bool `yaml:"skip"`
}

type Config struct {
	// KeyPrefix is the prefix for Redis keys (default: "throttler:")
	KeyPrefix string `yaml:"keyPrefix"`
	// Default applies to operations without their own policy.
	Default Policy `yaml:"default"`
	// Operations maps operation names to their policy.
	Operations map[string]Policy `yaml:"operations"`
}

func DefaultConfig() Config {
	fast := Policy{Limit: 2, Window: 3 * time.Second}
	reads := Policy{Limit: 10, Window: 5 * time.Second}
	skip := Policy{Skip: true}

	return Config{
		KeyPrefix: "throttler:",
		Default:   Policy{Limit: 100, Window: time.Minute},
		Operations: map[string]Policy{
			"sendMessage":            fast,
			"createChatroom":         fast,
			"deleteChatroom":         fast,
			"addUsersToChatroom":     {Limit: 3, Window: 5 * time.Second},
			"searchChatrooms":        {Limit: 5, Window: 5 * time.Second},
			"getChatroomById":        reads,
			"getChatroomsForUser":    reads,
			"getMessagesForChatroom": reads,
			"updateUserProfile":      reads,
			"searchUsers":            reads,
			"findUserById":           reads,
			"getUsersOfChatroom":     reads,
			"userStartedTyping":      skip,
			"userStoppedTyping":      skip,
			"enterChatroom":          skip,
			"leaveChatroom":          skip,
		},
	}
}

// PolicyFor returns the policy for op, falling back to Default.
func (c Config) PolicyFor(op string) Policy {
	if p, ok := c.Operations[op]; ok {
		return p
	}
	return c.Default
}

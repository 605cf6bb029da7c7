package typing

import "strings"

const (
	directPrefix  = "dm:"
	groupPrefix   = "group:"
	channelPrefix = "typing:"
)

// DirectKey returns the context key for a 1:1 conversation. The two ids are
// ordered so both participants compute the same key independently.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + a + ":" + b
}

// GroupKey returns the context key for a group conversation.
func GroupKey(groupID string) string {
	return groupPrefix + groupID
}

// ChannelName returns the pub/sub channel carrying typing events for a
// context key.
func ChannelName(contextKey string) string {
	return channelPrefix + contextKey
}

// ModeOf infers the conversation mode from a context key built by DirectKey
// or GroupKey. Unknown keys are treated as groups.
func ModeOf(contextKey string) Mode {
	if strings.HasPrefix(contextKey, directPrefix) {
		return ModeDirect
	}
	return ModeGroup
}

// ABOUTME: Deterministic conversation identity from an unordered pair of users
// ABOUTME: Also names the per-user mailbox and per-conversation room topics

package identity

import (
	"strings"
)

// Separator joins the two sorted participant ids. User ids must not contain it.
const Separator = "_"

const (
	mailboxPrefix = "user:"
	roomPrefix    = "conversation:"
)

// ConversationID returns the natural key for the conversation between a and b.
// The result does not depend on argument order.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// Participants splits a conversation id back into its two sorted user ids.
func Participants(conversationID string) (string, string, bool) {
	a, b, ok := strings.Cut(conversationID, Separator)
	if !ok || a == "" || b == "" || strings.Contains(b, Separator) {
		return "", "", false
	}
	return a, b, true
}

// ValidUserID reports whether id can take part in a conversation id.
func ValidUserID(id string) bool {
	return strings.TrimSpace(id) == id && id != "" && !strings.Contains(id, Separator)
}

// MailboxTopic is the real-time address for notifications to one user.
func MailboxTopic(userID string) string {
	return mailboxPrefix + userID
}

// RoomTopic is the real-time address for live viewers of one conversation.
func RoomTopic(conversationID string) string {
	return roomPrefix + conversationID
}

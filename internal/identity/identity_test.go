package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationID_OrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"u-9", "u-10"},
		{"Zed", "amy"},
		{"3f2c", "3f2b"},
	}
	for _, p := range pairs {
		assert.Equal(t, ConversationID(p[0], p[1]), ConversationID(p[1], p[0]), "pair %v", p)
	}
}

func TestConversationID_SortedJoin(t *testing.T) {
	assert.Equal(t, "alice_bob", ConversationID("bob", "alice"))
}

func TestParticipants(t *testing.T) {
	a, b, ok := Participants(ConversationID("bob", "alice"))
	assert.True(t, ok)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	_, _, ok = Participants("no-separator")
	assert.False(t, ok)

	_, _, ok = Participants("_bob")
	assert.False(t, ok)

	_, _, ok = Participants("a_b_c")
	assert.False(t, ok)
}

func TestValidUserID(t *testing.T) {
	assert.True(t, ValidUserID("user-1"))
	assert.False(t, ValidUserID(""))
	assert.False(t, ValidUserID(" user"))
	assert.False(t, ValidUserID("user_1"))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "user:alice", MailboxTopic("alice"))
	assert.Equal(t, "conversation:alice_bob", RoomTopic("alice_bob"))
}

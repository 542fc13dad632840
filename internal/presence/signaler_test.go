package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/realtime"
)

type capturedEvent struct {
	topic string
	event *realtime.Event
}

type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, topic string, ev *realtime.Event) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{topic: topic, event: ev})
	return 1, c.err
}

// failingState returns err from every call.
type failingState struct{ err error }

func (f failingState) SetOnline(context.Context, string, bool, time.Time) error { return f.err }
func (f failingState) Online(context.Context, string) (bool, time.Time, error) {
	return false, time.Time{}, f.err
}
func (f failingState) SetTyping(context.Context, string, string, bool, time.Time) error { return f.err }
func (f failingState) Typing(context.Context, string, string) (bool, time.Time, error) {
	return false, time.Time{}, f.err
}

func TestSignaler_SetOnlinePublishesToMailbox(t *testing.T) {
	pub := &capturePublisher{}
	s := NewSignaler(NewMemoryState(), pub, nil)
	ctx := context.Background()

	s.SetOnline(ctx, "alice", true)
	s.SetOnline(ctx, "alice", false)

	require.Len(t, pub.events, 2)
	assert.Equal(t, "user:alice", pub.events[0].topic)
	assert.Equal(t, realtime.EventUserOnline, pub.events[0].event.Type)
	assert.Equal(t, realtime.EventUserOffline, pub.events[1].event.Type)

	var payload StatusPayload
	require.NoError(t, json.Unmarshal(pub.events[1].event.Payload, &payload))
	assert.Equal(t, "alice", payload.UserID)
	assert.False(t, payload.Online)
	require.NotNil(t, payload.LastSeen)

	assert.False(t, s.IsOnline(ctx, "alice"))
}

func TestSignaler_SetTypingPublishesToRoomOnly(t *testing.T) {
	pub := &capturePublisher{}
	s := NewSignaler(NewMemoryState(), pub, nil)
	ctx := context.Background()

	s.SetTyping(ctx, "alice_bob", "alice", true)

	require.Len(t, pub.events, 1)
	assert.Equal(t, "conversation:alice_bob", pub.events[0].topic)
	assert.Equal(t, "alice_bob", pub.events[0].event.ConversationID)

	var payload TypingPayload
	require.NoError(t, json.Unmarshal(pub.events[0].event.Payload, &payload))
	assert.Equal(t, TypingPayload{ConversationID: "alice_bob", UserID: "alice", IsTyping: true}, payload)

	snap := s.Snapshot(ctx, "alice", "alice_bob")
	assert.True(t, snap.Typing)
	require.NotNil(t, snap.TypingSince)

	s.SetTyping(ctx, "alice_bob", "alice", false)
	snap = s.Snapshot(ctx, "alice", "alice_bob")
	assert.False(t, snap.Typing)
	assert.Nil(t, snap.TypingSince)
}

func TestSignaler_Snapshot(t *testing.T) {
	s := NewSignaler(NewMemoryState(), &capturePublisher{}, nil)
	ctx := context.Background()

	assert.Equal(t, Snapshot{}, s.Snapshot(ctx, "bob", "alice_bob"))

	s.SetOnline(ctx, "bob", true)
	snap := s.Snapshot(ctx, "bob", "alice_bob")
	assert.True(t, snap.Online)
	assert.Nil(t, snap.LastSeen)

	s.SetOnline(ctx, "bob", false)
	snap = s.Snapshot(ctx, "bob", "alice_bob")
	assert.False(t, snap.Online)
	assert.NotNil(t, snap.LastSeen)
}

func TestSignaler_FailuresAreSwallowed(t *testing.T) {
	boom := errors.New("redis unavailable")
	pub := &capturePublisher{err: boom}
	s := NewSignaler(failingState{err: boom}, pub, nil)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		s.SetOnline(ctx, "alice", true)
		s.SetTyping(ctx, "alice_bob", "alice", true)
	})
	assert.Len(t, pub.events, 2, "publish is still attempted when state writes fail")
	assert.False(t, s.IsOnline(ctx, "alice"))
	assert.Equal(t, Snapshot{}, s.Snapshot(ctx, "alice", "alice_bob"))
}

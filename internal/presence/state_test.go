package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHashes is an in-memory stand-in for the Redis hash commands.
type fakeHashes struct {
	data map[string]map[string]string
}

func newFakeHashes() *fakeHashes {
	return &fakeHashes{data: make(map[string]map[string]string)}
}

func (f *fakeHashes) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	h, ok := f.data[key]
	if !ok {
		h = make(map[string]string)
		f.data[key] = h
	}
	added := 0
	for i := 0; i+1 < len(values); i += 2 {
		field := values[i].(string)
		if _, exists := h[field]; !exists {
			added++
		}
		h[field] = values[i+1].(string)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(added))
	return cmd
}

func (f *fakeHashes) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	out := make(map[string]string)
	for k, v := range f.data[key] {
		out[k] = v
	}
	cmd := redis.NewMapStringStringCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func (f *fakeHashes) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.data[key][field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeHashes) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	removed := 0
	for _, field := range fields {
		if _, ok := f.data[key][field]; ok {
			delete(f.data[key], field)
			removed++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(removed))
	return cmd
}

// forEachState runs fn against every State implementation.
func forEachState(t *testing.T, fn func(t *testing.T, s State)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryState()) })
	t.Run("redis", func(t *testing.T) { fn(t, NewRedisState(newFakeHashes(), "test")) })
}

func TestState_Online(t *testing.T) {
	forEachState(t, func(t *testing.T, s State) {
		ctx := context.Background()
		at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

		online, lastSeen, err := s.Online(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, online)
		assert.True(t, lastSeen.IsZero(), "never seen")

		require.NoError(t, s.SetOnline(ctx, "alice", true, at))
		online, lastSeen, err = s.Online(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, online)
		assert.True(t, lastSeen.IsZero(), "online clears lastSeen")

		require.NoError(t, s.SetOnline(ctx, "alice", false, at.Add(time.Minute)))
		online, lastSeen, err = s.Online(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, online)
		assert.True(t, lastSeen.Equal(at.Add(time.Minute)))
	})
}

func TestState_Typing(t *testing.T) {
	forEachState(t, func(t *testing.T, s State) {
		ctx := context.Background()
		at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

		require.NoError(t, s.SetTyping(ctx, "alice_bob", "alice", true, at))

		typing, since, err := s.Typing(ctx, "alice_bob", "alice")
		require.NoError(t, err)
		assert.True(t, typing)
		assert.True(t, since.Equal(at))

		typing, _, err = s.Typing(ctx, "alice_bob", "bob")
		require.NoError(t, err)
		assert.False(t, typing)

		typing, _, err = s.Typing(ctx, "alice_carol", "alice")
		require.NoError(t, err)
		assert.False(t, typing, "typing is scoped to the conversation")

		require.NoError(t, s.SetTyping(ctx, "alice_bob", "alice", false, at))
		require.NoError(t, s.SetTyping(ctx, "alice_bob", "alice", false, at))
		typing, _, err = s.Typing(ctx, "alice_bob", "alice")
		require.NoError(t, err)
		assert.False(t, typing)
	})
}

func TestRedisState_KeysArePrefixed(t *testing.T) {
	hashes := newFakeHashes()
	s := NewRedisState(hashes, "coven-chat")
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, "alice", true, time.Now()))
	require.NoError(t, s.SetTyping(ctx, "alice_bob", "alice", true, time.Now()))

	assert.Contains(t, hashes.data, "coven-chat:presence:alice")
	assert.Contains(t, hashes.data, "coven-chat:typing:alice_bob")
}

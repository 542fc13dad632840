package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis records PUBLISH calls. Subscribe is not exercised without a server.
type fakeRedis struct {
	channel  string
	messages [][]byte
	err      error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.messages = append(f.messages, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil
}

func TestRedisRelay_PublishWrapsEnvelope(t *testing.T) {
	client := &fakeRedis{}
	relay := NewRedisRelay(client, "coven-chat:events", NewBroadcaster(nil), nil)

	ev := makeEvent(t, EventNewMessage, "alice_bob")
	n, err := relay.Publish(context.Background(), "conversation:alice_bob", ev)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "coven-chat:events", client.channel)
	require.Len(t, client.messages, 1)

	var env envelope
	require.NoError(t, json.Unmarshal(client.messages[0], &env))
	assert.Equal(t, relay.Origin(), env.Origin)
	assert.Equal(t, "conversation:alice_bob", env.Topic)
	assert.Equal(t, ev.ID, env.Event.ID)
}

func TestRedisRelay_PublishError(t *testing.T) {
	boom := errors.New("connection refused")
	relay := NewRedisRelay(&fakeRedis{err: boom}, "events", NewBroadcaster(nil), nil)

	_, err := relay.Publish(context.Background(), "user:bob", makeEvent(t, EventReceiveMessage, "alice_bob"))
	assert.ErrorIs(t, err, boom)
}

func TestRedisRelay_HandleDeliversRemoteEvents(t *testing.T) {
	local := &recordingPublisher{}
	relay := NewRedisRelay(&fakeRedis{}, "events", local, nil)

	ev := makeEvent(t, EventUserOnline, "")
	remote, err := json.Marshal(envelope{Origin: "other-instance", Topic: "user:bob", Event: ev})
	require.NoError(t, err)
	relay.handle(context.Background(), remote)

	require.Len(t, local.events, 1)
	assert.Equal(t, "user:bob", local.topics[0])
	assert.Equal(t, ev.ID, local.events[0].ID)
}

func TestRedisRelay_HandleSkipsOwnEcho(t *testing.T) {
	local := &recordingPublisher{}
	relay := NewRedisRelay(&fakeRedis{}, "events", local, nil)

	own, err := json.Marshal(envelope{Origin: relay.Origin(), Topic: "user:bob", Event: makeEvent(t, EventUserOnline, "")})
	require.NoError(t, err)
	relay.handle(context.Background(), own)
	relay.handle(context.Background(), []byte("not json"))

	assert.Empty(t, local.events)
}

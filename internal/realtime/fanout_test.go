package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher captures every publish for assertions.
type recordingPublisher struct {
	mu        sync.Mutex
	topics    []string
	events    []*Event
	delivered int
	err       error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, event *Event) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.events = append(r.events, event)
	return r.delivered, r.err
}

func TestFanout_PublishesToAll(t *testing.T) {
	a := &recordingPublisher{delivered: 2}
	b := &recordingPublisher{delivered: 1}
	f := NewFanout(a, nil, b)
	require.Len(t, f, 2)

	ev := makeEvent(t, EventNewMessage, "alice_bob")
	n, err := f.Publish(context.Background(), "conversation:alice_bob", ev)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"conversation:alice_bob"}, a.topics)
	assert.Equal(t, []string{"conversation:alice_bob"}, b.topics)
}

func TestFanout_ContinuesAfterFailure(t *testing.T) {
	boom := errors.New("redis down")
	failing := &recordingPublisher{err: boom}
	ok := &recordingPublisher{delivered: 1}
	f := NewFanout(failing, ok)

	n, err := f.Publish(context.Background(), "user:bob", makeEvent(t, EventReceiveMessage, "alice_bob"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Len(t, ok.events, 1, "later publishers still run")
}

// ABOUTME: Tests for the Kafka exporter
// ABOUTME: Uses an in-memory writer to cover keying, filtering, the breaker and the non-blocking queue

package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	err     error
	calls   int

	started chan struct{} // receives once per call when set
	release chan struct{} // calls block until closed when set
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) snapshot() ([]kafka.Message, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.written...), f.calls
}

func TestKafkaExporter_WritesKeyedByConversation(t *testing.T) {
	w := &fakeWriter{}
	e := newKafkaExporter(w, ExportConfig{}, nil)

	ev := makeEvent(t, EventNewMessage, "alice_bob")
	_, err := e.Publish(context.Background(), "conversation:alice_bob", ev)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	written, _ := w.snapshot()
	require.Len(t, written, 1)
	msg := written[0]
	assert.Equal(t, "alice_bob", string(msg.Key))
	assert.Contains(t, string(msg.Value), ev.ID)
	assert.Equal(t, "event", msg.Headers[0].Key)
	assert.Equal(t, "newMessage", string(msg.Headers[0].Value))
}

func TestKafkaExporter_IgnoresEphemeralEvents(t *testing.T) {
	w := &fakeWriter{}
	e := newKafkaExporter(w, ExportConfig{}, nil)

	for _, typ := range []EventType{EventUserTyping, EventUserOnline, EventMessageSent, EventReceiveMessage} {
		_, err := e.Publish(context.Background(), "user:bob", makeEvent(t, typ, "alice_bob"))
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	_, calls := w.snapshot()
	assert.Equal(t, 0, calls)
}

func TestKafkaExporter_BreakerOpensAfterFailures(t *testing.T) {
	boom := errors.New("no brokers")
	w := &fakeWriter{err: boom}
	e := newKafkaExporter(w, ExportConfig{BreakerFailures: 2, BreakerTimeout: time.Hour}, nil)

	for i := 1; i <= 2; i++ {
		_, err := e.Publish(context.Background(), "conversation:alice_bob", makeEvent(t, EventNewMessage, "alice_bob"))
		require.NoError(t, err, "write failures never reach the publisher")
		require.Eventually(t, func() bool {
			_, calls := w.snapshot()
			return calls == i
		}, time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, func() bool { return e.State() == "open" }, time.Second, 5*time.Millisecond)

	_, err := e.Publish(context.Background(), "conversation:alice_bob", makeEvent(t, EventNewMessage, "alice_bob"))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, calls := w.snapshot()
	assert.Equal(t, 2, calls, "open breaker skips the writer")
}

func TestKafkaExporter_PublishDoesNotWaitForWriter(t *testing.T) {
	w := &fakeWriter{started: make(chan struct{}, 4), release: make(chan struct{})}
	e := newKafkaExporter(w, ExportConfig{QueueSize: 1}, nil)
	ctx := context.Background()

	_, err := e.Publish(ctx, "conversation:alice_bob", makeEvent(t, EventNewMessage, "alice_bob"))
	require.NoError(t, err)
	select {
	case <-w.started:
	case <-time.After(time.Second):
		t.Fatal("writer never started")
	}

	// The writer is stuck; the queue holds one more and then drops.
	done := make(chan error, 2)
	go func() {
		_, err := e.Publish(ctx, "conversation:alice_bob", makeEvent(t, EventMessageRead, "alice_bob"))
		done <- err
		_, err = e.Publish(ctx, "conversation:alice_bob", makeEvent(t, EventMessageDeleted, "alice_bob"))
		done <- err
	}()
	for _, want := range []error{nil, ErrExportQueueFull} {
		select {
		case err := <-done:
			if want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, want)
			}
		case <-time.After(time.Second):
			t.Fatal("Publish blocked on a stalled writer")
		}
	}

	close(w.release)
	require.NoError(t, e.Close())

	written, _ := w.snapshot()
	assert.Len(t, written, 2)
}

func TestKafkaExporter_PublishAfterClose(t *testing.T) {
	e := newKafkaExporter(&fakeWriter{}, ExportConfig{}, nil)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Publish(context.Background(), "conversation:alice_bob", makeEvent(t, EventNewMessage, "alice_bob"))
	assert.ErrorIs(t, err, ErrExporterClosed)
}

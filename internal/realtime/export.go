// ABOUTME: Kafka exporter that streams message lifecycle events to a topic
// ABOUTME: Publish only enqueues; a background loop batches writes through a circuit breaker

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// exportedTypes are the events written to Kafka. Each is published to exactly
// one topic per action, so nothing is exported twice.
var exportedTypes = map[EventType]bool{
	EventNewMessage:     true,
	EventMessageRead:    true,
	EventMessageDeleted: true,
}

const (
	defaultExportQueue = 1024
	maxExportBatch     = 100
	exportWriteTimeout = 10 * time.Second
)

// ErrExportQueueFull is returned when an event is dropped because the
// export queue is saturated.
var ErrExportQueueFull = errors.New("export queue full")

// ErrExporterClosed is returned by Publish after Close.
var ErrExporterClosed = errors.New("exporter closed")

// messageWriter is the subset of *kafka.Writer the exporter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ExportConfig configures the Kafka exporter.
type ExportConfig struct {
	Brokers         []string
	Topic           string
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	QueueSize       int // events buffered ahead of the writer
}

// KafkaExporter is a Publisher that writes selected events to Kafka, keyed by
// conversation ID so a conversation's events stay on one partition in order.
type KafkaExporter struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

// NewKafkaExporter builds an exporter backed by a kafka-go writer.
func NewKafkaExporter(cfg ExportConfig, logger *slog.Logger) *KafkaExporter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaExporter(w, cfg, logger)
}

func newKafkaExporter(w messageWriter, cfg ExportConfig, logger *slog.Logger) *KafkaExporter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "exporter")

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        "kafka-export",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = defaultExportQueue
	}

	e := &KafkaExporter{
		writer:  w,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
		queue:   make(chan kafka.Message, size),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Publish implements Publisher. Events outside the exported set are ignored.
func (e *KafkaExporter) Publish(_ context.Context, topic string, event *Event) (int, error) {
	if !exportedTypes[event.Type] {
		return 0, nil
	}

	value, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encoding export: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.ConversationID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(event.Type)},
			{Key: "topic", Value: []byte(topic)},
		},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrExporterClosed
	}
	select {
	case e.queue <- msg:
		return 0, nil
	default:
		e.logger.Warn("export queue full, dropping event", "event", event.Type, "conversation_id", event.ConversationID)
		return 0, ErrExportQueueFull
	}
}

// run drains the queue, writing whatever has accumulated as one batch.
func (e *KafkaExporter) run() {
	defer close(e.done)
	for msg := range e.queue {
		batch := []kafka.Message{msg}
	fill:
		for len(batch) < maxExportBatch {
			select {
			case next, ok := <-e.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		e.write(batch)
	}
}

func (e *KafkaExporter) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), exportWriteTimeout)
	defer cancel()

	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.writer.WriteMessages(ctx, batch...)
	})
	if err != nil {
		e.logger.Warn("kafka export failed", "events", len(batch), "error", err)
	}
}

// State reports the breaker state, for health output.
func (e *KafkaExporter) State() string {
	return e.breaker.State().String()
}

// Close stops accepting events, writes what is queued and closes the writer.
func (e *KafkaExporter) Close() error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	<-e.done
	return e.writer.Close()
}

var _ Publisher = (*KafkaExporter)(nil)

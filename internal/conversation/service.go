// ABOUTME: Service is the central layer for direct conversations and message delivery
// ABOUTME: The store is the source of truth; real-time fan-out happens after persistence

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/presence"
	"github.com/2389/coven-chat/internal/realtime"
	"github.com/2389/coven-chat/internal/store"
)

// Presence is what the service needs from the presence signaler.
// *presence.Signaler satisfies it.
type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
	Snapshot(ctx context.Context, userID, conversationID string) presence.Snapshot
}

// Options bounds message content and paging.
type Options struct {
	MaxContentLength int // in runes
	DefaultPageSize  int
	MaxPageSize      int
}

// DefaultOptions returns the limits used when a field is left at zero.
func DefaultOptions() Options {
	return Options{
		MaxContentLength: 5000,
		DefaultPageSize:  50,
		MaxPageSize:      100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = d.MaxContentLength
	}
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = d.DefaultPageSize
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = d.MaxPageSize
	}
	if o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = o.MaxPageSize
	}
	return o
}

// Service owns the conversation registry, the message pipeline, read
// receipts and the conversation directory.
type Service struct {
	store     store.Store
	publisher realtime.Publisher
	presence  Presence
	dedupe    *dedupe.Cache
	opts      Options
	locks     *keyedMutex
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Service. presence and cache may be nil; pass nil logger for default.
func New(st store.Store, publisher realtime.Publisher, presence Presence, cache *dedupe.Cache, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = realtime.NewFanout()
	}
	return &Service{
		store:     st,
		publisher: publisher,
		presence:  presence,
		dedupe:    cache,
		opts:      opts.withDefaults(),
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "conversation"),
	}
}

// storeError translates a store failure into the chat error taxonomy.
func storeError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return chaterr.NotFound(op + ": not found")
	}
	return chaterr.StoreUnavailable(op, err)
}

// conversationFor loads a conversation and checks that userID takes part in it.
func (s *Service) conversationFor(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chaterr.NotFound("conversation not found")
		}
		s.logger.Error("failed to load conversation", "conversation_id", conversationID, "error", err)
		return nil, storeError("load conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, chaterr.AccessDenied("not a participant of this conversation")
	}
	return conv, nil
}

// publish sends one event and returns how many local subscribers received it.
// Failures are logged and swallowed: the store already holds the truth.
func (s *Service) publish(ctx context.Context, topic string, eventType realtime.EventType, conversationID string, payload any) int {
	ev, err := realtime.NewEvent(eventType, conversationID, payload)
	if err != nil {
		s.logger.Warn("failed to build event", "event", eventType, "error", err)
		return 0
	}
	delivered, err := s.publisher.Publish(ctx, topic, ev)
	if err != nil {
		s.logger.Warn("fan-out failed", "topic", topic, "event", eventType, "error", err)
	}
	return delivered
}

func (s *Service) isOnline(ctx context.Context, userID string) bool {
	if s.presence == nil {
		return false
	}
	return s.presence.IsOnline(ctx, userID)
}

func (s *Service) snapshot(ctx context.Context, userID, conversationID string) presence.Snapshot {
	if s.presence == nil {
		return presence.Snapshot{}
	}
	return s.presence.Snapshot(ctx, userID, conversationID)
}

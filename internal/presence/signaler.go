// ABOUTME: Presence and typing signaler that records state and notifies topics
// ABOUTME: Online changes go to the user's mailbox; typing goes to the conversation room

package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/realtime"
)

// Snapshot is one user's presence as seen from a conversation.
type Snapshot struct {
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
	Typing      bool       `json:"typing"`
	TypingSince *time.Time `json:"typingSince,omitempty"`
}

// StatusPayload is the data of userOnline and userOffline events.
type StatusPayload struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// TypingPayload is the data of userTyping events.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// Signaler records presence and typing state and publishes the changes.
// Nothing here returns an error: failures are logged and the caller moves on.
type Signaler struct {
	state     State
	publisher realtime.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// NewSignaler creates a signaler. Pass nil logger for default.
func NewSignaler(state State, publisher realtime.Publisher, logger *slog.Logger) *Signaler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signaler{
		state:     state,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "presence"),
	}
}

// SetOnline records the user's status and notifies their mailbox.
func (s *Signaler) SetOnline(ctx context.Context, userID string, online bool) {
	at := s.now()
	if err := s.state.SetOnline(ctx, userID, online, at); err != nil {
		s.logger.Warn("failed to record presence", "user_id", userID, "online", online, "error", err)
	}

	payload := StatusPayload{UserID: userID, Online: online}
	eventType := realtime.EventUserOnline
	if !online {
		payload.LastSeen = &at
		eventType = realtime.EventUserOffline
	}
	s.publish(ctx, identity.MailboxTopic(userID), eventType, "", payload)
}

// SetTyping records the typing flag and notifies the conversation room.
// A flag left set by a client that disconnects mid-typing stays until the
// next explicit stop or disconnect cleanup.
func (s *Signaler) SetTyping(ctx context.Context, conversationID, userID string, typing bool) {
	if err := s.state.SetTyping(ctx, conversationID, userID, typing, s.now()); err != nil {
		s.logger.Warn("failed to record typing", "conversation_id", conversationID, "user_id", userID, "error", err)
	}

	s.publish(ctx, identity.RoomTopic(conversationID), realtime.EventUserTyping, conversationID, TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       typing,
	})
}

// IsOnline reports the user's status, false when the state is unavailable.
func (s *Signaler) IsOnline(ctx context.Context, userID string) bool {
	online, _, err := s.state.Online(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to read presence", "user_id", userID, "error", err)
		return false
	}
	return online
}

// Snapshot returns userID's presence and typing state in conversationID.
// Read failures yield a zero snapshot.
func (s *Signaler) Snapshot(ctx context.Context, userID, conversationID string) Snapshot {
	var snap Snapshot

	online, lastSeen, err := s.state.Online(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to read presence", "user_id", userID, "error", err)
	} else {
		snap.Online = online
		if !lastSeen.IsZero() {
			snap.LastSeen = &lastSeen
		}
	}

	typing, since, err := s.state.Typing(ctx, conversationID, userID)
	if err != nil {
		s.logger.Warn("failed to read typing", "conversation_id", conversationID, "user_id", userID, "error", err)
	} else if typing {
		snap.Typing = true
		snap.TypingSince = &since
	}
	return snap
}

func (s *Signaler) publish(ctx context.Context, topic string, eventType realtime.EventType, conversationID string, payload any) {
	ev, err := realtime.NewEvent(eventType, conversationID, payload)
	if err != nil {
		s.logger.Warn("failed to build presence event", "event", eventType, "error", err)
		return
	}
	if _, err := s.publisher.Publish(ctx, topic, ev); err != nil {
		s.logger.Warn("failed to publish presence event", "topic", topic, "event", eventType, "error", err)
	}
}

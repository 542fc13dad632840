// ABOUTME: Event envelope and event type names for the real-time channel
// ABOUTME: Payloads are pre-encoded JSON so every transport ships the same bytes

package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names an event on the wire.
type EventType string

const (
	EventMessageSent    EventType = "messageSent"
	EventNewMessage     EventType = "newMessage"
	EventReceiveMessage EventType = "receiveMessage"
	EventMessageRead    EventType = "messageRead"
	EventMessageDeleted EventType = "messageDeleted"
	EventUserTyping     EventType = "userTyping"
	EventUserOnline     EventType = "userOnline"
	EventUserOffline    EventType = "userOffline"
	EventError          EventType = "error"
)

// Event is one notification delivered to topic subscribers.
type Event struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"event"`
	ConversationID string          `json:"conversationId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"data"`
}

// NewEvent encodes payload and stamps the event with a fresh ID.
func NewEvent(eventType EventType, conversationID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}
	return &Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Payload:        data,
	}, nil
}

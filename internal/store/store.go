// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines User, Conversation, Message and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when creating a user whose ID is already taken
var ErrDuplicateUser = errors.New("user already exists")

// ErrInvalidUser is returned when a user profile violates a store constraint,
// such as an unsupported type
var ErrInvalidUser = errors.New("invalid user")

// ErrDuplicateMessage is returned when a sender reuses an idempotency key
var ErrDuplicateMessage = errors.New("message already exists for idempotency key")

// UserType distinguishes people from organisation accounts in search results
type UserType string

const (
	UserTypePerson  UserType = "user"
	UserTypeCompany UserType = "company"
)

// Valid reports whether t is a supported user type.
func (t UserType) Valid() bool {
	return t == UserTypePerson || t == UserTypeCompany
}

// User is the public profile served by the identity directory
type User struct {
	ID        string
	Type      UserType
	Name      string
	Bio       string
	AvatarURL string
	Role      string
	CreatedAt time.Time
}

// MessageStatus is the delivery state of a message
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Rank orders statuses so transitions can be checked for monotonicity.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	default:
		return 0
	}
}

// Message types accepted by the pipeline
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypeLink  = "link"
)

// Receipt records when a user read a message
type Receipt struct {
	UserID string
	ReadAt time.Time
}

// Message is a single direct message between the two conversation participants
type Message struct {
	ID             string
	Seq            int64 // assigned by the store; orders messages within a conversation
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Type           string
	Status         MessageStatus
	IdempotencyKey string // optional, unique per sender
	ReadBy         []Receipt
	DeletedBy      []string
	CreatedAt      time.Time
}

// ReadByUser reports whether userID has a read receipt on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// DeletedFor reports whether userID has soft-deleted the message.
func (m *Message) DeletedFor(userID string) bool {
	for _, id := range m.DeletedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// ParticipantState holds the per-participant counters and flags of a conversation
type ParticipantState struct {
	UserID      string
	UnreadCount int
	Archived    bool
	Muted       bool
	Blocked     bool
}

// ParticipantPatch changes settings flags; nil fields are left untouched
type ParticipantPatch struct {
	Archived *bool
	Muted    *bool
	Blocked  *bool
}

// Conversation is the durable two-party thread keyed by its participants
type Conversation struct {
	ID            string
	Participants  [2]string // sorted
	LastMessageID string    // empty until the first message
	LastActivity  time.Time
	CreatedAt     time.Time
	States        []ParticipantState
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// State returns the participant state for userID, zero-valued if absent.
func (c *Conversation) State(userID string) ParticipantState {
	for _, s := range c.States {
		if s.UserID == userID {
			return s
		}
	}
	return ParticipantState{UserID: userID}
}

// Store defines the persistence capabilities the chat engine relies on
type Store interface {
	// Users (identity directory)
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error)

	// Conversations
	// UpsertConversation inserts conv if no record with its ID exists and
	// returns the stored record; created is false when another writer won.
	UpsertConversation(ctx context.Context, conv *Conversation) (stored *Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string, offset, limit int) ([]*Conversation, int, error)
	// SetLastMessage moves the last-message pointer and activity time and
	// clears the archived flag of both participants.
	SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error

	// Per-participant counters and settings
	IncrementUnread(ctx context.Context, conversationID, userID string) error
	ResetUnread(ctx context.Context, conversationID, userID string) error
	UpdateParticipant(ctx context.Context, conversationID, userID string, patch ParticipantPatch) error
	TotalUnread(ctx context.Context, userID string) (int, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	// AppendMessage saves msg, moves the conversation's last-message pointer,
	// unarchives both participants and increments the receiver's unread
	// counter as one unit. When any step fails nothing is written.
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByIdempotencyKey(ctx context.Context, senderID, key string) (*Message, error)
	// ListMessages returns one page of the conversation as seen by viewerID,
	// newest page first, messages within the page in ascending Seq order.
	ListMessages(ctx context.Context, conversationID, viewerID string, offset, limit int) ([]*Message, int, error)
	// MarkDelivered moves sent messages addressed to receiverID to delivered.
	// An empty messageIDs slice selects every pending message for the receiver.
	MarkDelivered(ctx context.Context, receiverID string, messageIDs []string) ([]string, error)
	// MarkRead moves messages addressed to readerID to read and records a
	// receipt. An empty messageID selects every unread message in the conversation.
	MarkRead(ctx context.Context, conversationID, readerID, messageID string, at time.Time) ([]string, error)
	SoftDeleteMessage(ctx context.Context, messageID, userID string) error

	// Close releases any resources held by the store
	Close() error
}

// clampLimit applies the shared paging defaults used by every implementation.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// ABOUTME: JSON shapes returned by the service to HTTP handlers and event payloads
// ABOUTME: Store records are converted here so the wire format stays stable

package conversation

import (
	"time"

	"github.com/2389/coven-chat/internal/presence"
	"github.com/2389/coven-chat/internal/store"
)

// UserView is a public user profile.
type UserView struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Bio       string `json:"bio,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Role      string `json:"role,omitempty"`
}

// ReceiptView records one reader of a message.
type ReceiptView struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// MessageView is a message as clients see it.
type MessageView struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Content        string        `json:"content"`
	Type           string        `json:"type"`
	Status         string        `json:"status"`
	ReadBy         []ReceiptView `json:"readBy"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// ConversationView is the bare conversation record.
type ConversationView struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	LastActivity  time.Time `json:"lastActivity"`
	CreatedAt     time.Time `json:"createdAt"`
}

// LastMessageView previews the latest message of a conversation.
type LastMessageView struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	SenderID  string    `json:"senderId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary is one row of a user's conversation list.
type Summary struct {
	ID           string            `json:"id"`
	Participant  UserView          `json:"participant"`
	LastMessage  *LastMessageView  `json:"lastMessage,omitempty"`
	UnreadCount  int               `json:"unreadCount"`
	LastActivity time.Time         `json:"lastActivity"`
	Muted        bool              `json:"muted"`
	Blocked      bool              `json:"blocked"`
	Presence     presence.Snapshot `json:"presence"`
}

// Pagination describes the page a list response covers.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	Pages   int  `json:"pages"`
	HasMore bool `json:"hasMore"`
}

// SummaryPage is one page of a user's conversation list.
type SummaryPage struct {
	Conversations []Summary  `json:"conversations"`
	Pagination    Pagination `json:"pagination"`
}

// MessagePage is one page of a conversation's history, oldest first.
type MessagePage struct {
	Messages   []MessageView `json:"messages"`
	Pagination Pagination    `json:"pagination"`
}

// MessageEvent is the data of messageSent, newMessage and receiveMessage.
type MessageEvent struct {
	Message      MessageView      `json:"message"`
	Conversation ConversationView `json:"conversation"`
}

// ReadEvent is the data of messageRead.
type ReadEvent struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

// DeletedEvent is the data of messageDeleted.
type DeletedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

func newPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{
		Page:    page,
		Limit:   limit,
		Total:   total,
		Pages:   pages,
		HasMore: page < pages,
	}
}

// UserViewOf converts a stored profile.
func UserViewOf(u *store.User) UserView {
	return UserView{
		ID:        u.ID,
		Type:      string(u.Type),
		Name:      u.Name,
		Bio:       u.Bio,
		AvatarURL: u.AvatarURL,
		Role:      u.Role,
	}
}

// MessageViewOf converts a stored message.
func MessageViewOf(m *store.Message) MessageView {
	receipts := make([]ReceiptView, 0, len(m.ReadBy))
	for _, r := range m.ReadBy {
		receipts = append(receipts, ReceiptView{UserID: r.UserID, ReadAt: r.ReadAt})
	}
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Type:           m.Type,
		Status:         string(m.Status),
		ReadBy:         receipts,
		CreatedAt:      m.CreatedAt,
	}
}

// ConversationViewOf converts a stored conversation.
func ConversationViewOf(c *store.Conversation) ConversationView {
	return ConversationView{
		ID:            c.ID,
		Participants:  []string{c.Participants[0], c.Participants[1]},
		LastMessageID: c.LastMessageID,
		LastActivity:  c.LastActivity,
		CreatedAt:     c.CreatedAt,
	}
}

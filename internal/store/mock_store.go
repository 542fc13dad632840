// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	conversations map[string]*Conversation
	messages      map[string]*Message   // keyed by message ID
	byConv        map[string][]*Message // keyed by conversation ID, ascending Seq
	idempotency   map[string]string     // keyed by "senderID:key" -> message ID
	nextSeq       int64

	// FailWith, when set, is returned by every write. Tests use it to
	// simulate an unavailable database.
	FailWith error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		byConv:        make(map[string][]*Message),
		idempotency:   make(map[string]string),
	}
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	out.States = append([]ParticipantState(nil), c.States...)
	return &out
}

func copyMessage(m *Message) *Message {
	out := *m
	out.ReadBy = append([]Receipt(nil), m.ReadBy...)
	out.DeletedBy = append([]string(nil), m.DeletedBy...)
	return &out
}

// CreateUser stores a user profile.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	if _, exists := m.users[user.ID]; exists {
		return ErrDuplicateUser
	}
	u := *user
	if u.Type == "" {
		u.Type = UserTypePerson
	}
	if !u.Type.Valid() {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidUser, u.Type)
	}
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// SearchUsers matches name or bio case-insensitively, ordered by name.
func (m *MockStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	q := strings.ToLower(strings.TrimSpace(query))

	var out []*User
	for _, u := range m.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(strings.ToLower(u.Bio), q) {
			result := *u
			out = append(out, &result)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertConversation stores conv unless one with the same ID exists.
func (m *MockStore) UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return nil, false, m.FailWith
	}
	if existing, ok := m.conversations[conv.ID]; ok {
		return copyConversation(existing), false, nil
	}

	c := copyConversation(conv)
	c.States = []ParticipantState{
		{UserID: c.Participants[0]},
		{UserID: c.Participants[1]},
	}
	m.conversations[c.ID] = c
	return copyConversation(c), true, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// ListConversationsForUser returns the user's non-archived conversations, newest activity first.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string, offset, limit int) ([]*Conversation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var all []*Conversation
	for _, c := range m.conversations {
		if !c.HasParticipant(userID) || c.State(userID).Archived {
			continue
		}
		all = append(all, copyConversation(c))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastActivity.Equal(all[j].LastActivity) {
			return all[i].LastActivity.After(all[j].LastActivity)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// SetLastMessage moves the last-message pointer and unarchives both participants.
func (m *MockStore) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageID = messageID
	c.LastActivity = at
	for i := range c.States {
		c.States[i].Archived = false
	}
	return nil
}

func (m *MockStore) participant(conversationID, userID string) (*ParticipantState, error) {
	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	for i := range c.States {
		if c.States[i].UserID == userID {
			return &c.States[i], nil
		}
	}
	return nil, ErrNotFound
}

// IncrementUnread adds one to the participant's unread counter.
func (m *MockStore) IncrementUnread(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	st, err := m.participant(conversationID, userID)
	if err != nil {
		return err
	}
	st.UnreadCount++
	return nil
}

// ResetUnread sets the participant's unread counter to zero.
func (m *MockStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	st, err := m.participant(conversationID, userID)
	if err != nil {
		return err
	}
	st.UnreadCount = 0
	return nil
}

// UpdateParticipant applies the non-nil flags in patch.
func (m *MockStore) UpdateParticipant(ctx context.Context, conversationID, userID string, patch ParticipantPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	st, err := m.participant(conversationID, userID)
	if err != nil {
		return err
	}
	if patch.Archived != nil {
		st.Archived = *patch.Archived
	}
	if patch.Muted != nil {
		st.Muted = *patch.Muted
	}
	if patch.Blocked != nil {
		st.Blocked = *patch.Blocked
	}
	return nil
}

// TotalUnread sums the user's unread counters.
func (m *MockStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			total += c.State(userID).UnreadCount
		}
	}
	return total, nil
}

// SaveMessage stores a message and assigns its Seq.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if err := m.checkKey(msg); err != nil {
		return err
	}
	m.insertLocked(msg)
	return nil
}

// AppendMessage validates every step before mutating, so a failure leaves
// nothing behind.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if err := m.checkKey(msg); err != nil {
		return err
	}
	receiver, err := m.participant(msg.ConversationID, msg.ReceiverID)
	if err != nil {
		return err
	}

	m.insertLocked(msg)
	c.LastMessageID = msg.ID
	c.LastActivity = msg.CreatedAt
	for i := range c.States {
		c.States[i].Archived = false
	}
	receiver.UnreadCount++
	return nil
}

func (m *MockStore) checkKey(msg *Message) error {
	if msg.IdempotencyKey == "" {
		return nil
	}
	if _, exists := m.idempotency[msg.SenderID+":"+msg.IdempotencyKey]; exists {
		return ErrDuplicateMessage
	}
	return nil
}

func (m *MockStore) insertLocked(msg *Message) {
	m.nextSeq++
	msg.Seq = m.nextSeq
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	if msg.Status == "" {
		msg.Status = MessageStatusSent
	}

	stored := copyMessage(msg)
	m.messages[stored.ID] = stored
	m.byConv[stored.ConversationID] = append(m.byConv[stored.ConversationID], stored)
	if stored.IdempotencyKey != "" {
		m.idempotency[stored.SenderID+":"+stored.IdempotencyKey] = stored.ID
	}
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// GetMessageByIdempotencyKey finds the message a sender created with key.
func (m *MockStore) GetMessageByIdempotencyKey(ctx context.Context, senderID, key string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idempotency[senderID+":"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(m.messages[id]), nil
}

// ListMessages pages backwards from the newest visible message.
func (m *MockStore) ListMessages(ctx context.Context, conversationID, viewerID string, offset, limit int) ([]*Message, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var visible []*Message
	for _, msg := range m.byConv[conversationID] {
		if !msg.DeletedFor(viewerID) {
			visible = append(visible, msg)
		}
	}

	total := len(visible)
	end := total - offset
	if end <= 0 {
		return nil, total, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]*Message, 0, end-start)
	for _, msg := range visible[start:end] {
		out = append(out, copyMessage(msg))
	}
	return out, total, nil
}

// MarkDelivered moves sent messages for receiverID to delivered.
func (m *MockStore) MarkDelivered(ctx context.Context, receiverID string, messageIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return nil, m.FailWith
	}

	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}

	var candidates []*Message
	for _, msg := range m.messages {
		if msg.ReceiverID != receiverID || msg.Status != MessageStatusSent {
			continue
		}
		if len(want) > 0 && !want[msg.ID] {
			continue
		}
		candidates = append(candidates, msg)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Seq < candidates[j].Seq })

	var ids []string
	for _, msg := range candidates {
		msg.Status = MessageStatusDelivered
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

// MarkRead moves unread messages addressed to readerID to read and records receipts.
func (m *MockStore) MarkRead(ctx context.Context, conversationID, readerID, messageID string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return nil, m.FailWith
	}

	var ids []string
	for _, msg := range m.byConv[conversationID] {
		if msg.ReceiverID != readerID || msg.Status == MessageStatusRead {
			continue
		}
		if messageID != "" && msg.ID != messageID {
			continue
		}
		msg.Status = MessageStatusRead
		if !msg.ReadByUser(readerID) {
			msg.ReadBy = append(msg.ReadBy, Receipt{UserID: readerID, ReadAt: at})
		}
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

// SoftDeleteMessage hides a message from userID's view.
func (m *MockStore) SoftDeleteMessage(ctx context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if !msg.DeletedFor(userID) {
		msg.DeletedBy = append(msg.DeletedBy, userID)
	}
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)

// ABOUTME: Message pipeline: validate, persist, update counters, then fan out
// ABOUTME: Persist-then-notify runs under the conversation lock so events keep message order

package conversation

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/realtime"
	"github.com/2389/coven-chat/internal/store"
)

var messageTypes = map[string]bool{
	store.MessageTypeText:  true,
	store.MessageTypeImage: true,
	store.MessageTypeFile:  true,
	store.MessageTypeLink:  true,
}

// SendRequest contains everything needed to send one direct message.
type SendRequest struct {
	SenderID   string
	ReceiverID string
	Content    string
	Type       string // defaults to text

	// IdempotencyKey lets a client retry a send safely. Reusing a key
	// returns the original message instead of creating a second one.
	IdempotencyKey string
}

// SendResult is the persisted message and its conversation.
type SendResult struct {
	Message      *store.Message
	Conversation *store.Conversation
	Replayed     bool // true when IdempotencyKey matched an earlier send
}

// Send records a message and notifies both participants.
//
// The message, the conversation pointer and the receiver's unread counter
// are written together before anything is published. A store failure aborts
// the send with nothing written and no events; a fan-out failure is logged
// and the send still succeeds.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, chaterr.InvalidContent("message content is empty")
	}
	if utf8.RuneCountInString(content) > s.opts.MaxContentLength {
		return nil, chaterr.InvalidContent("message content is too long")
	}
	msgType := req.Type
	if msgType == "" {
		msgType = store.MessageTypeText
	}
	if !messageTypes[msgType] {
		return nil, chaterr.InvalidContent("unsupported message type " + msgType)
	}
	if err := validatePair(req.SenderID, req.ReceiverID); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if res, ok := s.replay(ctx, req.SenderID, req.IdempotencyKey); ok {
			return res, nil
		}
	}

	if err := s.requireUsers(ctx, req.SenderID, req.ReceiverID); err != nil {
		return nil, err
	}
	conv, err := s.upsert(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		return nil, err
	}
	if conv.State(req.ReceiverID).Blocked {
		return nil, chaterr.AccessDenied("recipient has blocked this conversation")
	}

	// Writes past this point ignore caller cancellation.
	ctx = context.WithoutCancel(ctx)

	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Content:        content,
		Type:           msgType,
		Status:         store.MessageStatusSent,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			if res, ok := s.replay(ctx, req.SenderID, req.IdempotencyKey); ok {
				return res, nil
			}
		}
		s.logger.Error("failed to record message", "conversation_id", conv.ID, "error", err)
		return nil, storeError("record message", err)
	}
	if updated, err := s.store.GetConversation(ctx, conv.ID); err == nil {
		conv = updated
	}

	if req.IdempotencyKey != "" && s.dedupe != nil {
		s.dedupe.Remember(dedupe.Key(req.SenderID, req.IdempotencyKey), msg.ID)
	}

	s.logger.Debug("message recorded",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender_id", msg.SenderID)

	s.fanOut(ctx, msg, conv)

	return &SendResult{Message: msg, Conversation: conv}, nil
}

// fanOut notifies the receiver, acknowledges the sender and updates live
// viewers of the room. If the receiver is reachable the message is marked
// delivered before the acknowledgement goes out.
func (s *Service) fanOut(ctx context.Context, msg *store.Message, conv *store.Conversation) {
	event := MessageEvent{Message: MessageViewOf(msg), Conversation: ConversationViewOf(conv)}

	reached := s.publish(ctx, identity.MailboxTopic(msg.ReceiverID), realtime.EventNewMessage, conv.ID, event)
	if reached > 0 || s.isOnline(ctx, msg.ReceiverID) {
		ids, err := s.store.MarkDelivered(ctx, msg.ReceiverID, []string{msg.ID})
		if err != nil {
			s.logger.Warn("failed to mark delivered", "message_id", msg.ID, "error", err)
		} else if len(ids) > 0 {
			msg.Status = store.MessageStatusDelivered
			event.Message.Status = string(store.MessageStatusDelivered)
		}
	}

	s.publish(ctx, identity.MailboxTopic(msg.SenderID), realtime.EventMessageSent, conv.ID, event)
	s.publish(ctx, identity.RoomTopic(conv.ID), realtime.EventReceiveMessage, conv.ID, event)
}

// replay returns the message a sender already created with key, if any.
// Nothing is published for a replay.
func (s *Service) replay(ctx context.Context, senderID, key string) (*SendResult, bool) {
	var (
		msg *store.Message
		err error
	)
	cacheKey := dedupe.Key(senderID, key)
	if s.dedupe != nil {
		if id, ok := s.dedupe.Lookup(cacheKey); ok {
			msg, err = s.store.GetMessage(ctx, id)
			if err != nil {
				s.dedupe.Forget(cacheKey)
				msg = nil
			}
		}
	}
	if msg == nil {
		msg, err = s.store.GetMessageByIdempotencyKey(ctx, senderID, key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("idempotency lookup failed", "sender_id", senderID, "error", err)
			}
			return nil, false
		}
		if s.dedupe != nil {
			s.dedupe.Remember(cacheKey, msg.ID)
		}
	}

	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		s.logger.Warn("replayed message has no conversation", "message_id", msg.ID, "error", err)
		return nil, false
	}

	s.logger.Debug("send replayed", "message_id", msg.ID, "sender_id", senderID)
	return &SendResult{Message: msg, Conversation: conv, Replayed: true}, true
}

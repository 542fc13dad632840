// ABOUTME: Per-participant actions: soft delete, archive, mute and block
// ABOUTME: These change one user's view of a conversation, never the other's

package conversation

import (
	"context"
	"errors"

	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/realtime"
	"github.com/2389/coven-chat/internal/store"
)

// DeleteMessage hides a message from userID's history. Only the sender and
// the receiver may delete it; the other participant still sees it.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chaterr.NotFound("message not found")
		}
		return storeError("load message", err)
	}
	if msg.SenderID != userID && msg.ReceiverID != userID {
		return chaterr.AccessDenied("only the sender or receiver can delete a message")
	}

	if err := s.store.SoftDeleteMessage(ctx, messageID, userID); err != nil {
		s.logger.Error("failed to delete message", "message_id", messageID, "user_id", userID, "error", err)
		return storeError("delete message", err)
	}

	s.publish(ctx, identity.MailboxTopic(userID), realtime.EventMessageDeleted, msg.ConversationID, DeletedEvent{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	return nil
}

// Archive hides the conversation from userID's list until the next message.
func (s *Service) Archive(ctx context.Context, conversationID, userID string) error {
	archived := true
	_, err := s.UpdateSettings(ctx, conversationID, userID, store.ParticipantPatch{Archived: &archived})
	return err
}

// UpdateSettings changes userID's archived, muted or blocked flags and
// returns the resulting state.
func (s *Service) UpdateSettings(ctx context.Context, conversationID, userID string, patch store.ParticipantPatch) (*store.ParticipantState, error) {
	conv, err := s.conversationFor(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateParticipant(ctx, conv.ID, userID, patch); err != nil {
		s.logger.Error("failed to update settings", "conversation_id", conv.ID, "user_id", userID, "error", err)
		return nil, storeError("update settings", err)
	}

	updated, err := s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, storeError("load conversation", err)
	}
	state := updated.State(userID)
	return &state, nil
}

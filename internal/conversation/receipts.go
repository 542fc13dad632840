// ABOUTME: Read-receipt tracker and delivery transitions
// ABOUTME: Status only moves forward: sent, delivered, read

package conversation

import (
	"context"
	"errors"

	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/realtime"
	"github.com/2389/coven-chat/internal/store"
)

// MarkRead marks messages addressed to readerID as read and returns how many
// changed. With an empty messageID every unread message in the conversation
// is marked. The reader's unread counter is reset either way.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID, messageID string) (int, error) {
	conv, err := s.conversationFor(ctx, conversationID, readerID)
	if err != nil {
		return 0, err
	}

	if messageID != "" {
		msg, err := s.store.GetMessage(ctx, messageID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return 0, chaterr.NotFound("message not found")
			}
			return 0, storeError("load message", err)
		}
		if msg.ConversationID != conv.ID {
			return 0, chaterr.NotFound("message not found in this conversation")
		}
	}

	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	readAt := s.now()
	ids, err := s.store.MarkRead(ctx, conv.ID, readerID, messageID, readAt)
	if err != nil {
		s.logger.Error("failed to mark read", "conversation_id", conv.ID, "user_id", readerID, "error", err)
		return 0, storeError("mark read", err)
	}
	if err := s.store.ResetUnread(ctx, conv.ID, readerID); err != nil {
		s.logger.Error("failed to reset unread", "conversation_id", conv.ID, "user_id", readerID, "error", err)
		return 0, storeError("reset unread", err)
	}

	if len(ids) > 0 {
		s.publish(ctx, identity.RoomTopic(conv.ID), realtime.EventMessageRead, conv.ID, ReadEvent{
			ConversationID: conv.ID,
			ReaderID:       readerID,
			MessageIDs:     ids,
			ReadAt:         readAt,
		})
	}

	s.logger.Debug("messages read", "conversation_id", conv.ID, "user_id", readerID, "count", len(ids))
	return len(ids), nil
}

// MarkDelivered moves every sent message addressed to userID to delivered.
// The gateway calls it when the user connects.
func (s *Service) MarkDelivered(ctx context.Context, userID string) (int, error) {
	ids, err := s.store.MarkDelivered(ctx, userID, nil)
	if err != nil {
		s.logger.Error("failed to mark delivered", "user_id", userID, "error", err)
		return 0, storeError("mark delivered", err)
	}
	if len(ids) > 0 {
		s.logger.Debug("pending messages delivered", "user_id", userID, "count", len(ids))
	}
	return len(ids), nil
}

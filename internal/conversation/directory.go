// ABOUTME: Read-side queries: conversation list, message history, user search, unread totals
// ABOUTME: Nothing here mutates state

package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/coven-chat/internal/store"
)

const defaultSearchLimit = 20

// pageBounds clamps page and limit and returns the store offset.
func (s *Service) pageBounds(page, limit int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = s.opts.DefaultPageSize
	}
	if limit > s.opts.MaxPageSize {
		limit = s.opts.MaxPageSize
	}
	return page, limit, (page - 1) * limit
}

// ListConversations returns userID's non-archived conversations, most recent
// activity first, each enriched with the other participant's profile and presence.
func (s *Service) ListConversations(ctx context.Context, userID string, page, limit int) (*SummaryPage, error) {
	page, limit, offset := s.pageBounds(page, limit)

	convs, total, err := s.store.ListConversationsForUser(ctx, userID, offset, limit)
	if err != nil {
		s.logger.Error("failed to list conversations", "user_id", userID, "error", err)
		return nil, storeError("list conversations", err)
	}

	out := make([]Summary, 0, len(convs))
	for _, conv := range convs {
		summary, err := s.summarize(ctx, conv, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}

	return &SummaryPage{
		Conversations: out,
		Pagination:    newPagination(page, limit, total),
	}, nil
}

func (s *Service) summarize(ctx context.Context, conv *store.Conversation, userID string) (Summary, error) {
	otherID := conv.Other(userID)
	state := conv.State(userID)

	summary := Summary{
		ID:           conv.ID,
		Participant:  UserView{ID: otherID},
		UnreadCount:  state.UnreadCount,
		LastActivity: conv.LastActivity,
		Muted:        state.Muted,
		Blocked:      state.Blocked,
		Presence:     s.snapshot(ctx, otherID, conv.ID),
	}

	other, err := s.store.GetUser(ctx, otherID)
	switch {
	case err == nil:
		summary.Participant = UserViewOf(other)
	case errors.Is(err, store.ErrNotFound):
		s.logger.Warn("conversation participant missing from directory", "conversation_id", conv.ID, "user_id", otherID)
	default:
		return Summary{}, storeError("load participant", err)
	}

	if conv.LastMessageID != "" {
		msg, err := s.store.GetMessage(ctx, conv.LastMessageID)
		switch {
		case err == nil:
			if !msg.DeletedFor(userID) {
				summary.LastMessage = &LastMessageView{
					ID:        msg.ID,
					Content:   msg.Content,
					Type:      msg.Type,
					SenderID:  msg.SenderID,
					Status:    string(msg.Status),
					CreatedAt: msg.CreatedAt,
				}
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return Summary{}, storeError("load last message", err)
		}
	}
	return summary, nil
}

// GetMessages returns one page of a conversation's history as seen by userID.
// Page 1 holds the newest messages; each page is in chronological order.
func (s *Service) GetMessages(ctx context.Context, conversationID, userID string, page, limit int) (*MessagePage, error) {
	conv, err := s.conversationFor(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	page, limit, offset := s.pageBounds(page, limit)

	msgs, total, err := s.store.ListMessages(ctx, conv.ID, userID, offset, limit)
	if err != nil {
		s.logger.Error("failed to list messages", "conversation_id", conv.ID, "error", err)
		return nil, storeError("list messages", err)
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageViewOf(m))
	}
	return &MessagePage{
		Messages:   views,
		Pagination: newPagination(page, limit, total),
	}, nil
}

// Search finds users whose profile matches query, excluding the caller.
func (s *Service) Search(ctx context.Context, query, excludeUserID string, limit int) ([]UserView, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []UserView{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > s.opts.MaxPageSize {
		limit = s.opts.MaxPageSize
	}

	users, err := s.store.SearchUsers(ctx, query, excludeUserID, limit)
	if err != nil {
		s.logger.Error("user search failed", "error", err)
		return nil, storeError("search users", err)
	}
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		out = append(out, UserViewOf(u))
	}
	return out, nil
}

// UnreadCount totals userID's unread counters across conversations.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := s.store.TotalUnread(ctx, userID)
	if err != nil {
		return 0, storeError("count unread", err)
	}
	return n, nil
}

// GetUser returns a profile from the identity directory.
func (s *Service) GetUser(ctx context.Context, userID string) (*UserView, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storeError("load user", err)
	}
	view := UserViewOf(u)
	return &view, nil
}

// Get returns a conversation userID takes part in.
func (s *Service) Get(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	return s.conversationFor(ctx, conversationID, userID)
}

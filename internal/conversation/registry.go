// ABOUTME: Conversation registry: one durable conversation per unordered pair of users
// ABOUTME: Creation is an upsert on the deterministic id, so concurrent creators converge

package conversation

import (
	"context"
	"errors"

	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/store"
)

// RegisterUser adds a profile to the identity directory.
// Registering an id that already exists returns the stored profile.
func (s *Service) RegisterUser(ctx context.Context, user *store.User) (*store.User, error) {
	if !identity.ValidUserID(user.ID) {
		return nil, chaterr.InvalidTarget("user id must be non-empty and must not contain " + identity.Separator)
	}
	if user.Type == "" {
		user.Type = store.UserTypePerson
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}

	err := s.store.CreateUser(ctx, user)
	if errors.Is(err, store.ErrDuplicateUser) {
		existing, err := s.store.GetUser(ctx, user.ID)
		if err != nil {
			return nil, storeError("load user", err)
		}
		return existing, nil
	}
	if errors.Is(err, store.ErrInvalidUser) {
		return nil, chaterr.InvalidTarget("unsupported user type " + string(user.Type))
	}
	if err != nil {
		s.logger.Error("failed to register user", "user_id", user.ID, "error", err)
		return nil, storeError("register user", err)
	}
	return user, nil
}

// FindOrCreate returns the conversation between userA and userB, creating it
// on first contact. Argument order does not matter.
func (s *Service) FindOrCreate(ctx context.Context, userA, userB string) (*store.Conversation, error) {
	if err := validatePair(userA, userB); err != nil {
		return nil, err
	}
	if err := s.requireUsers(ctx, userA, userB); err != nil {
		return nil, err
	}
	return s.upsert(ctx, userA, userB)
}

func validatePair(userA, userB string) error {
	if !identity.ValidUserID(userA) || !identity.ValidUserID(userB) {
		return chaterr.InvalidTarget("invalid user id")
	}
	if userA == userB {
		return chaterr.InvalidTarget("cannot start a conversation with yourself")
	}
	return nil
}

// requireUsers checks that every id resolves in the identity directory.
func (s *Service) requireUsers(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.store.GetUser(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return chaterr.NotFound("user " + id + " not found")
			}
			s.logger.Error("failed to resolve user", "user_id", id, "error", err)
			return storeError("resolve user", err)
		}
	}
	return nil
}

// upsert inserts the conversation if absent. A writer that loses the create
// race gets the winner's record back instead of an error.
func (s *Service) upsert(ctx context.Context, userA, userB string) (*store.Conversation, error) {
	id := identity.ConversationID(userA, userB)
	first, second, _ := identity.Participants(id)

	now := s.now()
	conv, created, err := s.store.UpsertConversation(ctx, &store.Conversation{
		ID:           id,
		Participants: [2]string{first, second},
		LastActivity: now,
		CreatedAt:    now,
	})
	if err != nil {
		s.logger.Error("failed to upsert conversation", "conversation_id", id, "error", err)
		return nil, storeError("create conversation", err)
	}
	if created {
		s.logger.Info("conversation created", "conversation_id", id)
	}
	return conv, nil
}

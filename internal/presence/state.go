// ABOUTME: Ephemeral presence and typing state with in-memory and Redis backends
// ABOUTME: Advisory only; losing it on restart never affects message correctness

package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State stores who is online and who is typing where.
type State interface {
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
	// Online reports the user's status; lastSeen is zero while online or if never seen.
	Online(ctx context.Context, userID string) (online bool, lastSeen time.Time, err error)
	SetTyping(ctx context.Context, conversationID, userID string, typing bool, at time.Time) error
	// Typing reports whether the user is typing in the conversation and since when.
	Typing(ctx context.Context, conversationID, userID string) (typing bool, since time.Time, err error)
}

type userStatus struct {
	online   bool
	lastSeen time.Time
}

// MemoryState keeps state in process. It is the default for single-instance deployments.
type MemoryState struct {
	mu     sync.RWMutex
	users  map[string]userStatus
	typing map[string]map[string]time.Time // conversationID -> userID -> since
}

// NewMemoryState creates an empty in-process state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		users:  make(map[string]userStatus),
		typing: make(map[string]map[string]time.Time),
	}
}

// SetOnline records the user's status. Going offline stamps lastSeen.
func (m *MemoryState) SetOnline(_ context.Context, userID string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := userStatus{online: online}
	if !online {
		st.lastSeen = at
	}
	m.users[userID] = st
	return nil
}

// Online returns the user's status.
func (m *MemoryState) Online(_ context.Context, userID string) (bool, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := m.users[userID]
	return st.online, st.lastSeen, nil
}

// SetTyping records or clears a typing flag.
func (m *MemoryState) SetTyping(_ context.Context, conversationID, userID string, typing bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !typing {
		if users, ok := m.typing[conversationID]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(m.typing, conversationID)
			}
		}
		return nil
	}

	if _, ok := m.typing[conversationID]; !ok {
		m.typing[conversationID] = make(map[string]time.Time)
	}
	m.typing[conversationID][userID] = at
	return nil
}

// Typing reports the user's typing flag in a conversation.
func (m *MemoryState) Typing(_ context.Context, conversationID, userID string) (bool, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	since, ok := m.typing[conversationID][userID]
	return ok, since, nil
}

// hashClient is the subset of *redis.Client RedisState uses.
type hashClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// RedisState shares presence across gateway instances. Users live in one
// hash each; typing flags live in one hash per conversation keyed by user.
type RedisState struct {
	client hashClient
	prefix string
}

// NewRedisState creates a Redis-backed state with keys under prefix.
func NewRedisState(client hashClient, prefix string) *RedisState {
	return &RedisState{client: client, prefix: prefix}
}

func (r *RedisState) userKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, userID)
}

func (r *RedisState) typingKey(conversationID string) string {
	return fmt.Sprintf("%s:typing:%s", r.prefix, conversationID)
}

// SetOnline records the user's status.
func (r *RedisState) SetOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	lastSeen := int64(0)
	if !online {
		lastSeen = at.UnixNano()
	}
	if err := r.client.HSet(ctx, r.userKey(userID),
		"online", strconv.FormatBool(online),
		"last_seen", strconv.FormatInt(lastSeen, 10),
	).Err(); err != nil {
		return fmt.Errorf("writing presence: %w", err)
	}
	return nil
}

// Online returns the user's status.
func (r *RedisState) Online(ctx context.Context, userID string) (bool, time.Time, error) {
	fields, err := r.client.HGetAll(ctx, r.userKey(userID)).Result()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("reading presence: %w", err)
	}
	online, _ := strconv.ParseBool(fields["online"])
	var lastSeen time.Time
	if n, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil && n > 0 {
		lastSeen = time.Unix(0, n).UTC()
	}
	return online, lastSeen, nil
}

// SetTyping records or clears a typing flag.
func (r *RedisState) SetTyping(ctx context.Context, conversationID, userID string, typing bool, at time.Time) error {
	var err error
	if typing {
		err = r.client.HSet(ctx, r.typingKey(conversationID), userID, strconv.FormatInt(at.UnixNano(), 10)).Err()
	} else {
		err = r.client.HDel(ctx, r.typingKey(conversationID), userID).Err()
	}
	if err != nil {
		return fmt.Errorf("writing typing state: %w", err)
	}
	return nil
}

// Typing reports the user's typing flag in a conversation.
func (r *RedisState) Typing(ctx context.Context, conversationID, userID string) (bool, time.Time, error) {
	raw, err := r.client.HGet(ctx, r.typingKey(conversationID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("reading typing state: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("parsing typing state: %w", err)
	}
	return true, time.Unix(0, n).UTC(), nil
}

var (
	_ State = (*MemoryState)(nil)
	_ State = (*RedisState)(nil)
)

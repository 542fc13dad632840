// ABOUTME: SQLite conversation records and per-participant counters
// ABOUTME: Upsert-by-key creation plus atomic unread increment/reset

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UpsertConversation inserts the conversation and its two participant rows
// unless a record with the same ID already exists, then returns the stored record.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_a, user_b, last_message_id, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, conv.ID, conv.Participants[0], conv.Participants[1], nullString(conv.LastMessageID),
		formatTime(conv.LastActivity), formatTime(conv.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	if inserted > 0 {
		for _, userID := range conv.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id)
				VALUES (?, ?)
				ON CONFLICT(conversation_id, user_id) DO NOTHING
			`, conv.ID, userID); err != nil {
				return nil, false, fmt.Errorf("inserting participant: %w", err)
			}
		}
	}

	stored, err := getConversation(ctx, tx, conv.ID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing conversation: %w", err)
	}

	if inserted > 0 {
		s.logger.Debug("created conversation", "id", conv.ID)
	}
	return stored, inserted > 0, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetConversation retrieves a conversation and its participant states.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, last_message_id, last_activity, created_at
		FROM conversations WHERE id = ?
	`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	states, err := loadParticipants(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	conv.States = states[id]
	return conv, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var lastMessageID sql.NullString
	var lastActivity, createdAt string

	if err := row.Scan(&conv.ID, &conv.Participants[0], &conv.Participants[1],
		&lastMessageID, &lastActivity, &createdAt); err != nil {
		return nil, err
	}

	if lastMessageID.Valid {
		conv.LastMessageID = lastMessageID.String
	}

	var err error
	conv.LastActivity, err = parseTime(lastActivity)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	conv.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &conv, nil
}

// loadParticipants returns participant states keyed by conversation ID.
func loadParticipants(ctx context.Context, q querier, ids []string) (map[string][]ParticipantState, error) {
	out := make(map[string][]ParticipantState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := q.QueryContext(ctx, `
		SELECT conversation_id, user_id, unread_count, archived, muted, blocked
		FROM conversation_participants
		WHERE conversation_id IN (`+placeholders(len(ids))+`)
		ORDER BY conversation_id, user_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID string
		var st ParticipantState
		var archived, muted, blocked int
		if err := rows.Scan(&convID, &st.UserID, &st.UnreadCount, &archived, &muted, &blocked); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		st.Archived = archived != 0
		st.Muted = muted != 0
		st.Blocked = blocked != 0
		out[convID] = append(out[convID], st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}
	return out, nil
}

// ListConversationsForUser returns the user's non-archived conversations,
// most recent activity first, together with the total count.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string, offset, limit int) ([]*Conversation, int, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants
		WHERE user_id = ? AND archived = 0
	`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_a, c.user_b, c.last_message_id, c.last_activity, c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ? AND p.archived = 0
		ORDER BY c.last_activity DESC, c.id
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying conversations: %w", err)
	}

	var convs []*Conversation
	var ids []string
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
		ids = append(ids, conv.ID)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("iterating conversation rows: %w", err)
	}

	states, err := loadParticipants(ctx, s.db, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, conv := range convs {
		conv.States = states[conv.ID]
	}

	return convs, total, nil
}

// SetLastMessage updates the last-message pointer and activity time and
// brings the conversation back out of either participant's archive.
func (s *SQLiteStore) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := setLastMessage(ctx, tx, conversationID, messageID, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing last message: %w", err)
	}
	return nil
}

func setLastMessage(ctx context.Context, ex execer, conversationID, messageID string, at time.Time) error {
	result, err := ex.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = ?, last_activity = ?
		WHERE id = ?
	`, messageID, formatTime(at), conversationID)
	if err != nil {
		return fmt.Errorf("updating last message: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := ex.ExecContext(ctx, `
		UPDATE conversation_participants SET archived = 0
		WHERE conversation_id = ? AND archived = 1
	`, conversationID); err != nil {
		return fmt.Errorf("unarchiving conversation: %w", err)
	}
	return nil
}

// IncrementUnread adds one to the participant's unread counter in a single statement.
func (s *SQLiteStore) IncrementUnread(ctx context.Context, conversationID, userID string) error {
	return s.execParticipant(ctx, `
		UPDATE conversation_participants SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
}

// ResetUnread sets the participant's unread counter to zero.
func (s *SQLiteStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return s.execParticipant(ctx, `
		UPDATE conversation_participants SET unread_count = 0
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
}

// UpdateParticipant applies the non-nil flags in patch.
func (s *SQLiteStore) UpdateParticipant(ctx context.Context, conversationID, userID string, patch ParticipantPatch) error {
	var sets []string
	var args []any
	if patch.Archived != nil {
		sets = append(sets, "archived = ?")
		args = append(args, boolInt(*patch.Archived))
	}
	if patch.Muted != nil {
		sets = append(sets, "muted = ?")
		args = append(args, boolInt(*patch.Muted))
	}
	if patch.Blocked != nil {
		sets = append(sets, "blocked = ?")
		args = append(args, boolInt(*patch.Blocked))
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE conversation_participants SET " + strings.Join(sets, ", ") +
		" WHERE conversation_id = ? AND user_id = ?"
	args = append(args, conversationID, userID)
	return s.execParticipant(ctx, query, args...)
}

func (s *SQLiteStore) execParticipant(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating participant: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TotalUnread sums the user's unread counters across all conversations.
func (s *SQLiteStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(unread_count), 0) FROM conversation_participants
		WHERE user_id = ?
	`, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("summing unread counts: %w", err)
	}
	return total, nil
}

// ABOUTME: SQLite message persistence, delivery status and read receipts
// ABOUTME: Status only moves forward: sent -> delivered -> read

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `seq, id, conversation_id, sender_id, receiver_id, content, type, status, idempotency_key, created_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveMessage inserts a message and sets msg.Seq from the store.
// Returns ErrDuplicateMessage when the sender already used msg.IdempotencyKey.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	stored, err := insertMessage(ctx, s.db, msg)
	if err != nil {
		return err
	}
	*msg = *stored

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "seq", msg.Seq)
	return nil
}

// AppendMessage inserts msg and updates the conversation pointer and the
// receiver's unread counter in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := insertMessage(ctx, tx, msg)
	if err != nil {
		return err
	}
	if err := setLastMessage(ctx, tx, msg.ConversationID, msg.ID, msg.CreatedAt); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE conversation_participants SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id = ?
	`, msg.ConversationID, msg.ReceiverID)
	if err != nil {
		return fmt.Errorf("incrementing unread: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	*msg = *stored

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID, "seq", msg.Seq)
	return nil
}

// insertMessage writes msg and returns a copy carrying the assigned Seq and defaults.
func insertMessage(ctx context.Context, ex execer, msg *Message) (*Message, error) {
	stored := *msg
	if stored.Type == "" {
		stored.Type = MessageTypeText
	}
	if stored.Status == "" {
		stored.Status = MessageStatusSent
	}

	result, err := ex.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, type, status, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ConversationID, stored.SenderID, stored.ReceiverID, stored.Content, stored.Type,
		string(stored.Status), nullString(stored.IdempotencyKey), formatTime(stored.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) && stored.IdempotencyKey != "" {
			return nil, ErrDuplicateMessage
		}
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	stored.Seq, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message seq: %w", err)
	}
	return &stored, nil
}

// GetMessage retrieves a message with its receipts and deletions.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.getMessageWhere(ctx, `id = ?`, id)
}

// GetMessageByIdempotencyKey finds the message a sender created with key.
func (s *SQLiteStore) GetMessageByIdempotencyKey(ctx context.Context, senderID, key string) (*Message, error) {
	return s.getMessageWhere(ctx, `sender_id = ? AND idempotency_key = ?`, senderID, key)
}

func (s *SQLiteStore) getMessageWhere(ctx context.Context, where string, args ...any) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	if err := s.attachReceipts(ctx, []*Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var status, createdAt string
	var key sql.NullString

	if err := row.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID,
		&msg.Content, &msg.Type, &status, &key, &createdAt); err != nil {
		return nil, err
	}
	msg.Status = MessageStatus(status)
	if key.Valid {
		msg.IdempotencyKey = key.String
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	msg.CreatedAt = t
	return &msg, nil
}

// attachReceipts fills ReadBy and DeletedBy for the given messages.
func (s *SQLiteStore) attachReceipts(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	byID := make(map[string]*Message, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = m
		args[i] = m.ID
	}
	in := placeholders(len(msgs))

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, read_at FROM message_reads
		WHERE message_id IN (`+in+`)
		ORDER BY read_at
	`, args...)
	if err != nil {
		return fmt.Errorf("querying read receipts: %w", err)
	}
	for rows.Next() {
		var msgID, userID, readAt string
		if err := rows.Scan(&msgID, &userID, &readAt); err != nil {
			rows.Close()
			return fmt.Errorf("scanning read receipt: %w", err)
		}
		t, err := parseTime(readAt)
		if err != nil {
			rows.Close()
			return fmt.Errorf("parsing read_at: %w", err)
		}
		m := byID[msgID]
		m.ReadBy = append(m.ReadBy, Receipt{UserID: userID, ReadAt: t})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("iterating read receipts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT message_id, user_id FROM message_deletions
		WHERE message_id IN (`+in+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("querying deletions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msgID, userID string
		if err := rows.Scan(&msgID, &userID); err != nil {
			return fmt.Errorf("scanning deletion: %w", err)
		}
		m := byID[msgID]
		m.DeletedBy = append(m.DeletedBy, userID)
	}
	return rows.Err()
}

// ListMessages returns the page of the conversation visible to viewerID.
// Page offsets count back from the newest message; each page is ascending by Seq.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID, viewerID string, offset, limit int) ([]*Message, int, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	const visible = `
		conversation_id = ?
		AND NOT EXISTS (
			SELECT 1 FROM message_deletions d
			WHERE d.message_id = messages.id AND d.user_id = ?
		)`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+visible,
		conversationID, viewerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE `+visible+`
			ORDER BY seq DESC
			LIMIT ? OFFSET ?
		)
		ORDER BY seq ASC
	`, conversationID, viewerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("iterating message rows: %w", err)
	}

	if err := s.attachReceipts(ctx, msgs); err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// MarkDelivered moves sent messages for receiverID to delivered and returns their IDs.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, receiverID string, messageIDs []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	where := `receiver_id = ? AND status = 'sent'`
	args := []any{receiverID}
	if len(messageIDs) > 0 {
		where += ` AND id IN (` + placeholders(len(messageIDs)) + `)`
		for _, id := range messageIDs {
			args = append(args, id)
		}
	}

	ids, err := selectIDs(ctx, tx, `SELECT id FROM messages WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'delivered' WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("marking delivered: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delivered: %w", err)
	}
	return ids, nil
}

// MarkRead moves unread messages addressed to readerID to read, records a
// receipt for each, and returns the IDs that changed. Messages already read
// are left untouched.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerID, messageID string, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	where := `conversation_id = ? AND receiver_id = ? AND status <> 'read'`
	args := []any{conversationID, readerID}
	if messageID != "" {
		where += ` AND id = ?`
		args = append(args, messageID)
	}

	ids, err := selectIDs(ctx, tx, `SELECT id FROM messages WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'read' WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("marking read: %w", err)
	}

	readAt := formatTime(at)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_reads (message_id, user_id, read_at)
			VALUES (?, ?, ?)
			ON CONFLICT(message_id, user_id) DO NOTHING
		`, id, readerID, readAt); err != nil {
			return nil, fmt.Errorf("recording read receipt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing read: %w", err)
	}

	s.logger.Debug("marked read", "conversation_id", conversationID, "reader", readerID, "count", len(ids))
	return ids, nil
}

func selectIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting message ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SoftDeleteMessage hides a message from userID's view only.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_deletions (message_id, user_id, deleted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id) DO NOTHING
	`, messageID, userID, formatTime(time.Now()))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("soft deleting message: %w", err)
	}
	return nil
}

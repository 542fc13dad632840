// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serialises writers; it also keeps :memory: databases
	// from splitting across pooled connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL DEFAULT 'user',
			name       TEXT NOT NULL,
			bio        TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,

			CHECK (type IN ('user', 'company'))
		);

		CREATE INDEX IF NOT EXISTS idx_users_name ON users(name);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			user_a          TEXT NOT NULL,
			user_b          TEXT NOT NULL,
			last_message_id TEXT,
			last_activity   TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			CHECK (user_a < user_b)
		);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id         TEXT NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			archived        INTEGER NOT NULL DEFAULT 0,
			muted           INTEGER NOT NULL DEFAULT 0,
			blocked         INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (conversation_id, user_id),
			CHECK (unread_count >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON conversation_participants(user_id, archived);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			content         TEXT NOT NULL,
			type            TEXT NOT NULL DEFAULT 'text',
			status          TEXT NOT NULL DEFAULT 'sent',
			idempotency_key TEXT,
			created_at      TEXT NOT NULL,

			CHECK (sender_id <> receiver_id),
			CHECK (status IN ('sent', 'delivered', 'read'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_receiver_status
			ON messages(receiver_id, status);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
			ON messages(sender_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL;

		CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL REFERENCES messages(id),
			user_id    TEXT NOT NULL,
			read_at    TEXT NOT NULL,

			PRIMARY KEY (message_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS message_deletions (
			message_id TEXT NOT NULL REFERENCES messages(id),
			user_id    TEXT NOT NULL,
			deleted_at TEXT NOT NULL,

			PRIMARY KEY (message_id, user_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func isCheckViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// CreateUser inserts a user profile.
// Returns ErrDuplicateUser if the ID is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	userType := user.Type
	if userType == "" {
		userType = UserTypePerson
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, type, name, bio, avatar_url, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, user.ID, string(userType), user.Name, user.Bio, user.AvatarURL, user.Role, formatTime(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		if isCheckViolation(err) {
			return fmt.Errorf("%w: unsupported type %q", ErrInvalidUser, userType)
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID)
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, bio, avatar_url, role, created_at
		FROM users WHERE id = ?
	`, id)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return user, nil
}

// SearchUsers matches name or bio against query, case-insensitively.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error) {
	limit = clampLimit(limit)
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, name, bio, avatar_url, role, created_at
		FROM users
		WHERE id <> ?
		  AND (lower(name) LIKE ? ESCAPE '\' OR lower(bio) LIKE ? ESCAPE '\')
		ORDER BY name, id
		LIMIT ?
	`, excludeID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var userType, createdAt string
	if err := row.Scan(&u.ID, &userType, &u.Name, &u.Bio, &u.AvatarURL, &u.Role, &createdAt); err != nil {
		return nil, err
	}
	u.Type = UserType(userType)
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	return &u, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

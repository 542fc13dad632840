// Package store provides persistent storage for coven-chat.
//
// # Architecture
//
// Store is the single interface the conversation engine depends on. Three
// implementations ship with the package:
//
//   - SQLiteStore: the default, backed by modernc.org/sqlite
//   - MongoStore: for deployments that already run MongoDB
//   - MockStore: in-memory, for unit tests
//
// # Data Models
//
//   - User: public profile used for search and conversation enrichment
//   - Conversation: two-party thread keyed by the sorted participant IDs
//   - ParticipantState: per-user unread counter and archived/muted/blocked flags
//   - Message: a direct message with delivery status, read receipts and
//     per-user soft deletions
//
// # Consistency
//
// Conversations are created with insert-if-absent semantics so concurrent
// creators converge on one record. Unread counters are changed with single
// atomic statements. Message status only moves forward
// (sent -> delivered -> read); MarkDelivered and MarkRead report exactly the
// IDs they changed.
//
// AppendMessage is the write path for sends: the message insert, the
// last-message pointer and the receiver's unread increment commit together
// (a SQLite transaction, a MongoDB multi-document transaction) or not at all.
// MongoStore therefore needs a replica set or sharded cluster.
//
// A sender's idempotency key is unique per sender. SaveMessage and
// AppendMessage return ErrDuplicateMessage when the key was already used.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The pool is limited to one connection, which serialises writers and keeps
// :memory: databases coherent.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") or a
// temporary file for integration tests.
package store

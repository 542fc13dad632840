// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers file creation, timestamp round-trips and concurrent counter updates

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateUser(ctx, &User{ID: "alice", Name: "Alice", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := store.GetUser(ctx, "alice"); err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
}

func TestSQLiteStore_PreservesTimestampPrecision(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.FixedZone("CET", 3600))

	seedConversation(t, store)
	msg := &Message{
		ID: "m1", ConversationID: "alice_bob", SenderID: "alice", ReceiverID: "bob",
		Content: "hi", CreatedAt: created,
	}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	got, err := store.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt location = %v, want UTC", got.CreatedAt.Location())
	}
}

func TestSQLiteStore_ConcurrentIncrementUnread(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	seedConversation(t, store)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.IncrementUnread(ctx, "alice_bob", "bob"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("IncrementUnread failed: %v", err)
	}

	total, err := store.TotalUnread(ctx, "bob")
	if err != nil {
		t.Fatalf("TotalUnread failed: %v", err)
	}
	if total != n {
		t.Errorf("TotalUnread = %d, want %d", total, n)
	}
}

func TestSQLiteStore_ConcurrentUpsertConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	created := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := store.UpsertConversation(ctx, &Conversation{
				ID:           "alice_bob",
				Participants: [2]string{"alice", "bob"},
				LastActivity: time.Now(),
				CreatedAt:    time.Now(),
			})
			if err != nil {
				t.Errorf("UpsertConversation %d failed: %v", i, err)
				return
			}
			created <- ok
		}(i)
	}
	wg.Wait()
	close(created)

	winners := 0
	for ok := range created {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one creator, got %d", winners)
	}
}

func TestSQLiteStore_ListMessages_LoadsReceipts(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	seedConversation(t, store)
	for i := 1; i <= 3; i++ {
		seedMessage(t, store, fmt.Sprintf("m%d", i), "alice", "bob", baseTime)
	}
	if _, err := store.MarkRead(ctx, "alice_bob", "bob", "m2", baseTime); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if err := store.SoftDeleteMessage(ctx, "m3", "alice"); err != nil {
		t.Fatalf("SoftDeleteMessage failed: %v", err)
	}

	msgs, _, err := store.ListMessages(ctx, "alice_bob", "bob", 0, 10)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if !msgs[1].ReadByUser("bob") || msgs[0].ReadByUser("bob") {
		t.Error("read receipt attached to the wrong message")
	}
	if !msgs[2].DeletedFor("alice") {
		t.Error("deletion marker not loaded")
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

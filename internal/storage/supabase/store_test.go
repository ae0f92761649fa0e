package supabase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

func TestDecodeRPC(t *testing.T) {
	var n int64
	if err := decodeRPC("expire_subscriptions", "3", &n); err != nil || n != 3 {
		t.Fatalf("decode int: n=%d err=%v", n, err)
	}
	var ok bool
	if err := decodeRPC("swap_preferred_response", " true ", &ok); err != nil || !ok {
		t.Fatalf("decode bool: ok=%v err=%v", ok, err)
	}
	err := decodeRPC("increment_message_count", `{"code":"42883","message":"function does not exist"}`, &ok)
	if err == nil {
		t.Fatalf("expected postgrest error to surface")
	}
	if err := decodeRPC("noop", "", nil); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

func TestIsDuplicate(t *testing.T) {
	if !isDuplicate(errors.New(`(23505) duplicate key value violates unique constraint "chat_sessions_pkey"`)) {
		t.Fatalf("unique violation not detected")
	}
	if isDuplicate(errors.New("connection refused")) || isDuplicate(nil) {
		t.Fatalf("unexpected duplicate")
	}
}

func TestUpdateOrCreateRetriesAfterLostInsert(t *testing.T) {
	// row is what the table holds; the competing writer inserts it first
	row := ""
	updates := 0
	update := func() (bool, error) {
		updates++
		if row == "" {
			return false, nil
		}
		row = "later"
		return true, nil
	}
	create := func() (bool, error) {
		row = "earlier"
		return false, nil
	}
	if err := updateOrCreate(update, create); err != nil {
		t.Fatalf("update or create: %v", err)
	}
	if row != "later" || updates != 2 {
		t.Fatalf("expected the later name to land, row=%q updates=%d", row, updates)
	}

	calls := 0
	err := updateOrCreate(func() (bool, error) { calls++; return false, nil }, func() (bool, error) { return true, nil })
	if err != nil || calls != 1 {
		t.Fatalf("fresh insert must not retry the update: calls=%d err=%v", calls, err)
	}
	boom := errors.New("boom")
	if err := updateOrCreate(func() (bool, error) { return false, boom }, nil); !errors.Is(err, boom) {
		t.Fatalf("expected update error, got %v", err)
	}
}

// TestStoreAgainstSupabase needs a project with schema.sql applied.
func TestStoreAgainstSupabase(t *testing.T) {
	url, key := os.Getenv("TEST_SUPABASE_URL"), os.Getenv("TEST_SUPABASE_KEY")
	if url == "" || key == "" {
		t.Skip("TEST_SUPABASE_URL / TEST_SUPABASE_KEY not set")
	}
	s, err := New(Config{URL: url, APIKey: key})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	userID := "test_" + uuid.NewString()
	sessionID := uuid.NewString()

	if _, err := s.EnsureUser(ctx, userID); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	created, err := s.CreateSessionIfAbsent(ctx, &models.Session{ID: sessionID, UserID: userID, Name: "Untitled Chat 1"})
	if err != nil || !created {
		t.Fatalf("create session: created=%v err=%v", created, err)
	}
	defer s.DeleteSessions(ctx, userID, []string{sessionID})

	if created, _ := s.CreateSessionIfAbsent(ctx, &models.Session{ID: sessionID, UserID: userID, Name: "again"}); created {
		t.Fatalf("duplicate create reported as created")
	}
	for i := 0; i < 2; i++ {
		msg := &models.Message{ID: uuid.NewString(), SessionID: sessionID, UserID: userID, Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if _, err := s.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("insert message: %v", err)
		}
	}
	if n, err := s.CountMessages(ctx, sessionID); err != nil || n != 2 {
		t.Fatalf("count messages: n=%d err=%v", n, err)
	}
}

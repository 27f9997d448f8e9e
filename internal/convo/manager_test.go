package convo

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskmaster/internal/db"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	gdb, err := db.OpenSQLiteWithMigrations(filepath.Join(t.TempDir(), "taskmaster.db"))
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	mgr, err := NewManager(gdb)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	return mgr
}

func TestRecordTurnAndWindow(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		mgr.now = func() time.Time { return tick }
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := mgr.RecordTurn(ctx, "u1", role, fmt.Sprintf("message %d", i), nil); err != nil {
			t.Fatalf("record turn %d failed: %v", i, err)
		}
	}

	pc, err := mgr.BuildPromptContext(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("build prompt context failed: %v", err)
	}
	if len(pc.Messages) != 10 {
		t.Fatalf("expected a 10-message window, got %d", len(pc.Messages))
	}
	if pc.Messages[0].Content != "message 2" || pc.Messages[9].Content != "message 11" {
		t.Fatalf("window not oldest-first: first=%q last=%q", pc.Messages[0].Content, pc.Messages[9].Content)
	}
	if pc.Summary != "" {
		t.Fatalf("short window must not be summarized, got %q", pc.Summary)
	}
	if pc.User.UserID != "u1" {
		t.Fatalf("user context not attached: %+v", pc.User)
	}
}

func TestRecordTurn_RejectsUnknownRole(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.RecordTurn(context.Background(), "u1", "system", "x", nil); err == nil {
		t.Fatal("unknown role must be rejected")
	}
}

func TestBuildPromptContext_SummaryCollapse(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	long := strings.Repeat("all work and no play ", 20) // ~420 chars each
	base := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		mgr.now = func() time.Time { return tick }
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := mgr.RecordTurn(ctx, "u1", role, fmt.Sprintf("%d %s", i, long), nil); err != nil {
			t.Fatalf("record turn failed: %v", err)
		}
	}

	pc, err := mgr.BuildPromptContext(ctx, "u1", 8)
	if err != nil {
		t.Fatalf("build prompt context failed: %v", err)
	}
	if pc.Summary == "" {
		t.Fatal("oversized window must collapse into a summary")
	}
	if len(pc.Messages) != 4 {
		t.Fatalf("expected the recent half kept, got %d messages", len(pc.Messages))
	}
	if !strings.HasPrefix(pc.Messages[0].Content, "4 ") {
		t.Fatalf("kept messages must be the most recent: %q", pc.Messages[0].Content[:10])
	}
	if !strings.Contains(pc.Summary, "2 user messages") {
		t.Fatalf("summary must count collapsed user messages: %q", pc.Summary)
	}

	// The persisted log is untouched by summarization.
	again, err := mgr.BuildPromptContext(ctx, "u1", 8)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if again.Summary != pc.Summary {
		t.Fatal("summary must be deterministic")
	}
}

func TestUserContext_LazyCreateAndIdempotentUpdate(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	snap, err := mgr.UserContext(ctx, "u1")
	if err != nil {
		t.Fatalf("lazy create failed: %v", err)
	}
	if snap.UserID != "u1" || snap.Preferences != nil {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}

	prefs := map[string]any{"timezone": "America/New_York", "default_priority": "high"}
	update := ContextUpdate{Preferences: &prefs}
	first, err := mgr.UpdateUserContext(ctx, "u1", update)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if first.Preferences["timezone"] != "America/New_York" {
		t.Fatalf("preferences not stored: %+v", first.Preferences)
	}

	second, err := mgr.UpdateUserContext(ctx, "u1", update)
	if err != nil {
		t.Fatalf("repeat update failed: %v", err)
	}
	if second.Preferences["timezone"] != first.Preferences["timezone"] ||
		second.AIContext != first.AIContext {
		t.Fatalf("repeated update must be idempotent: %+v vs %+v", second, first)
	}

	// Empty update is a no-op.
	unchanged, err := mgr.UpdateUserContext(ctx, "u1", ContextUpdate{})
	if err != nil {
		t.Fatalf("empty update failed: %v", err)
	}
	if unchanged.Preferences["default_priority"] != "high" {
		t.Fatalf("empty update must not clear fields: %+v", unchanged.Preferences)
	}
}

func TestPromptContextFormat(t *testing.T) {
	pc := PromptContext{}
	if got := pc.Format(); got != "No previous conversation." {
		t.Fatalf("empty context format: %q", got)
	}
	pc = PromptContext{
		Summary: "Conversation with 2 user messages and 2 responses.",
		Messages: []Message{
			{Role: "user", Content: "plan my week"},
			{Role: "assistant", Content: "Here is a plan."},
		},
	}
	got := pc.Format()
	if !strings.Contains(got, "Earlier conversation summary:") ||
		!strings.Contains(got, "User: plan my week") ||
		!strings.Contains(got, "Assistant: Here is a plan.") {
		t.Fatalf("unexpected format:\n%s", got)
	}
}

package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"taskmaster/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenSQLiteWithMigrations(filepath.Join(t.TempDir(), "taskmaster.db"))
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	st, err := NewStore(gdb)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return st
}

func TestCreate_DefaultsAndTags(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task, err := st.Create(ctx, CreateParams{
		UserID: "u1",
		Title:  "  Write launch notes  ",
		Tags:   []string{"Work", "writing", ""},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if task.Title != "Write launch notes" {
		t.Fatalf("title should be trimmed, got %q", task.Title)
	}
	if task.Status != StatusTodo || task.Priority != PriorityMedium {
		t.Fatalf("unexpected defaults: status=%s priority=%s", task.Status, task.Priority)
	}
	if task.DueDate != nil {
		t.Fatalf("due date should be unset, got %v", task.DueDate)
	}
	if len(task.Tags) != 2 || task.Tags[0] != "work" || task.Tags[1] != "writing" {
		t.Fatalf("unexpected tags: %v", task.Tags)
	}
}

func TestCreate_Validation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "   "}); err == nil {
		t.Fatal("empty title must be rejected")
	} else {
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError, got %T", err)
		}
	}

	if _, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "x", Priority: "urgent"}); err == nil {
		t.Fatal("unknown priority must be rejected")
	}
	if _, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "x", ParentID: "missing"}); err == nil {
		t.Fatal("missing parent must be rejected")
	}
}

func TestUpdate_EmptyParamsIsExactNoOp(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	before, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Stay put", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	after, err := st.Update(ctx, "u1", before.ID, UpdateParams{})
	if err != nil {
		t.Fatalf("empty update failed: %v", err)
	}
	if after.Title != before.Title || after.Status != before.Status || after.Priority != before.Priority {
		t.Fatalf("fields changed on empty update: before=%+v after=%+v", before, after)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("updated_at must not move on empty update: before=%v after=%v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestUpdate_PartialChangesOnlySuppliedFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	due := time.Date(2026, 9, 4, 12, 0, 0, 0, time.UTC)
	before, err := st.Create(ctx, CreateParams{
		UserID:   "u1",
		Title:    "Quarterly report",
		Priority: PriorityHigh,
		DueDate:  &due,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	status := StatusInProgress
	after, err := st.Update(ctx, "u1", before.ID, UpdateParams{Status: &status})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if after.Status != StatusInProgress {
		t.Fatalf("status not applied: %s", after.Status)
	}
	if after.Priority != PriorityHigh {
		t.Fatalf("priority must be untouched, got %s", after.Priority)
	}
	if after.Title != "Quarterly report" {
		t.Fatalf("title must be untouched, got %q", after.Title)
	}
	if after.DueDate == nil || !after.DueDate.Equal(due) {
		t.Fatalf("due date must be untouched, got %v", after.DueDate)
	}
}

func TestUpdate_CompletionSetsTimestampAndAccuracy(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Ship it", EstimatedMinutes: 60})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	actual := 90
	if _, err := st.Update(ctx, "u1", task.ID, UpdateParams{ActualMinutes: &actual}); err != nil {
		t.Fatalf("set actual failed: %v", err)
	}

	done, err := st.Complete(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at must be set")
	}
	accuracy, ok := done.Metadata["estimation_accuracy"].(float64)
	if !ok || accuracy != 1.5 {
		t.Fatalf("expected estimation_accuracy 1.5, got %v", done.Metadata["estimation_accuracy"])
	}

	status := StatusTodo
	reopened, err := st.Update(ctx, "u1", task.ID, UpdateParams{Status: &status})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.CompletedAt != nil {
		t.Fatalf("completed_at must clear on reopen, got %v", reopened.CompletedAt)
	}
}

func TestDelete_CascadeGuard(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	parent, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Parent"})
	if err != nil {
		t.Fatalf("create parent failed: %v", err)
	}
	if _, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Child", ParentID: parent.ID}); err != nil {
		t.Fatalf("create child failed: %v", err)
	}

	if _, err := st.Delete(ctx, "u1", parent.ID, false); err == nil {
		t.Fatal("delete without cascade must fail when children exist")
	} else {
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConflictError, got %T: %v", err, err)
		}
	}

	removed, err := st.Delete(ctx, "u1", parent.ID, true)
	if err != nil {
		t.Fatalf("cascade delete failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows removed, got %d", removed)
	}
	if _, err := st.Get(ctx, "u1", parent.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("parent should be gone, got %v", err)
	}
}

func TestUpdate_ParentCycleRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a, _ := st.Create(ctx, CreateParams{UserID: "u1", Title: "A"})
	b, _ := st.Create(ctx, CreateParams{UserID: "u1", Title: "B", ParentID: a.ID})
	c, _ := st.Create(ctx, CreateParams{UserID: "u1", Title: "C", ParentID: b.ID})

	newParent := c.ID
	if _, err := st.Update(ctx, "u1", a.ID, UpdateParams{ParentID: &newParent}); err == nil {
		t.Fatal("reparenting A under C must be rejected as a cycle")
	} else {
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConflictError, got %T: %v", err, err)
		}
	}

	self := a.ID
	if _, err := st.Update(ctx, "u1", a.ID, UpdateParams{ParentID: &self}); err == nil {
		t.Fatal("self-parenting must be rejected")
	}
}

func TestCreateSubtasks_ParentUnchanged(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	parent, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Write paper", Status: StatusInProgress})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	subtasks, err := st.CreateSubtasks(ctx, "u1", parent.ID, []string{"Research", "Draft", "Review"})
	if err != nil {
		t.Fatalf("create subtasks failed: %v", err)
	}
	if len(subtasks) != 3 {
		t.Fatalf("expected 3 subtasks, got %d", len(subtasks))
	}
	for _, sub := range subtasks {
		if sub.ParentID != parent.ID {
			t.Fatalf("subtask %q has wrong parent %q", sub.Title, sub.ParentID)
		}
		if sub.Status != StatusTodo {
			t.Fatalf("subtask %q should start as todo, got %s", sub.Title, sub.Status)
		}
	}

	reloaded, err := st.Get(ctx, "u1", parent.ID)
	if err != nil {
		t.Fatalf("reload parent failed: %v", err)
	}
	if reloaded.Status != StatusInProgress {
		t.Fatalf("parent status must be unchanged, got %s", reloaded.Status)
	}
}

func TestSearch_SubstringAndFuzzy(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Quarterly report"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Water the plants"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	exact, err := st.Search(ctx, "u1", "quarterly", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(exact) != 1 || exact[0].Title != "Quarterly report" {
		t.Fatalf("unexpected exact results: %+v", exact)
	}

	fuzzyHits, err := st.Search(ctx, "u1", "quaterly reprt", 10)
	if err != nil {
		t.Fatalf("fuzzy search failed: %v", err)
	}
	if len(fuzzyHits) == 0 || fuzzyHits[0].Title != "Quarterly report" {
		t.Fatalf("fuzzy query should still find the report, got %+v", fuzzyHits)
	}

	if _, err := st.Search(ctx, "u1", "   ", 10); err == nil {
		t.Fatal("blank query must be rejected")
	}
}

func TestStatisticsAndDateWindows(t *testing.T) {
	st := newTestStore(t)
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return base }
	ctx := context.Background()

	past := base.Add(-48 * time.Hour)
	soon := base.Add(24 * time.Hour)
	if _, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Late", DueDate: &past, Priority: PriorityHigh}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Soon", DueDate: &soon}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	done, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Done"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := st.Complete(ctx, "u1", done.ID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	stats, err := st.Statistics(ctx, "u1")
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.Total != 3 || stats.Overdue != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ByStatus[StatusCompleted] != 1 || stats.ByPriority[PriorityHigh] != 1 {
		t.Fatalf("unexpected buckets: %+v", stats)
	}

	overdue, err := st.Overdue(ctx, "u1")
	if err != nil {
		t.Fatalf("overdue failed: %v", err)
	}
	if len(overdue) != 1 || overdue[0].Title != "Late" {
		t.Fatalf("unexpected overdue: %+v", overdue)
	}

	upcoming, err := st.Upcoming(ctx, "u1", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("upcoming failed: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].Title != "Soon" {
		t.Fatalf("unexpected upcoming: %+v", upcoming)
	}
}

func TestUserScoping(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mine, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Mine"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := st.Get(ctx, "u2", mine.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other user must not see the task, got %v", err)
	}
	if _, err := st.Delete(ctx, "u2", mine.ID, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other user must not delete the task, got %v", err)
	}
}

func TestBulkUpdateStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, title := range []string{"One", "Two", "Three"} {
		task, err := st.Create(ctx, CreateParams{UserID: "u1", Title: title})
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		ids = append(ids, task.ID)
	}

	updated, err := st.BulkUpdateStatus(ctx, "u1", ids, StatusCompleted)
	if err != nil {
		t.Fatalf("bulk update failed: %v", err)
	}
	if updated != 3 {
		t.Fatalf("expected 3 updated, got %d", updated)
	}
	for _, id := range ids {
		task, err := st.Get(ctx, "u1", id)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if task.Status != StatusCompleted || task.CompletedAt == nil {
			t.Fatalf("task %s not completed: status=%s completed_at=%v", id, task.Status, task.CompletedAt)
		}
	}
}

func TestBulkUpdateStatus_UnknownIDFailsWholeBatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task, err := st.Create(ctx, CreateParams{UserID: "u1", Title: "Keep me todo"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := st.BulkUpdateStatus(ctx, "u1", []string{task.ID, "missing"}, StatusInProgress); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, err := st.Get(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusTodo {
		t.Fatalf("batch with an unknown id must change nothing, got %s", got.Status)
	}

	if _, err := st.BulkUpdateStatus(ctx, "u1", []string{" ", ""}, StatusTodo); err == nil {
		t.Fatal("empty id list must be rejected")
	}
	if _, err := st.BulkUpdateStatus(ctx, "u1", []string{task.ID}, Status("archived")); err == nil {
		t.Fatal("unknown status must be rejected")
	}
}

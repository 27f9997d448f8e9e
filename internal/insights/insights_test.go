package insights

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskmaster/internal/db"
	"taskmaster/internal/taskstore"
)

func newTestAdvisor(t *testing.T) (*Advisor, *taskstore.Store) {
	t.Helper()
	gdb, err := db.OpenSQLiteWithMigrations(filepath.Join(t.TempDir(), "taskmaster.db"))
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	store, err := taskstore.NewStore(gdb)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	advisor, err := NewAdvisor(store)
	if err != nil {
		t.Fatalf("new advisor failed: %v", err)
	}
	return advisor, store
}

func TestTaskInsights_Empty(t *testing.T) {
	advisor, _ := newTestAdvisor(t)
	got, err := advisor.TaskInsights(context.Background(), "u1")
	if err != nil {
		t.Fatalf("insights failed: %v", err)
	}
	if got.ProductivityScore != 50 {
		t.Fatalf("empty score = %d, want 50", got.ProductivityScore)
	}
	if len(got.Findings) == 0 || len(got.Recommendations) == 0 {
		t.Fatalf("empty insights must still explain themselves: %+v", got)
	}
}

func TestTaskInsights_CompletionBuckets(t *testing.T) {
	advisor, store := newTestAdvisor(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		task, err := store.Create(ctx, taskstore.CreateParams{UserID: "u1", Title: "task"})
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if i < 3 {
			if _, err := store.Complete(ctx, "u1", task.ID); err != nil {
				t.Fatalf("complete failed: %v", err)
			}
		}
	}

	got, err := advisor.TaskInsights(ctx, "u1")
	if err != nil {
		t.Fatalf("insights failed: %v", err)
	}
	if got.ProductivityScore != 80 {
		t.Fatalf("75%% completion score = %d, want 80", got.ProductivityScore)
	}
	if !strings.Contains(got.Rationale, "4 tasks") {
		t.Fatalf("rationale must cite the task count: %q", got.Rationale)
	}
}

func TestTaskInsights_OverdueFinding(t *testing.T) {
	advisor, store := newTestAdvisor(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := store.Create(ctx, taskstore.CreateParams{UserID: "u1", Title: "late", DueDate: &past}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := advisor.TaskInsights(ctx, "u1")
	if err != nil {
		t.Fatalf("insights failed: %v", err)
	}
	found := false
	for _, finding := range got.Findings {
		if strings.Contains(finding, "overdue") {
			found = true
		}
	}
	if !found {
		t.Fatalf("overdue finding missing: %v", got.Findings)
	}
}

func TestSuggestSchedule_OrderingAndBlocks(t *testing.T) {
	advisor, store := newTestAdvisor(t)
	ctx := context.Background()
	day := time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC)

	soon := day.Add(24 * time.Hour)
	later := day.Add(96 * time.Hour)
	mustCreate := func(title string, priority taskstore.Priority, due *time.Time, minutes int) {
		t.Helper()
		if _, err := store.Create(ctx, taskstore.CreateParams{
			UserID: "u1", Title: title, Priority: priority, DueDate: due, EstimatedMinutes: minutes,
		}); err != nil {
			t.Fatalf("create %q failed: %v", title, err)
		}
	}
	mustCreate("low filler", taskstore.PriorityLow, nil, 30)
	mustCreate("big deliverable", taskstore.PriorityHigh, &soon, 120)
	mustCreate("medium errand", taskstore.PriorityMedium, &later, 45)
	mustCreate("quick high fix", taskstore.PriorityHigh, &soon, 30)

	got, err := advisor.SuggestSchedule(ctx, "u1", day)
	if err != nil {
		t.Fatalf("suggest schedule failed: %v", err)
	}
	if len(got.Morning) == 0 {
		t.Fatal("expected morning suggestions")
	}
	// High-priority work comes first; equal priority and due date
	// orders by shorter duration.
	if got.Morning[0].Title != "quick high fix" || got.Morning[1].Title != "big deliverable" {
		t.Fatalf("unexpected morning order: %+v", got.Morning)
	}
	total := len(got.Morning) + len(got.Afternoon) + len(got.Unscheduled)
	if total != 4 {
		t.Fatalf("all open tasks must be placed, got %d", total)
	}
	for _, s := range got.Morning {
		if s.Block != "morning" || s.Reason == "" {
			t.Fatalf("suggestion missing block/reason: %+v", s)
		}
	}
	if got.Rationale == "" {
		t.Fatal("schedule must carry a rationale")
	}

	// Advisory only: no task was modified.
	tasks, err := store.List(ctx, "u1", taskstore.ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, task := range tasks {
		if task.Status != taskstore.StatusTodo {
			t.Fatalf("schedule must not mutate tasks: %+v", task)
		}
	}
}

func TestSuggestPriority_DueDateHorizon(t *testing.T) {
	advisor, _ := newTestAdvisor(t)
	now := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	advisor.now = func() time.Time { return now }

	due := func(d time.Duration) *time.Time {
		at := now.Add(d)
		return &at
	}
	cases := []struct {
		name string
		due  *time.Time
		want taskstore.Priority
	}{
		{"no due date", nil, taskstore.PriorityMedium},
		{"overdue", due(-2 * time.Hour), taskstore.PriorityHigh},
		{"due tonight", due(10 * time.Hour), taskstore.PriorityHigh},
		{"due in two days", due(48 * time.Hour), taskstore.PriorityMedium},
		{"due next week", due(7 * 24 * time.Hour), taskstore.PriorityLow},
	}
	for _, tc := range cases {
		got := advisor.SuggestPriority(taskstore.Task{ID: "t1", Priority: taskstore.PriorityLow, DueDate: tc.due})
		if got.Suggested != tc.want {
			t.Fatalf("%s: suggested %s, want %s", tc.name, got.Suggested, tc.want)
		}
		if got.Rationale == "" {
			t.Fatalf("%s: suggestion must explain itself", tc.name)
		}
		if got.TaskID != "t1" || got.Current != taskstore.PriorityLow {
			t.Fatalf("%s: suggestion must echo the task: %+v", tc.name, got)
		}
	}
}

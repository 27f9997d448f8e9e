package nlparse

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskmaster/internal/llm"
	"taskmaster/internal/taskstore"
)

type fakeClient struct {
	replies []string
	err     error
	calls   int
	reqs    []llm.Request
}

func (c *fakeClient) CreateResponse(ctx context.Context, req llm.Request) (*llm.Result, error) {
	c.reqs = append(c.reqs, req)
	idx := c.calls
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}
	return &llm.Result{FinalText: c.replies[idx]}, nil
}

func testContext(t *testing.T) Context {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// A Wednesday morning.
	return Context{
		Timezone: "America/New_York",
		Now:      time.Date(2025, 3, 12, 9, 0, 0, 0, loc),
	}
}

func TestParse_StructuredExtraction(t *testing.T) {
	client := &fakeClient{replies: []string{
		"```json\n{\"title\":\"Call John about the project\",\"description\":\"Call John tomorrow at 2pm\",\"due_date\":\"2025-03-13T14:00:00\",\"priority\":\"high\",\"tags\":[\"Communication\",\"project\",\"communication\"],\"estimated_minutes\":30}\n```",
	}}
	parser := NewParser(client, "test-model", nil)

	got, err := parser.Parse(context.Background(), "Remind me to call John tomorrow at 2pm", testContext(t))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got.Title != "Call John about the project" {
		t.Fatalf("unexpected title: %q", got.Title)
	}
	if got.Priority != taskstore.PriorityHigh {
		t.Fatalf("unexpected priority: %s", got.Priority)
	}
	if got.DueDate == nil || got.DueDate.Hour() != 14 || got.DueDate.Day() != 13 {
		t.Fatalf("unexpected due date: %v", got.DueDate)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "communication" || got.Tags[1] != "project" {
		t.Fatalf("tags not normalized: %v", got.Tags)
	}
	if got.EstimatedMinutes != 30 {
		t.Fatalf("unexpected duration: %d", got.EstimatedMinutes)
	}
	if got.LowConfidence {
		t.Fatal("llm extraction must not be low confidence")
	}
}

func TestParse_NoDueDateFabrication(t *testing.T) {
	client := &fakeClient{replies: []string{
		`{"title":"Buy milk","description":"Buy milk","due_date":null,"priority":"medium","tags":["errands"],"estimated_minutes":null}`,
	}}
	parser := NewParser(client, "test-model", nil)

	got, err := parser.Parse(context.Background(), "Buy milk", testContext(t))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got.DueDate != nil {
		t.Fatalf("due date fabricated: %v", got.DueDate)
	}
	if got.Title != "Buy milk" {
		t.Fatalf("unexpected title: %q", got.Title)
	}
}

func TestParse_UnparseableDueDateDropped(t *testing.T) {
	client := &fakeClient{replies: []string{
		`{"title":"Ship release","due_date":"sometime soon","priority":"high"}`,
	}}
	parser := NewParser(client, "test-model", nil)

	got, err := parser.Parse(context.Background(), "Ship release, high priority", testContext(t))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got.DueDate != nil {
		t.Fatalf("unparseable due date must be dropped, got %v", got.DueDate)
	}
}

func TestParse_RepairAttemptOnInvalidJSON(t *testing.T) {
	client := &fakeClient{replies: []string{
		"Sure! Here is the task you asked for.",
		`{"title":"Water the plants","priority":"low"}`,
	}}
	parser := NewParser(client, "test-model", nil)

	got, err := parser.Parse(context.Background(), "water the plants whenever", testContext(t))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected a repair attempt, got %d calls", client.calls)
	}
	if got.Title != "Water the plants" || got.LowConfidence {
		t.Fatalf("repair attempt not used: %+v", got)
	}
	if len(client.reqs[1].Input) != 2 {
		t.Fatalf("repair request must include the invalid output note, got %d items", len(client.reqs[1].Input))
	}
}

func TestParse_ProviderFailureFallsBack(t *testing.T) {
	client := &fakeClient{err: &llm.ProviderError{Attempts: 3, Err: errors.New("429")}}
	parser := NewParser(client, "test-model", nil)

	got, err := parser.Parse(context.Background(), "call Sam tomorrow at 3pm, high priority", testContext(t))
	if err != nil {
		t.Fatalf("fallback must succeed: %v", err)
	}
	if !got.LowConfidence {
		t.Fatal("fallback results must be flagged low confidence")
	}
	if got.Title != "Call Sam" {
		t.Fatalf("unexpected title: %q", got.Title)
	}
	if got.Priority != taskstore.PriorityHigh {
		t.Fatalf("unexpected priority: %s", got.Priority)
	}
	want := time.Date(2025, 3, 13, 15, 0, 0, 0, got.DueDate.Location())
	if got.DueDate == nil || !got.DueDate.Equal(want) {
		t.Fatalf("due date = %v, want %v", got.DueDate, want)
	}
	if got.DueDate.Location().String() != "America/New_York" {
		t.Fatalf("due date not in the supplied timezone: %v", got.DueDate.Location())
	}
}

func TestParse_EmptyInput(t *testing.T) {
	parser := NewParser(&fakeClient{}, "test-model", nil)
	_, err := parser.Parse(context.Background(), "   ", testContext(t))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestFallback_NeverFabricatesDueDate(t *testing.T) {
	got := fallbackExtract("Buy milk", testContext(t))
	if got.DueDate != nil {
		t.Fatalf("due date fabricated: %v", got.DueDate)
	}
	if got.Title != "Buy milk" {
		t.Fatalf("unexpected title: %q", got.Title)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "errands" {
		t.Fatalf("unexpected tags: %v", got.Tags)
	}
}

func TestFallback_RelativeDates(t *testing.T) {
	pctx := testContext(t)
	cases := []struct {
		input string
		want  time.Time
	}{
		{"finish the report today", time.Date(2025, 3, 12, 0, 0, 0, 0, pctx.location())},
		{"submit expenses tomorrow", time.Date(2025, 3, 13, 0, 0, 0, 0, pctx.location())},
		{"review the draft on friday", time.Date(2025, 3, 14, 0, 0, 0, 0, pctx.location())},
		{"plan the offsite in 2 weeks", time.Date(2025, 3, 26, 0, 0, 0, 0, pctx.location())},
		{"standup tomorrow at 9:30am", time.Date(2025, 3, 13, 9, 30, 0, 0, pctx.location())},
	}
	for _, tc := range cases {
		got := fallbackExtract(tc.input, pctx)
		if got.DueDate == nil || !got.DueDate.Equal(tc.want) {
			t.Fatalf("%q: due date = %v, want %v", tc.input, got.DueDate, tc.want)
		}
	}
}

func TestFallback_PriorityKeywords(t *testing.T) {
	pctx := testContext(t)
	if got := fallbackExtract("fix the build, urgent", pctx); got.Priority != taskstore.PriorityHigh {
		t.Fatalf("urgent: got %s", got.Priority)
	}
	if got := fallbackExtract("reorganize the bookshelf someday", pctx); got.Priority != taskstore.PriorityLow {
		t.Fatalf("someday: got %s", got.Priority)
	}
	if got := fallbackExtract("clean the kitchen", pctx); got.Priority != taskstore.PriorityMedium {
		t.Fatalf("neutral: got %s", got.Priority)
	}
	if got := fallbackExtract("archive old files, low priority", pctx); got.Priority != taskstore.PriorityLow {
		t.Fatalf("explicit low: got %s", got.Priority)
	}
}

func TestFallback_DurationHeuristics(t *testing.T) {
	pctx := testContext(t)
	if got := fallbackExtract("deep work block for 2 hours", pctx); got.EstimatedMinutes != 120 {
		t.Fatalf("explicit hours: got %d", got.EstimatedMinutes)
	}
	if got := fallbackExtract("reply to the recruiter email", pctx); got.EstimatedMinutes != 15 {
		t.Fatalf("email heuristic: got %d", got.EstimatedMinutes)
	}
}

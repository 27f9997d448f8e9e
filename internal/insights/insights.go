package insights

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmaster/internal/taskstore"
)

// Advisor produces read-only productivity insights and schedule
// suggestions. It never writes; applying a suggestion is always an
// explicit caller action.
type Advisor struct {
	store *taskstore.Store
	now   func() time.Time
}

func NewAdvisor(store *taskstore.Store) (*Advisor, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	return &Advisor{store: store, now: time.Now}, nil
}

type Insights struct {
	Stats             taskstore.Stats `json:"stats"`
	ProductivityScore int             `json:"productivity_score"`
	Findings          []string        `json:"findings"`
	Recommendations   []string        `json:"recommendations"`
	Rationale         string          `json:"rationale"`
}

// TaskInsights derives findings from task statistics. The rules are
// deterministic so the advisory path keeps working when the model
// provider is down.
func (a *Advisor) TaskInsights(ctx context.Context, userID string) (*Insights, error) {
	if a == nil || a.store == nil {
		return nil, errors.New("advisor is not initialized")
	}
	stats, err := a.store.Statistics(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load statistics failed: %w", err)
	}

	out := &Insights{Stats: stats}
	rate := stats.CompletionRate * 100
	switch {
	case stats.Total == 0:
		out.ProductivityScore = 50
		out.Findings = append(out.Findings, "No tasks recorded yet")
		out.Recommendations = append(out.Recommendations, "Add your first task to start tracking progress")
	case rate >= 70:
		out.ProductivityScore = 80
		out.Findings = append(out.Findings, fmt.Sprintf("Strong completion rate (%.0f%%)", rate))
		out.Recommendations = append(out.Recommendations, "Keep the current pace")
	case rate >= 40:
		out.ProductivityScore = 60
		out.Findings = append(out.Findings, fmt.Sprintf("Moderate completion rate (%.0f%%)", rate))
		out.Recommendations = append(out.Recommendations, "Focus on finishing in-progress tasks before starting new ones")
	default:
		out.ProductivityScore = 40
		out.Findings = append(out.Findings, fmt.Sprintf("Low completion rate (%.0f%%)", rate))
		out.Recommendations = append(out.Recommendations,
			"Consider reducing the open task load",
			"Break large tasks into smaller pieces")
	}
	if stats.Overdue > 0 {
		out.ProductivityScore -= 10
		if out.ProductivityScore < 0 {
			out.ProductivityScore = 0
		}
		out.Findings = append(out.Findings, fmt.Sprintf("%d overdue task(s)", stats.Overdue))
		out.Recommendations = append(out.Recommendations, "Reschedule or complete overdue tasks first")
	}
	if high := stats.ByPriority[taskstore.PriorityHigh]; high > 0 && stats.Total > 0 && high*2 > stats.Total {
		out.Findings = append(out.Findings, "More than half of your tasks are high priority")
		out.Recommendations = append(out.Recommendations, "Downgrade tasks that are not truly urgent so priority stays meaningful")
	}
	out.Rationale = fmt.Sprintf(
		"Derived from %d tasks: %.0f%% completed, %d overdue, %d in progress.",
		stats.Total, rate, stats.Overdue, stats.ByStatus[taskstore.StatusInProgress])
	return out, nil
}

type PrioritySuggestion struct {
	TaskID    string             `json:"task_id"`
	Current   taskstore.Priority `json:"current_priority"`
	Suggested taskstore.Priority `json:"suggested_priority"`
	Rationale string             `json:"rationale"`
}

// SuggestPriority derives a priority from the due-date horizon: due
// within a day (or overdue) is high, within three days medium, further
// out low, no due date medium. Purely advisory; nothing is written.
func (a *Advisor) SuggestPriority(task taskstore.Task) PrioritySuggestion {
	out := PrioritySuggestion{TaskID: task.ID, Current: task.Priority}
	if task.DueDate == nil {
		out.Suggested = taskstore.PriorityMedium
		out.Rationale = "No due date; medium keeps it visible without urgency."
		return out
	}
	until := task.DueDate.Sub(a.now())
	switch {
	case until <= 24*time.Hour:
		out.Suggested = taskstore.PriorityHigh
		out.Rationale = "Due within 24 hours."
	case until <= 72*time.Hour:
		out.Suggested = taskstore.PriorityMedium
		out.Rationale = "Due within 3 days."
	default:
		out.Suggested = taskstore.PriorityLow
		out.Rationale = "Deadline is more than 3 days out."
	}
	return out
}

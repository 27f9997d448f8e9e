package insights

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"taskmaster/internal/taskstore"
)

const (
	morningCapacityMinutes   = 180
	afternoonCapacityMinutes = 240
	defaultTaskMinutes       = 60
)

type ScheduleSuggestion struct {
	TaskID           string `json:"task_id"`
	Title            string `json:"title"`
	Block            string `json:"block"`
	EstimatedMinutes int    `json:"estimated_minutes"`
	Reason           string `json:"reason"`
}

type Schedule struct {
	Day         time.Time            `json:"day"`
	Morning     []ScheduleSuggestion `json:"morning"`
	Afternoon   []ScheduleSuggestion `json:"afternoon"`
	Unscheduled []ScheduleSuggestion `json:"unscheduled,omitempty"`
	Rationale   string               `json:"rationale"`
}

// SuggestSchedule orders open tasks by priority, then due date, then
// estimated duration, and packs them into morning and afternoon
// blocks. Purely advisory; nothing is written.
func (a *Advisor) SuggestSchedule(ctx context.Context, userID string, day time.Time) (*Schedule, error) {
	if a == nil || a.store == nil {
		return nil, errors.New("advisor is not initialized")
	}
	if day.IsZero() {
		day = a.now()
	}
	open, err := a.openTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(open, func(i, j int) bool {
		if pi, pj := priorityRank(open[i].Priority), priorityRank(open[j].Priority); pi != pj {
			return pi > pj
		}
		di, dj := dueRank(open[i], day), dueRank(open[j], day)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return taskMinutes(open[i]) < taskMinutes(open[j])
	})

	out := &Schedule{Day: day}
	morningLeft := morningCapacityMinutes
	afternoonLeft := afternoonCapacityMinutes
	for _, task := range open {
		minutes := taskMinutes(task)
		suggestion := ScheduleSuggestion{
			TaskID:           task.ID,
			Title:            task.Title,
			EstimatedMinutes: minutes,
			Reason:           scheduleReason(task, day),
		}
		switch {
		case minutes <= morningLeft:
			suggestion.Block = "morning"
			morningLeft -= minutes
			out.Morning = append(out.Morning, suggestion)
		case minutes <= afternoonLeft:
			suggestion.Block = "afternoon"
			afternoonLeft -= minutes
			out.Afternoon = append(out.Afternoon, suggestion)
		default:
			suggestion.Block = "unscheduled"
			out.Unscheduled = append(out.Unscheduled, suggestion)
		}
	}
	out.Rationale = fmt.Sprintf(
		"Ordered %d open tasks by priority, due date and estimated duration; packed %d into the morning block and %d into the afternoon block.",
		len(open), len(out.Morning), len(out.Afternoon))
	return out, nil
}

func (a *Advisor) openTasks(ctx context.Context, userID string) ([]taskstore.Task, error) {
	var open []taskstore.Task
	for _, status := range []taskstore.Status{taskstore.StatusInProgress, taskstore.StatusTodo} {
		tasks, err := a.store.List(ctx, userID, taskstore.ListFilter{Status: status})
		if err != nil {
			return nil, fmt.Errorf("list %s tasks failed: %w", status, err)
		}
		open = append(open, tasks...)
	}
	return open, nil
}

func priorityRank(p taskstore.Priority) int {
	switch p {
	case taskstore.PriorityHigh:
		return 2
	case taskstore.PriorityMedium:
		return 1
	}
	return 0
}

// dueRank puts undated tasks after everything dated within a year.
func dueRank(task taskstore.Task, day time.Time) time.Time {
	if task.DueDate == nil {
		return day.AddDate(1, 0, 0)
	}
	return *task.DueDate
}

func taskMinutes(task taskstore.Task) int {
	if task.EstimatedMinutes > 0 {
		return task.EstimatedMinutes
	}
	return defaultTaskMinutes
}

func scheduleReason(task taskstore.Task, day time.Time) string {
	switch {
	case task.IsOverdue(day):
		return fmt.Sprintf("overdue since %s", task.DueDate.Format("Jan 2"))
	case task.DueDate != nil:
		return fmt.Sprintf("%s priority, due %s", task.Priority, task.DueDate.Format("Jan 2"))
	default:
		return fmt.Sprintf("%s priority, no due date", task.Priority)
	}
}

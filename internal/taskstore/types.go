package taskstore

import (
	"strings"
	"time"
)

type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusTodo:
		return StatusTodo, true
	case StatusInProgress:
		return StatusInProgress, true
	case StatusCompleted:
		return StatusCompleted, true
	}
	return "", false
}

func ParsePriority(raw string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case PriorityLow:
		return PriorityLow, true
	case PriorityMedium:
		return PriorityMedium, true
	case PriorityHigh:
		return PriorityHigh, true
	}
	return "", false
}

type Task struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	ParentID         string         `json:"parent_task_id,omitempty"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Status           Status         `json:"status"`
	Priority         Priority       `json:"priority"`
	DueDate          *time.Time     `json:"due_date,omitempty"`
	EstimatedMinutes int            `json:"estimated_minutes,omitempty"`
	ActualMinutes    int            `json:"actual_minutes,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

func (t Task) IsOverdue(now time.Time) bool {
	if t.DueDate == nil || t.Status == StatusCompleted {
		return false
	}
	return t.DueDate.Before(now)
}

type CreateParams struct {
	UserID           string
	Title            string
	Description      string
	Status           Status
	Priority         Priority
	DueDate          *time.Time
	EstimatedMinutes int
	ParentID         string
	Tags             []string
	Metadata         map[string]any
}

// UpdateParams applies only non-nil fields. ClearDueDate removes an
// existing due date; a nil DueDate alone leaves it untouched.
type UpdateParams struct {
	Title            *string
	Description      *string
	Status           *Status
	Priority         *Priority
	DueDate          *time.Time
	ClearDueDate     bool
	EstimatedMinutes *int
	ActualMinutes    *int
	ParentID         *string
	Tags             *[]string
}

func (p UpdateParams) IsEmpty() bool {
	return p.Title == nil &&
		p.Description == nil &&
		p.Status == nil &&
		p.Priority == nil &&
		p.DueDate == nil &&
		!p.ClearDueDate &&
		p.EstimatedMinutes == nil &&
		p.ActualMinutes == nil &&
		p.ParentID == nil &&
		p.Tags == nil
}

type ListFilter struct {
	Status   Status
	Priority Priority
	Limit    int
	Offset   int
}

type Stats struct {
	Total          int              `json:"total"`
	ByStatus       map[Status]int   `json:"by_status"`
	ByPriority     map[Priority]int `json:"by_priority"`
	Overdue        int              `json:"overdue"`
	CompletionRate float64          `json:"completion_rate"`
}

package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskmaster/internal/insights"
	"taskmaster/internal/llm"
	"taskmaster/internal/taskstore"
)

type ToolDeps struct {
	Store   *taskstore.Store
	Advisor *insights.Advisor
	Client  llm.Client
	Model   string
}

// RegisterTaskTools wires the closed task tool set into the registry.
func RegisterTaskTools(registry *ToolRegistry, deps ToolDeps) error {
	if registry == nil {
		return errors.New("registry is required")
	}
	if deps.Store == nil {
		return errors.New("task store is required")
	}
	tools := []Tool{
		&createTaskTool{deps: deps},
		&updateTaskTool{deps: deps},
		&listTasksTool{deps: deps},
		&searchTasksTool{deps: deps},
		&completeTaskTool{deps: deps},
		&deleteTaskTool{deps: deps},
		&breakDownTaskTool{deps: deps},
		&taskInsightsTool{deps: deps},
		&suggestScheduleTool{deps: deps},
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func decodeToolArgs(input json.RawMessage, out any) *ToolError {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return NewToolError(
			"INVALID_ARGUMENTS: "+err.Error(),
			"send a JSON object matching the tool parameter schema")
	}
	return nil
}

func requireToolUserID(ctx context.Context) (string, *ToolError) {
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		return "", NewToolError("MISSING_USER", "tool calls must run inside a user turn")
	}
	return userID, nil
}

func marshalToolResult(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(raw)
}

func storeToolError(err error) *ToolError {
	var ve *taskstore.ValidationError
	if errors.As(err, &ve) {
		return NewToolError(
			fmt.Sprintf("INVALID_FIELD %s: %s", ve.Field, ve.Reason),
			"fix the named field and retry")
	}
	var ce *taskstore.ConflictError
	if errors.As(err, &ce) {
		return NewToolError(
			"CONFLICT: "+ce.Reason,
			"resolve the conflict first, e.g. delete_task with cascade=true for tasks with subtasks")
	}
	if errors.Is(err, taskstore.ErrNotFound) {
		return NewToolError("TASK_NOT_FOUND", "look up the task id with list_tasks or search_tasks")
	}
	return NewToolError("STORE_ERROR: "+err.Error(), "retry once; report if it persists")
}

func parseToolDueDate(raw string) (*time.Time, *ToolError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, NewToolError(
		"INVALID_DUE_DATE: "+raw,
		`use RFC3339 or "2006-01-02"; omit the field instead of guessing`)
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func stringArrayProp(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": description,
	}
}

// create_task

type createTaskTool struct{ deps ToolDeps }

type createTaskArgs struct {
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	DueDate          string   `json:"due_date,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`
	ParentTaskID     string   `json:"parent_task_id,omitempty"`
}

func (t *createTaskTool) Name() string      { return "create_task" }
func (t *createTaskTool) Destructive() bool { return false }

func (t *createTaskTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type:        "function",
		Name:        t.Name(),
		Description: "Create a new task for the current user.",
		Parameters: objectSchema(map[string]any{
			"title":             stringProp("Concise task title"),
			"description":       stringProp("Full task description"),
			"priority":          stringProp("low, medium or high; omit for medium"),
			"due_date":          stringProp("RFC3339 or 2006-01-02; omit when no date is implied"),
			"tags":              stringArrayProp("Up to 5 short tags"),
			"estimated_minutes": intProp("Estimated effort in minutes"),
			"parent_task_id":    stringProp("Existing task to attach this one under"),
		}, "title"),
	}
}

func (t *createTaskTool) Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError) {
	var args createTaskArgs
	if toolErr := decodeToolArgs(input, &args); toolErr != nil {
		return "", toolErr
	}
	userID, toolErr := requireToolUserID(ctx)
	if toolErr != nil {
		return "", toolErr
	}
	due, toolErr := parseToolDueDate(args.DueDate)
	if toolErr != nil {
		return "", toolErr
	}
	task, err := t.deps.Store.Create(ctx, taskstore.CreateParams{
		UserID:           userID,
		Title:            args.Title,
		Description:      args.Description,
		Priority:         taskstore.Priority(strings.ToLower(strings.TrimSpace(args.Priority))),
		DueDate:          due,
		Tags:             args.Tags,
		EstimatedMinutes: args.EstimatedMinutes,
		ParentID:         args.ParentTaskID,
	})
	if err != nil {
		return "", storeToolError(err)
	}
	RecordStateChange(ctx, StateChange{Kind: "task.created", TaskID: task.ID, Detail: task.Title})
	return marshalToolResult(task), nil
}

// update_task

type updateTaskTool struct{ deps ToolDeps }

type updateTaskArgs struct {
	TaskID           string    `json:"task_id"`
	Title            *string   `json:"title,omitempty"`
	Description      *string   `json:"description,omitempty"`
	Status           *string   `json:"status,omitempty"`
	Priority         *string   `json:"priority,omitempty"`
	DueDate          *string   `json:"due_date,omitempty"`
	ClearDueDate     bool      `json:"clear_due_date,omitempty"`
	EstimatedMinutes *int      `json:"estimated_minutes,omitempty"`
	ActualMinutes    *int      `json:"actual_minutes,omitempty"`
	Tags             *[]string `json:"tags,omitempty"`
}

func (t *updateTaskTool) Name() string      { return "update_task" }
func (t *updateTaskTool) Destructive() bool { return false }

func (t *updateTaskTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type:        "function",
		Name:        t.Name(),
		Description: "Update fields of an existing task. Only the provided fields change.",
		Parameters: objectSchema(map[string]any{
			"task_id":           stringProp("Task to update"),
			"title":             stringProp("New title"),
			"description":       stringProp("New description"),
			"status":            stringProp("todo, in_progress or completed"),
			"priority":          stringProp("low, medium or high"),
			"due_date":          stringProp("New due date, RFC3339 or 2006-01-02"),
			"clear_due_date":    boolProp("Remove the existing due date"),
			"estimated_minutes": intProp("New effort estimate in minutes"),
			"actual_minutes":    intProp("Actual minutes spent"),
			"tags":              stringArrayProp("Replacement tag list"),
		}, "task_id"),
	}
}

func (t *updateTaskTool) Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError) {
	var args updateTaskArgs
	if toolErr := decodeToolArgs(input, &args); toolErr != nil {
		return "", toolErr
	}
	userID, toolErr := requireToolUserID(ctx)
	if toolErr != nil {
		return "", toolErr
	}
	params := taskstore.UpdateParams{
		Title:            args.Title,
		Description:      args.Description,
		ClearDueDate:     args.ClearDueDate,
		EstimatedMinutes: args.EstimatedMinutes,
		ActualMinutes:    args.ActualMinutes,
		Tags:             args.Tags,
	}
	if args.Status != nil {
		status, ok := taskstore.ParseStatus(*args.Status)
		if !ok {
			return "", NewToolError("INVALID_FIELD status: must be todo, in_progress or completed", "fix the status value")
		}
		params.Status = &status
	}
	if args.Priority != nil {
		priority, ok := taskstore.ParsePriority(*args.Priority)
		if !ok {
			return "", NewToolError("INVALID_FIELD priority: must be low, medium or high", "fix the priority value")
		}
		params.Priority = &priority
	}
	if args.DueDate != nil {
		due, toolErr := parseToolDueDate(*args.DueDate)
		if toolErr != nil {
			return "", toolErr
		}
		params.DueDate = due
	}
	task, err := t.deps.Store.Update(ctx, userID, args.TaskID, params)
	if err != nil {
		return "", storeToolError(err)
	}
	RecordStateChange(ctx, StateChange{Kind: "task.updated", TaskID: task.ID, Detail: task.Title})
	return marshalToolResult(task), nil
}

// list_tasks

type listTasksTool struct{ deps ToolDeps }

type listTasksArgs struct {
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (t *listTasksTool) Name() string      { return "list_tasks" }
func (t *listTasksTool) Destructive() bool { return false }

func (t *listTasksTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type:        "function",
		Name:        t.Name(),
		Description: "List the user's tasks, optionally filtered by status and priority.",
		Parameters: objectSchema(map[string]any{
			"status":   stringProp("todo, in_progress or completed"),
			"priority": stringProp("low, medium or high"),
			"limit":    intProp("Maximum number of tasks to return"),
		}),
	}
}

func (t *listTasksTool) Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError) {
	var args listTasksArgs
	if toolErr := decodeToolArgs(input, &args); toolErr != nil {
		return "", toolErr
	}
	userID, toolErr := requireToolUserID(ctx)
	if toolErr != nil {
		return "", toolErr
	}
	filter := taskstore.ListFilter{Limit: args.Limit}
	if args.Status != "" {
		status, ok := taskstore.ParseStatus(args.Status)
		if !ok {
			return "", NewToolError("INVALID_FIELD status: must be todo, in_progress or completed", "fix the status filter")
		}
		filter.Status = status
	}
	if args.Priority != "" {
		priority, ok := taskstore.ParsePriority(args.Priority)
		if !ok {
			return "", NewToolError("INVALID_FIELD priority: must be low, medium or high", "fix the priority filter")
		}
		filter.Priority = priority
	}
	tasks, err := t.deps.Store.List(ctx, userID, filter)
	if err != nil {
		return "", storeToolError(err)
	}
	return marshalToolResult(map[string]any{"tasks": tasks, "count": len(tasks)}), nil
}

// search_tasks

type searchTasksTool struct{ deps ToolDeps }

type searchTasksArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (t *searchTasksTool) Name() string      { return "search_tasks" }
func (t *searchTasksTool) Destructive() bool { return false }

func (t *searchTasksTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type:        "function",
		Name:        t.Name(),
		Description: "Fuzzy-search tasks by title and description.",
		Parameters: objectSchema(map[string]any{
			"query": stringProp("Search text; typos are tolerated"),
			"limit": intProp("Maximum number of matches"),
		}, "query"),
	}
}

func (t *searchTasksTool) Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError) {
	var args searchTasksArgs
	if toolErr := decodeToolArgs(input, &args); toolErr != nil {
		return "", toolErr
	}
	userID, toolErr := requireToolUserID(ctx)
	if toolErr != nil {
		return "", toolErr
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", NewToolError("INVALID_FIELD query: required", "provide the text to search for")
	}
	tasks, err := t.deps.Store.Search(ctx, userID, args.Query, args.Limit)
	if err != nil {
		return "", storeToolError(err)
	}
	return marshalToolResult(map[string]any{"tasks": tasks, "count": len(tasks)}), nil
}

// complete_task

type completeTaskTool struct{ deps ToolDeps }

type completeTaskArgs struct {
	TaskID string `json:"task_id"`
}

func (t *completeTaskTool) Name() string      { return "complete_task" }
func (t *completeTaskTool) Destructive() bool { return false }

func (t *completeTaskTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type:        "function",
		Name:        t.Name(),
		Description: "Mark a task completed.",
		Parameters: objectSchema(map[string]any{
			"task_id": stringProp("Task to complete"),
		}, "task_id"),
	}
}

func (t *completeTaskTool) Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError) {
	var args completeTaskArgs
	if toolErr := decodeToolArgs(input, &args); toolErr != nil {
		return "", toolErr
	}
	userID, toolErr := requireToolUserID(ctx)
	if toolErr != nil {
		return "", toolErr
	}
	task, err := t.deps.Store.Complete(ctx, userID, args.TaskID)
	if err != nil {
		return "", storeToolError(err)
	}
	RecordStateChange(ctx, StateChange{Kind: "task.completed", TaskID: task.ID, Detail: task.Title})
	return marshalToolResult(task), nil
}

// delete_task

type deleteTaskTool struct{ deps ToolDeps }

type deleteTaskArgs struct {
	TaskID  string `json:"task_id"`
	Cascade bool   `json:"cascade,omitempty"`
}

func (t *deleteTaskTool) Name() string      { return "delete_task" }
func (t *deleteTaskTool) Destructive() bool { return true }

func (t *deleteTaskTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type:        "function",
		Name:        t.Name(),
		Description: "Delete a task. Requires user confirmation before it runs. With cascade=true the whole subtask tree is removed.",
		Parameters: objectSchema(map[string]any{
			"task_id": stringProp("Task to delete"),
			"cascade": boolProp("Also delete all subtasks"),
		}, "task_id"),
	}
}

func (t *deleteTaskTool) Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError) {
	var args deleteTaskArgs
	if toolErr := decodeToolArgs(input, &args); toolErr != nil {
		return "", toolErr
	}
	userID, toolErr := requireToolUserID(ctx)
	if toolErr != nil {
		return "", toolErr
	}
	deleted, err := t.deps.Store.Delete(ctx, userID, args.TaskID, args.Cascade)
	if err != nil {
		return "", storeToolError(err)
	}
	RecordStateChange(ctx, StateChange{Kind: "task.deleted", TaskID: args.TaskID, Detail: fmt.Sprintf("%d task(s) removed", deleted)})
	return marshalToolResult(map[string]any{"deleted": deleted}), nil
}

// break_down_task

type breakDownTaskTool struct{ deps ToolDeps }

type breakDownTaskArgs struct {
	TaskID        string   `json:"task_id"`
	SubtaskTitles []string `json:"subtask_titles,omitempty"`
}

func (t *breakDownTaskTool) Name() string      { return "break_down_task" }
func (t *breakDownTaskTool) Destructive() bool { return false }

func (t *breakDownTaskTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type:        "function",
		Name:        t.Name(),
		Description: "Split a task into subtasks. When subtask_titles is omitted, 3-5 titles are proposed automatically.",
		Parameters: objectSchema(map[string]any{
			"task_id":        stringProp("Task to break down"),
			"subtask_titles": stringArrayProp("Explicit subtask titles; omit to auto-propose"),
		}, "task_id"),
	}
}

func (t *breakDownTaskTool) Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError) {
	var args breakDownTaskArgs
	if toolErr := decodeToolArgs(input, &args); toolErr != nil {
		return "", toolErr
	}
	userID, toolErr := requireToolUserID(ctx)
	if toolErr != nil {
		return "", toolErr
	}
	titles := args.SubtaskTitles
	if len(titles) == 0 {
		parent, err := t.deps.Store.Get(ctx, userID, args.TaskID)
		if err != nil {
			return "", storeToolError(err)
		}
		titles = t.proposeSubtasks(ctx, parent.Title, parent.Description)
	}
	subtasks, err := t.deps.Store.CreateSubtasks(ctx, userID, args.TaskID, titles)
	if err != nil {
		return "", storeToolError(err)
	}
	RecordStateChange(ctx, StateChange{
		Kind:   "task.breakdown",
		TaskID: args.TaskID,
		Detail: fmt.Sprintf("%d subtask(s) created", len(subtasks)),
	})
	return marshalToolResult(map[string]any{"subtasks": subtasks, "count": len(subtasks)}), nil
}

func (t *breakDownTaskTool) proposeSubtasks(ctx context.Context, title, description string) []string {
	return ProposeSubtaskTitles(ctx, t.deps.Client, t.deps.Model, title, description)
}

// ProposeSubtaskTitles asks the model for 3-5 subtask titles, falling
// back to a generic research/execute/review split when the call or
// its output cannot be used.
func ProposeSubtaskTitles(ctx context.Context, client llm.Client, model, title, description string) []string {
	fallback := []string{
		"Research " + title,
		"Execute " + title,
		"Review " + title,
	}
	if client == nil {
		return fallback
	}
	prompt := fmt.Sprintf("Break this task into 3-5 manageable subtasks:\nTask: %s\nDescription: %s", title, description)
	res, err := client.CreateResponse(ctx, llm.Request{
		Model: model,
		Instructions: "Respond with a JSON array of 3-5 short, actionable subtask titles in logical order. " +
			"Return only the JSON array, nothing else.",
		Input: []map[string]any{llm.UserMessageItem(prompt)},
	})
	if err != nil {
		return fallback
	}
	body := strings.TrimSpace(res.FinalText)
	if start, end := strings.Index(body, "["), strings.LastIndex(body, "]"); start >= 0 && end > start {
		body = body[start : end+1]
	}
	var titles []string
	if err := json.Unmarshal([]byte(body), &titles); err != nil {
		return fallback
	}
	cleaned := make([]string, 0, len(titles))
	for _, item := range titles {
		if item = strings.TrimSpace(item); item != "" {
			cleaned = append(cleaned, item)
		}
	}
	if len(cleaned) < 3 {
		return fallback
	}
	if len(cleaned) > 5 {
		cleaned = cleaned[:5]
	}
	return cleaned
}

// get_task_insights

type taskInsightsTool struct{ deps ToolDeps }

func (t *taskInsightsTool) Name() string      { return "get_task_insights" }
func (t *taskInsightsTool) Destructive() bool { return false }

func (t *taskInsightsTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type:        "function",
		Name:        t.Name(),
		Description: "Productivity insights derived from the user's task statistics. Read-only.",
		Parameters:  objectSchema(map[string]any{}),
	}
}

func (t *taskInsightsTool) Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError) {
	var args struct{}
	if toolErr := decodeToolArgs(input, &args); toolErr != nil {
		return "", toolErr
	}
	userID, toolErr := requireToolUserID(ctx)
	if toolErr != nil {
		return "", toolErr
	}
	if t.deps.Advisor == nil {
		return "", NewToolError("INSIGHTS_UNAVAILABLE", "the insights advisor is not configured")
	}
	result, err := t.deps.Advisor.TaskInsights(ctx, userID)
	if err != nil {
		return "", NewToolError("INSIGHTS_ERROR: "+err.Error(), "retry once; report if it persists")
	}
	return marshalToolResult(result), nil
}

// suggest_schedule

type suggestScheduleTool struct{ deps ToolDeps }

type suggestScheduleArgs struct {
	Day string `json:"day,omitempty"`
}

func (t *suggestScheduleTool) Name() string      { return "suggest_schedule" }
func (t *suggestScheduleTool) Destructive() bool { return false }

func (t *suggestScheduleTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type:        "function",
		Name:        t.Name(),
		Description: "Suggest a morning/afternoon schedule for open tasks. Read-only; applying it needs explicit user action.",
		Parameters: objectSchema(map[string]any{
			"day": stringProp("Day to plan, 2006-01-02; defaults to today"),
		}),
	}
}

func (t *suggestScheduleTool) Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError) {
	var args suggestScheduleArgs
	if toolErr := decodeToolArgs(input, &args); toolErr != nil {
		return "", toolErr
	}
	userID, toolErr := requireToolUserID(ctx)
	if toolErr != nil {
		return "", toolErr
	}
	if t.deps.Advisor == nil {
		return "", NewToolError("INSIGHTS_UNAVAILABLE", "the insights advisor is not configured")
	}
	var day time.Time
	if raw := strings.TrimSpace(args.Day); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return "", NewToolError("INVALID_DAY: "+raw, `use the "2006-01-02" format`)
		}
		day = parsed
	}
	schedule, err := t.deps.Advisor.SuggestSchedule(ctx, userID, day)
	if err != nil {
		return "", NewToolError("SCHEDULE_ERROR: "+err.Error(), "retry once; report if it persists")
	}
	return marshalToolResult(schedule), nil
}

package localapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskmaster/internal/agentloop"
	"taskmaster/internal/nlparse"
	"taskmaster/internal/taskstore"
)

func (s *Server) registerTaskRoutes() {
	s.mux.HandleFunc("/api/v1/tasks", s.handleTasksCollection)
	s.mux.HandleFunc("/api/v1/tasks/", s.handleTaskSubroutes)
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListTasks(w, r)
	case http.MethodPost:
		s.handleCreateTask(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleTaskSubroutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	if len(parts) == 1 && parts[0] != "" {
		switch parts[0] {
		case "search":
			s.requireMethod(w, r, http.MethodGet, s.handleSearchTasks)
		case "overdue":
			s.requireMethod(w, r, http.MethodGet, s.handleOverdueTasks)
		case "upcoming":
			s.requireMethod(w, r, http.MethodGet, s.handleUpcomingTasks)
		case "statistics":
			s.requireMethod(w, r, http.MethodGet, s.handleTaskStatistics)
		case "parse":
			s.requireMethod(w, r, http.MethodPost, s.handleParseTask)
		case "bulk-status":
			s.requireMethod(w, r, http.MethodPost, s.handleBulkStatus)
		default:
			s.handleTaskByID(w, r, parts[0])
		}
		return
	}
	if len(parts) == 2 && parts[0] != "" {
		taskID := parts[0]
		switch parts[1] {
		case "complete":
			s.requireMethod(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
				s.handleCompleteTask(w, r, taskID)
			})
		case "breakdown":
			s.requireMethod(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
				s.handleBreakdownTask(w, r, taskID)
			})
		case "insights":
			s.requireMethod(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
				s.handleTaskInsights(w, r, taskID)
			})
		default:
			respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
		}
		return
	}
	respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	next(w, r)
}

type createTaskRequest struct {
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Status           string   `json:"status,omitempty"`
	DueDate          string   `json:"due_date,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`
	ParentTaskID     string   `json:"parent_task_id,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	due, ok := parseAPIDueDate(req.DueDate)
	if !ok {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "due_date must be RFC3339 or 2006-01-02")
		return
	}
	userID := requestUserID(r)
	task, err := s.deps.Store.Create(r.Context(), taskstore.CreateParams{
		UserID:           userID,
		Title:            req.Title,
		Description:      req.Description,
		Status:           taskstore.Status(strings.ToLower(strings.TrimSpace(req.Status))),
		Priority:         taskstore.Priority(strings.ToLower(strings.TrimSpace(req.Priority))),
		DueDate:          due,
		Tags:             req.Tags,
		EstimatedMinutes: req.EstimatedMinutes,
		ParentID:         req.ParentTaskID,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	s.publishEvent("task.created", userID, task.ID, map[string]any{"title": task.Title})
	respondOK(w, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := taskstore.ListFilter{
		Limit:  atoiOrZero(query.Get("limit")),
		Offset: atoiOrZero(query.Get("offset")),
	}
	if raw := query.Get("status"); raw != "" {
		status, ok := taskstore.ParseStatus(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "status must be todo, in_progress or completed")
			return
		}
		filter.Status = status
	}
	if raw := query.Get("priority"); raw != "" {
		priority, ok := taskstore.ParsePriority(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "priority must be low, medium or high")
			return
		}
		filter.Priority = priority
	}
	tasks, err := s.deps.Store.List(r.Context(), requestUserID(r), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondOK(w, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		task, err := s.deps.Store.Get(r.Context(), requestUserID(r), taskID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondOK(w, task)
	case http.MethodPatch:
		s.handleUpdateTask(w, r, taskID)
	case http.MethodDelete:
		s.handleDeleteTask(w, r, taskID)
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

type updateTaskRequest struct {
	Title            *string   `json:"title,omitempty"`
	Description      *string   `json:"description,omitempty"`
	Status           *string   `json:"status,omitempty"`
	Priority         *string   `json:"priority,omitempty"`
	DueDate          *string   `json:"due_date,omitempty"`
	ClearDueDate     bool      `json:"clear_due_date,omitempty"`
	EstimatedMinutes *int      `json:"estimated_minutes,omitempty"`
	ActualMinutes    *int      `json:"actual_minutes,omitempty"`
	ParentTaskID     *string   `json:"parent_task_id,omitempty"`
	Tags             *[]string `json:"tags,omitempty"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req updateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	params := taskstore.UpdateParams{
		Title:            req.Title,
		Description:      req.Description,
		ClearDueDate:     req.ClearDueDate,
		EstimatedMinutes: req.EstimatedMinutes,
		ActualMinutes:    req.ActualMinutes,
		ParentID:         req.ParentTaskID,
		Tags:             req.Tags,
	}
	if req.Status != nil {
		status, ok := taskstore.ParseStatus(*req.Status)
		if !ok {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "status must be todo, in_progress or completed")
			return
		}
		params.Status = &status
	}
	if req.Priority != nil {
		priority, ok := taskstore.ParsePriority(*req.Priority)
		if !ok {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "priority must be low, medium or high")
			return
		}
		params.Priority = &priority
	}
	if req.DueDate != nil {
		due, ok := parseAPIDueDate(*req.DueDate)
		if !ok {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "due_date must be RFC3339 or 2006-01-02")
			return
		}
		params.DueDate = due
	}
	userID := requestUserID(r)
	task, err := s.deps.Store.Update(r.Context(), userID, taskID, params)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	s.publishEvent("task.updated", userID, task.ID, map[string]any{"title": task.Title})
	respondOK(w, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	cascade := r.URL.Query().Get("cascade") == "true"
	userID := requestUserID(r)
	deleted, err := s.deps.Store.Delete(r.Context(), userID, taskID, cascade)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	s.publishEvent("task.deleted", userID, taskID, map[string]any{"deleted": deleted})
	respondOK(w, map[string]any{"deleted": deleted})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	userID := requestUserID(r)
	task, err := s.deps.Store.Complete(r.Context(), userID, taskID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	s.publishEvent("task.updated", userID, task.ID, map[string]any{"title": task.Title, "status": task.Status})
	respondOK(w, task)
}

type breakdownRequest struct {
	SubtaskTitles []string `json:"subtask_titles,omitempty"`
}

func (s *Server) handleBreakdownTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req breakdownRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	userID := requestUserID(r)
	titles := req.SubtaskTitles
	if len(titles) == 0 {
		parent, err := s.deps.Store.Get(r.Context(), userID, taskID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		titles = s.proposeSubtaskTitles(r, parent.Title, parent.Description)
	}
	subtasks, err := s.deps.Store.CreateSubtasks(r.Context(), userID, taskID, titles)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	for _, subtask := range subtasks {
		s.publishEvent("task.created", userID, subtask.ID, map[string]any{"title": subtask.Title})
	}
	respondOK(w, map[string]any{"subtasks": subtasks, "count": len(subtasks)})
}

type bulkStatusRequest struct {
	TaskIDs []string `json:"task_ids"`
	Status  string   `json:"status"`
}

// handleBulkStatus moves a batch of tasks to one status. The store
// validates the whole batch before writing, so a single unknown id
// changes nothing.
func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	status, ok := taskstore.ParseStatus(req.Status)
	if !ok {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "status must be todo, in_progress or completed")
		return
	}
	userID := requestUserID(r)
	updated, err := s.deps.Store.BulkUpdateStatus(r.Context(), userID, req.TaskIDs, status)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	for _, taskID := range req.TaskIDs {
		s.publishEvent("task.updated", userID, taskID, map[string]any{"status": status})
	}
	respondOK(w, map[string]any{"updated": updated})
}

// handleTaskInsights is per-task advice: the deterministic priority
// suggestion for one task.
func (s *Server) handleTaskInsights(w http.ResponseWriter, r *http.Request, taskID string) {
	if s.deps.Advisor == nil {
		respondError(w, http.StatusServiceUnavailable, "INSIGHTS_UNAVAILABLE", "the insights advisor is not configured")
		return
	}
	task, err := s.deps.Store.Get(r.Context(), requestUserID(r), taskID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondOK(w, s.deps.Advisor.SuggestPriority(*task))
}

func (s *Server) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "query parameter q is required")
		return
	}
	limit := atoiOrZero(r.URL.Query().Get("limit"))
	tasks, err := s.deps.Store.Search(r.Context(), requestUserID(r), query, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondOK(w, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleOverdueTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.Overdue(r.Context(), requestUserID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondOK(w, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleUpcomingTasks(w http.ResponseWriter, r *http.Request) {
	within := time.Duration(atoiOrZero(r.URL.Query().Get("within_days"))) * 24 * time.Hour
	tasks, err := s.deps.Store.Upcoming(r.Context(), requestUserID(r), within)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondOK(w, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Statistics(r.Context(), requestUserID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondOK(w, stats)
}

type parseTaskRequest struct {
	Text     string `json:"text"`
	Timezone string `json:"timezone,omitempty"`
}

// handleParseTask is the natural-language creation path: parse, then
// create in one shot.
func (s *Server) handleParseTask(w http.ResponseWriter, r *http.Request) {
	var req parseTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if s.deps.Runner == nil {
		respondError(w, http.StatusServiceUnavailable, "PARSER_UNAVAILABLE", "natural-language parsing is not configured")
		return
	}
	userID := requestUserID(r)
	pctx := nlparse.Context{Timezone: req.Timezone}
	if s.deps.Conversations != nil {
		if snapshot, err := s.deps.Conversations.UserContext(r.Context(), userID); err == nil {
			pctx.Preferences = snapshot.Preferences
			if req.Timezone == "" {
				if tz, ok := snapshot.Preferences["timezone"].(string); ok {
					pctx.Timezone = tz
				}
			}
		}
	}
	task, extraction, err := s.deps.Runner.ParseAndCreate(r.Context(), userID, req.Text, pctx)
	if err != nil {
		var pe *nlparse.ParseError
		if errors.As(err, &pe) {
			respondError(w, http.StatusBadRequest, "PARSE_FAILED", pe.Reason)
			return
		}
		respondStoreError(w, err)
		return
	}
	s.publishEvent("task.created", userID, task.ID, map[string]any{"title": task.Title, "source": "natural_language"})
	respondOK(w, map[string]any{"task": task, "low_confidence": extraction.LowConfidence})
}

func (s *Server) proposeSubtaskTitles(r *http.Request, title, description string) []string {
	return agentloop.ProposeSubtaskTitles(r.Context(), s.deps.Client, s.deps.Model, title, description)
}

func parseAPIDueDate(raw string) (*time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, true
		}
	}
	return nil, false
}

func atoiOrZero(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

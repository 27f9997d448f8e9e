package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbmodel "taskmaster/internal/db"
)

// Store owns all task reads and writes. Row-level atomicity is
// delegated to sqlite; the store adds no locking of its own.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Create(ctx context.Context, p CreateParams) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store is not initialized")
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, NewValidationError("title", "required")
	}
	status := p.Status
	if status == "" {
		status = StatusTodo
	} else if _, ok := ParseStatus(string(status)); !ok {
		return nil, NewValidationError("status", "must be todo, in_progress or completed")
	}
	priority := p.Priority
	if priority == "" {
		priority = PriorityMedium
	} else if _, ok := ParsePriority(string(priority)); !ok {
		return nil, NewValidationError("priority", "must be low, medium or high")
	}
	if p.EstimatedMinutes < 0 {
		return nil, NewValidationError("estimated_minutes", "must not be negative")
	}
	parentID := strings.TrimSpace(p.ParentID)
	if parentID != "" {
		if _, err := s.loadRow(ctx, userID, parentID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, NewValidationError("parent_task_id", "parent task does not exist")
			}
			return nil, err
		}
	}

	now := s.now().UTC()
	row := dbmodel.Task{
		TaskID:           uuid.NewString(),
		UserID:           userID,
		ParentTaskID:     parentID,
		Title:            title,
		Description:      strings.TrimSpace(p.Description),
		Status:           string(status),
		Priority:         string(priority),
		EstimatedMinutes: p.EstimatedMinutes,
		MetadataJSON:     marshalMetadata(p.Metadata),
		CreatedAt:        now.Unix(),
		UpdatedAt:        now.Unix(),
	}
	if p.DueDate != nil {
		row.DueDate = p.DueDate.Unix()
	}
	if status == StatusCompleted {
		row.CompletedAt = now.Unix()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return s.linkTags(tx, userID, row.TaskID, p.Tags)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, row.TaskID)
}

func (s *Store) Get(ctx context.Context, userID, taskID string) (*Task, error) {
	row, err := s.loadRow(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	tags, err := s.tagNames(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task := rowToTask(*row, tags)
	return &task, nil
}

func (s *Store) List(ctx context.Context, userID string, filter ListFilter) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store is not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", strings.TrimSpace(userID))
	if filter.Status != "" {
		if _, ok := ParseStatus(string(filter.Status)); !ok {
			return nil, NewValidationError("status", "must be todo, in_progress or completed")
		}
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Priority != "" {
		if _, ok := ParsePriority(string(filter.Priority)); !ok {
			return nil, NewValidationError("priority", "must be low, medium or high")
		}
		q = q.Where("priority = ?", string(filter.Priority))
	}
	rows := make([]dbmodel.Task, 0, limit)
	if err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.rowsToTasks(ctx, rows)
}

func (s *Store) Update(ctx context.Context, userID, taskID string, p UpdateParams) (*Task, error) {
	if p.IsEmpty() {
		// Empty update is an exact no-op, timestamps included.
		return s.Get(ctx, userID, taskID)
	}
	row, err := s.loadRow(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return nil, NewValidationError("title", "required")
		}
		row.Title = title
	}
	if p.Description != nil {
		row.Description = strings.TrimSpace(*p.Description)
	}
	if p.Status != nil {
		status, ok := ParseStatus(string(*p.Status))
		if !ok {
			return nil, NewValidationError("status", "must be todo, in_progress or completed")
		}
		s.applyStatusChange(row, status)
	}
	if p.Priority != nil {
		priority, ok := ParsePriority(string(*p.Priority))
		if !ok {
			return nil, NewValidationError("priority", "must be low, medium or high")
		}
		row.Priority = string(priority)
	}
	if p.DueDate != nil {
		row.DueDate = p.DueDate.Unix()
	} else if p.ClearDueDate {
		row.DueDate = 0
	}
	if p.EstimatedMinutes != nil {
		if *p.EstimatedMinutes < 0 {
			return nil, NewValidationError("estimated_minutes", "must not be negative")
		}
		row.EstimatedMinutes = *p.EstimatedMinutes
	}
	if p.ActualMinutes != nil {
		if *p.ActualMinutes < 0 {
			return nil, NewValidationError("actual_minutes", "must not be negative")
		}
		row.ActualMinutes = *p.ActualMinutes
	}
	if p.ParentID != nil {
		parentID := strings.TrimSpace(*p.ParentID)
		if parentID != "" {
			if parentID == taskID {
				return nil, NewConflictError("task cannot be its own parent")
			}
			if _, err := s.loadRow(ctx, userID, parentID); err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil, NewValidationError("parent_task_id", "parent task does not exist")
				}
				return nil, err
			}
			cyclic, err := s.wouldCycle(ctx, userID, taskID, parentID)
			if err != nil {
				return nil, err
			}
			if cyclic {
				return nil, NewConflictError("parent change would create a cycle")
			}
		}
		row.ParentTaskID = parentID
	}

	row.UpdatedAt = s.now().UTC().Unix()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(row).Error; err != nil {
			return err
		}
		if p.Tags != nil {
			if err := tx.Where("task_id = ?", taskID).Delete(&dbmodel.TaskTag{}).Error; err != nil {
				return err
			}
			return s.linkTags(tx, userID, taskID, *p.Tags)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, taskID)
}

// applyStatusChange keeps completed_at and estimation metadata in step
// with status transitions.
func (s *Store) applyStatusChange(row *dbmodel.Task, status Status) {
	prev := Status(row.Status)
	row.Status = string(status)
	switch {
	case status == StatusCompleted && prev != StatusCompleted:
		row.CompletedAt = s.now().UTC().Unix()
		if row.EstimatedMinutes > 0 && row.ActualMinutes > 0 {
			meta := unmarshalMetadata(row.MetadataJSON)
			meta["estimation_accuracy"] = float64(row.ActualMinutes) / float64(row.EstimatedMinutes)
			row.MetadataJSON = marshalMetadata(meta)
		}
	case status != StatusCompleted && prev == StatusCompleted:
		row.CompletedAt = 0
	}
}

func (s *Store) Complete(ctx context.Context, userID, taskID string) (*Task, error) {
	status := StatusCompleted
	return s.Update(ctx, userID, taskID, UpdateParams{Status: &status})
}

// BulkUpdateStatus sets the same status on every listed task. Every id
// is validated for ownership before any row changes, so one unknown id
// fails the whole batch. Returns the number of tasks updated.
func (s *Store) BulkUpdateStatus(ctx context.Context, userID string, taskIDs []string, status Status) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("task store is not initialized")
	}
	if _, ok := ParseStatus(string(status)); !ok {
		return 0, NewValidationError("status", "must be todo, in_progress or completed")
	}
	ids := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, NewValidationError("task_ids", "at least one task id is required")
	}
	rows := make([]*dbmodel.Task, 0, len(ids))
	for _, id := range ids {
		row, err := s.loadRow(ctx, userID, id)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	now := s.now().UTC().Unix()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			s.applyStatusChange(row, status)
			row.UpdatedAt = now
			if err := tx.Save(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Delete removes a task. Tasks with children require cascade; the
// cascade removes the entire subtree. Returns the number of tasks
// removed.
func (s *Store) Delete(ctx context.Context, userID, taskID string, cascade bool) (int, error) {
	if _, err := s.loadRow(ctx, userID, taskID); err != nil {
		return 0, err
	}
	childIDs, err := s.childIDs(ctx, userID, taskID)
	if err != nil {
		return 0, err
	}
	if len(childIDs) > 0 && !cascade {
		return 0, NewConflictError("task has subtasks; pass cascade to delete them as well")
	}

	doomed := []string{taskID}
	queue := childIDs
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		doomed = append(doomed, id)
		next, err := s.childIDs(ctx, userID, id)
		if err != nil {
			return 0, err
		}
		queue = append(queue, next...)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id IN ?", doomed).Delete(&dbmodel.TaskTag{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND task_id IN ?", userID, doomed).Delete(&dbmodel.Task{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// CreateSubtasks creates one child per title under parentID. The
// parent row itself is never touched.
func (s *Store) CreateSubtasks(ctx context.Context, userID, parentID string, titles []string) ([]Task, error) {
	parent, err := s.loadRow(ctx, userID, parentID)
	if err != nil {
		return nil, err
	}
	cleaned := make([]string, 0, len(titles))
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		cleaned = append(cleaned, title)
	}
	if len(cleaned) == 0 {
		return nil, NewValidationError("titles", "at least one non-empty subtask title is required")
	}

	now := s.now().UTC().Unix()
	rows := make([]dbmodel.Task, 0, len(cleaned))
	for _, title := range cleaned {
		rows = append(rows, dbmodel.Task{
			TaskID:       uuid.NewString(),
			UserID:       userID,
			ParentTaskID: parent.TaskID,
			Title:        title,
			Status:       string(StatusTodo),
			Priority:     parent.Priority,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return s.rowsToTasks(ctx, rows)
}

func (s *Store) loadRow(ctx context.Context, userID, taskID string) (*dbmodel.Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store is not initialized")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, NewValidationError("task_id", "required")
	}
	var row dbmodel.Task
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND task_id = ?", strings.TrimSpace(userID), taskID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) childIDs(ctx context.Context, userID, taskID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&dbmodel.Task{}).
		Where("user_id = ? AND parent_task_id = ?", userID, taskID).
		Pluck("task_id", &ids).Error
	return ids, err
}

// wouldCycle reports whether making newParent the parent of taskID
// closes a loop, by walking newParent's ancestor chain.
func (s *Store) wouldCycle(ctx context.Context, userID, taskID, newParent string) (bool, error) {
	seen := map[string]struct{}{}
	current := newParent
	for current != "" {
		if current == taskID {
			return true, nil
		}
		if _, ok := seen[current]; ok {
			return true, nil
		}
		seen[current] = struct{}{}
		row, err := s.loadRow(ctx, userID, current)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		current = row.ParentTaskID
	}
	return false, nil
}

func (s *Store) linkTags(tx *gorm.DB, userID, taskID string, names []string) error {
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		var tag dbmodel.Tag
		err := tx.Where("user_id = ? AND name = ?", userID, name).First(&tag).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			tag = dbmodel.Tag{
				TagID:     uuid.NewString(),
				UserID:    userID,
				Name:      name,
				CreatedAt: s.now().UTC().Unix(),
			}
			if err := tx.Create(&tag).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		link := dbmodel.TaskTag{TaskID: taskID, TagID: tag.TagID}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) tagNames(ctx context.Context, taskID string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&dbmodel.Tag{}).
		Joins("JOIN task_tags ON task_tags.tag_id = tags.tag_id").
		Where("task_tags.task_id = ?", taskID).
		Order("tags.name").
		Pluck("tags.name", &names).Error
	return names, err
}

func (s *Store) rowsToTasks(ctx context.Context, rows []dbmodel.Task) ([]Task, error) {
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		tags, err := s.tagNames(ctx, row.TaskID)
		if err != nil {
			return nil, err
		}
		out = append(out, rowToTask(row, tags))
	}
	return out, nil
}

func rowToTask(row dbmodel.Task, tags []string) Task {
	task := Task{
		ID:               row.TaskID,
		UserID:           row.UserID,
		ParentID:         row.ParentTaskID,
		Title:            row.Title,
		Description:      row.Description,
		Status:           Status(row.Status),
		Priority:         Priority(row.Priority),
		EstimatedMinutes: row.EstimatedMinutes,
		ActualMinutes:    row.ActualMinutes,
		Tags:             tags,
		Metadata:         unmarshalMetadata(row.MetadataJSON),
		CreatedAt:        time.Unix(row.CreatedAt, 0).UTC(),
		UpdatedAt:        time.Unix(row.UpdatedAt, 0).UTC(),
	}
	if row.DueDate > 0 {
		due := time.Unix(row.DueDate, 0).UTC()
		task.DueDate = &due
	}
	if row.CompletedAt > 0 {
		completed := time.Unix(row.CompletedAt, 0).UTC()
		task.CompletedAt = &completed
	}
	return task
}

func marshalMetadata(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(raw)
}

func unmarshalMetadata(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

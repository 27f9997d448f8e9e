package taskstore

import (
	"context"
	"errors"
	"strings"
	"time"

	dbmodel "taskmaster/internal/db"
)

func (s *Store) Statistics(ctx context.Context, userID string) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, errors.New("task store is not initialized")
	}
	rows := make([]dbmodel.Task, 0, 64)
	err := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Find(&rows).Error
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		ByStatus:   map[Status]int{},
		ByPriority: map[Priority]int{},
	}
	now := s.now().UTC().Unix()
	for _, row := range rows {
		stats.Total++
		stats.ByStatus[Status(row.Status)]++
		stats.ByPriority[Priority(row.Priority)]++
		if row.DueDate > 0 && row.DueDate < now && Status(row.Status) != StatusCompleted {
			stats.Overdue++
		}
	}
	if stats.Total > 0 {
		stats.CompletionRate = float64(stats.ByStatus[StatusCompleted]) / float64(stats.Total)
	}
	return stats, nil
}

func (s *Store) Overdue(ctx context.Context, userID string) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store is not initialized")
	}
	now := s.now().UTC().Unix()
	rows := make([]dbmodel.Task, 0, 16)
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND due_date > 0 AND due_date < ? AND status != ?", strings.TrimSpace(userID), now, string(StatusCompleted)).
		Order("due_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return s.rowsToTasks(ctx, rows)
}

func (s *Store) Upcoming(ctx context.Context, userID string, within time.Duration) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store is not initialized")
	}
	if within <= 0 {
		within = 7 * 24 * time.Hour
	}
	now := s.now().UTC()
	rows := make([]dbmodel.Task, 0, 16)
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND due_date >= ? AND due_date <= ? AND status != ?",
			strings.TrimSpace(userID), now.Unix(), now.Add(within).Unix(), string(StatusCompleted)).
		Order("due_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return s.rowsToTasks(ctx, rows)
}

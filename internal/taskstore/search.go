package taskstore

import (
	"context"
	"errors"
	"sort"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	dbmodel "taskmaster/internal/db"
)

const (
	searchCandidateCap = 500
	searchMinScore     = 60
)

// Search ranks a user's tasks against a free-text query. Exact
// substring hits win; near misses are ranked with fuzzy matching so
// typos like "quaterly report" still find the task.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store is not initialized")
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, NewValidationError("query", "required")
	}
	if limit <= 0 {
		limit = 10
	}

	rows := make([]dbmodel.Task, 0, 64)
	err := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC").
		Limit(searchCandidateCap).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	type scored struct {
		row   dbmodel.Task
		score int
	}
	matches := make([]scored, 0, len(rows))
	for _, row := range rows {
		score := scoreTask(query, row)
		if score < searchMinScore {
			continue
		}
		matches = append(matches, scored{row: row, score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].row.CreatedAt > matches[j].row.CreatedAt
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	picked := make([]dbmodel.Task, 0, len(matches))
	for _, m := range matches {
		picked = append(picked, m.row)
	}
	return s.rowsToTasks(ctx, picked)
}

func scoreTask(query string, row dbmodel.Task) int {
	title := strings.ToLower(row.Title)
	description := strings.ToLower(row.Description)
	if strings.Contains(title, query) {
		return 100
	}
	if description != "" && strings.Contains(description, query) {
		return 90
	}
	score := fuzzy.Ratio(query, title)
	if partial := fuzzy.PartialRatio(query, title); partial > score {
		score = partial
	}
	return score
}

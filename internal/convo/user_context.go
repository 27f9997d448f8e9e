package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	dbmodel "taskmaster/internal/db"
)

// ContextSnapshot is the persisted per-user context: stated
// preferences, observed patterns, and free-form assistant notes.
type ContextSnapshot struct {
	UserID      string         `json:"user_id"`
	Preferences map[string]any `json:"preferences,omitempty"`
	Patterns    map[string]any `json:"patterns,omitempty"`
	AIContext   string         `json:"ai_context,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ContextUpdate applies only non-nil fields.
type ContextUpdate struct {
	Preferences *map[string]any
	Patterns    *map[string]any
	AIContext   *string
}

func (u ContextUpdate) isEmpty() bool {
	return u.Preferences == nil && u.Patterns == nil && u.AIContext == nil
}

// UserContext returns the user's context snapshot, creating an empty
// row on first access.
func (m *Manager) UserContext(ctx context.Context, userID string) (*ContextSnapshot, error) {
	if m == nil || m.db == nil {
		return nil, errors.New("conversation manager is not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	var row dbmodel.UserContext
	err := m.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = dbmodel.UserContext{UserID: userID, UpdatedAt: m.now().UTC().Unix()}
		if err := m.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, fmt.Errorf("create user context failed: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load user context failed: %w", err)
	}
	return rowToSnapshot(row), nil
}

// UpdateUserContext persists an explicit context change. An empty
// update is a no-op returning the current snapshot; applying the same
// update twice leaves the stored values identical.
func (m *Manager) UpdateUserContext(ctx context.Context, userID string, update ContextUpdate) (*ContextSnapshot, error) {
	current, err := m.UserContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if update.isEmpty() {
		return current, nil
	}
	row := dbmodel.UserContext{
		UserID:          current.UserID,
		PreferencesJSON: marshalJSON(current.Preferences),
		PatternsJSON:    marshalJSON(current.Patterns),
		AIContext:       current.AIContext,
		UpdatedAt:       m.now().UTC().Unix(),
	}
	if update.Preferences != nil {
		row.PreferencesJSON = marshalJSON(*update.Preferences)
	}
	if update.Patterns != nil {
		row.PatternsJSON = marshalJSON(*update.Patterns)
	}
	if update.AIContext != nil {
		row.AIContext = strings.TrimSpace(*update.AIContext)
	}
	if err := m.db.WithContext(ctx).Save(&row).Error; err != nil {
		return nil, fmt.Errorf("save user context failed: %w", err)
	}
	return rowToSnapshot(row), nil
}

func rowToSnapshot(row dbmodel.UserContext) *ContextSnapshot {
	return &ContextSnapshot{
		UserID:      row.UserID,
		Preferences: unmarshalJSONMap(row.PreferencesJSON),
		Patterns:    unmarshalJSONMap(row.PatternsJSON),
		AIContext:   row.AIContext,
		UpdatedAt:   time.Unix(row.UpdatedAt, 0).UTC(),
	}
}

package agentloop

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPendingNotFound covers unknown, expired and already-consumed
// confirmation tokens alike.
var ErrPendingNotFound = errors.New("pending action not found or expired")

const DefaultPendingTTL = 10 * time.Minute

// PendingAction is a destructive tool call waiting for explicit user
// confirmation.
type PendingAction struct {
	Token       string          `json:"token"`
	UserID      string          `json:"-"`
	Tool        string          `json:"tool"`
	Args        json.RawMessage `json:"args"`
	Description string          `json:"description"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// PendingRegistry holds pending destructive actions in memory, keyed
// by a one-time token. Entries expire after the TTL and are consumed
// on take, so a confirmation can run at most once.
type PendingRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	byToken map[string]PendingAction
}

func NewPendingRegistry(ttl time.Duration) *PendingRegistry {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingRegistry{
		ttl:     ttl,
		now:     time.Now,
		byToken: map[string]PendingAction{},
	}
}

func (r *PendingRegistry) Put(userID, tool string, args json.RawMessage, description string) PendingAction {
	action := PendingAction{
		Token:       uuid.NewString(),
		UserID:      strings.TrimSpace(userID),
		Tool:        strings.TrimSpace(tool),
		Args:        args,
		Description: description,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	action.ExpiresAt = r.now().Add(r.ttl)
	r.byToken[action.Token] = action
	r.evictExpiredLocked()
	return action
}

// Take removes and returns the action. The token is valid exactly
// once and only for the user that created it.
func (r *PendingRegistry) Take(userID, token string) (PendingAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked()
	action, ok := r.byToken[strings.TrimSpace(token)]
	if !ok || action.UserID != strings.TrimSpace(userID) {
		return PendingAction{}, ErrPendingNotFound
	}
	delete(r.byToken, action.Token)
	return action, nil
}

func (r *PendingRegistry) evictExpiredLocked() {
	now := r.now()
	for token, action := range r.byToken {
		if action.ExpiresAt.Before(now) {
			delete(r.byToken, token)
		}
	}
}

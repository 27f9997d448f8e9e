package agentloop

import (
	"context"
	"strings"
	"sync"
)

type userIDContextKey struct{}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, strings.TrimSpace(userID))
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey{}).(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return "", false
	}
	return userID, true
}

// TurnMemory is the per-turn working memory: tool observations and
// the writes the turn performed. Discarded when the turn ends.
type TurnMemory struct {
	mu           sync.Mutex
	observations []Observation
	stateChanges []StateChange
}

func (m *TurnMemory) AddObservation(obs Observation) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = append(m.observations, obs)
}

func (m *TurnMemory) AddStateChange(change StateChange) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChanges = append(m.stateChanges, change)
}

func (m *TurnMemory) Observations() []Observation {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Observation, len(m.observations))
	copy(out, m.observations)
	return out
}

func (m *TurnMemory) StateChanges() []StateChange {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StateChange, len(m.stateChanges))
	copy(out, m.stateChanges)
	return out
}

type turnMemoryContextKey struct{}

func WithTurnMemory(ctx context.Context, memory *TurnMemory) context.Context {
	return context.WithValue(ctx, turnMemoryContextKey{}, memory)
}

func TurnMemoryFromContext(ctx context.Context) (*TurnMemory, bool) {
	memory, ok := ctx.Value(turnMemoryContextKey{}).(*TurnMemory)
	return memory, ok && memory != nil
}

// RecordStateChange lets a tool note a write without plumbing the
// runner through its constructor. No-op outside a turn.
func RecordStateChange(ctx context.Context, change StateChange) {
	if memory, ok := TurnMemoryFromContext(ctx); ok {
		memory.AddStateChange(change)
	}
}

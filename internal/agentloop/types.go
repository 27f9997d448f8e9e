package agentloop

import (
	"context"
	"encoding/json"

	"taskmaster/internal/llm"
)

// Tool is one callable function exposed to the model. Destructive
// tools are never executed inside a turn; the runner records a
// pending action and waits for an explicit confirmation instead.
type Tool interface {
	Name() string
	Spec() llm.ToolSpec
	Destructive() bool
	Execute(ctx context.Context, input json.RawMessage, callID string) (string, *ToolError)
}

// StateChange records one write a turn performed, for callers that
// surface mutations (event broadcast, audit).
type StateChange struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Observation is one entry in the turn's working memory. Failed tool
// calls fold into observations too; they never abort the turn.
type Observation struct {
	Tool   string `json:"tool"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
	Failed bool   `json:"failed,omitempty"`
}

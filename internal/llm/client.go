package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// ToolSpec is a function tool definition in Responses API shape.
type ToolSpec struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

type Request struct {
	Model        string
	Instructions string
	Input        []map[string]any
	Tools        []ToolSpec
}

type Result struct {
	ID        string
	FinalText string
	ToolCalls []ToolCall
}

func (r Result) HasFinalText() bool {
	return strings.TrimSpace(r.FinalText) != ""
}

type Client interface {
	CreateResponse(ctx context.Context, req Request) (*Result, error)
}

func UserMessageItem(text string) map[string]any {
	return map[string]any{
		"type": "message",
		"role": "user",
		"content": []map[string]any{
			{"type": "input_text", "text": strings.TrimSpace(text)},
		},
	}
}

func FunctionCallItem(call ToolCall) map[string]any {
	arguments := strings.TrimSpace(string(call.Arguments))
	if arguments == "" {
		arguments = "{}"
	}
	return map[string]any{
		"type":      "function_call",
		"call_id":   strings.TrimSpace(call.CallID),
		"name":      strings.TrimSpace(call.Name),
		"arguments": arguments,
	}
}

func FunctionOutputItem(callID, output string) map[string]any {
	return map[string]any{
		"type":    "function_call_output",
		"call_id": strings.TrimSpace(callID),
		"output":  output,
	}
}

package agentloop

import "encoding/json"

// ToolError is what a failed tool call sends back to the model:
// a short machine-readable message plus a suggested next step.
type ToolError struct {
	Message string `json:"error"`
	Suggest string `json:"suggest"`
}

func (e *ToolError) Error() string {
	if e == nil || e.Message == "" {
		return "UNKNOWN_ERROR"
	}
	return e.Message
}

func NewToolError(message, suggest string) *ToolError {
	if suggest == "" {
		suggest = "NO_SUGGESTION"
	}
	return &ToolError{Message: message, Suggest: suggest}
}

func mustMarshalToolError(err *ToolError) string {
	if err == nil {
		err = NewToolError("UNKNOWN_ERROR", "NO_SUGGESTION")
	}
	raw, _ := json.Marshal(err)
	return string(raw)
}

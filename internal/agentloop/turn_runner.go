package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskmaster/internal/convo"
	"taskmaster/internal/llm"
	"taskmaster/internal/nlparse"
	"taskmaster/internal/taskstore"
)

const degradedReply = "I'm having trouble reaching the language model right now, so I couldn't finish that request. Please try again in a moment."

type RunnerOptions struct {
	Model         string
	MaxIterations int
	TurnBudget    time.Duration
	ContextWindow int
	PendingTTL    time.Duration
}

// TurnResult is what a chat turn hands back: the reply text, the
// writes performed, and any destructive proposals awaiting
// confirmation. Degraded marks an apology produced after provider
// exhaustion.
type TurnResult struct {
	Reply          string          `json:"reply"`
	StateChanges   []StateChange   `json:"state_changes,omitempty"`
	PendingActions []PendingAction `json:"pending_actions,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
}

// TurnRunner drives one conversational turn: perceive (conversation
// window + user context + recent tasks), reason (model call with tool
// specs), act (execute proposals), observe (fold results and failures
// into working memory), respond.
type TurnRunner struct {
	client        llm.Client
	tools         *ToolRegistry
	conversations *convo.Manager
	store         *taskstore.Store
	parser        *nlparse.Parser
	pending       *PendingRegistry
	logger        *slog.Logger
	options       RunnerOptions
}

func NewTurnRunner(
	client llm.Client,
	tools *ToolRegistry,
	conversations *convo.Manager,
	store *taskstore.Store,
	parser *nlparse.Parser,
	logger *slog.Logger,
	options RunnerOptions,
) (*TurnRunner, error) {
	if client == nil {
		return nil, errors.New("llm client is required")
	}
	if tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if conversations == nil {
		return nil, errors.New("conversation manager is required")
	}
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if options.MaxIterations <= 0 {
		options.MaxIterations = 4
	}
	if options.ContextWindow <= 0 {
		options.ContextWindow = convo.DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnRunner{
		client:        client,
		tools:         tools,
		conversations: conversations,
		store:         store,
		parser:        parser,
		pending:       NewPendingRegistry(options.PendingTTL),
		logger:        logger.With("module", "agentloop"),
		options:       options,
	}, nil
}

// RunTurn handles one user message. Provider exhaustion degrades to an
// apology reply; it never surfaces as an error to the caller.
func (r *TurnRunner) RunTurn(ctx context.Context, userID, message string) (*TurnResult, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("turn runner is not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, errors.New("message is required")
	}
	if r.options.TurnBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.TurnBudget)
		defer cancel()
	}

	memory := &TurnMemory{}
	ctx = WithUserID(WithTurnMemory(ctx, memory), userID)

	promptCtx, err := r.conversations.BuildPromptContext(ctx, userID, r.options.ContextWindow)
	if err != nil {
		return nil, err
	}
	recent, err := r.store.List(ctx, userID, taskstore.ListFilter{Limit: 5})
	if err != nil {
		return nil, err
	}
	if err := r.conversations.RecordTurn(ctx, userID, "user", message, nil); err != nil {
		return nil, err
	}

	instructions := r.buildInstructions(promptCtx, recent)
	history := []map[string]any{llm.UserMessageItem(message)}
	result := &TurnResult{}
	reply := ""

	for i := 0; i < r.options.MaxIterations && reply == ""; i++ {
		res, err := r.client.CreateResponse(ctx, llm.Request{
			Model:        r.options.Model,
			Instructions: instructions,
			Input:        history,
			Tools:        r.tools.Specs(),
		})
		if err != nil {
			var pe *llm.ProviderError
			if errors.As(err, &pe) {
				r.logger.Warn("provider exhausted, degrading turn", "user_id", userID, "attempts", pe.Attempts, "error", pe.Err)
				reply = degradedReply
				result.Degraded = true
				break
			}
			return nil, err
		}
		if len(res.ToolCalls) == 0 {
			if res.HasFinalText() {
				reply = res.FinalText
			} else {
				reply = "I wasn't able to work out what to do with that. Could you rephrase?"
			}
			break
		}
		for _, call := range res.ToolCalls {
			output := r.executeCall(ctx, userID, call, result)
			history = append(history, llm.FunctionCallItem(call), llm.FunctionOutputItem(call.CallID, output))
		}
		if res.HasFinalText() && reply == "" && i == r.options.MaxIterations-1 {
			reply = res.FinalText
		}
	}

	if reply == "" && !result.Degraded {
		reply = r.respondFromObservations(ctx, instructions, history, result)
	}

	result.Reply = reply
	result.StateChanges = memory.StateChanges()
	metadata := map[string]any{}
	if result.Degraded {
		metadata["degraded"] = true
	}
	if len(result.StateChanges) > 0 {
		metadata["state_changes"] = len(result.StateChanges)
	}
	if err := r.conversations.RecordTurn(ctx, userID, "assistant", reply, metadata); err != nil {
		return nil, err
	}
	return result, nil
}

// executeCall runs one proposed tool call. Destructive tools are not
// executed; they become pending actions the user must confirm.
// Failures fold into the function output so the turn keeps going.
func (r *TurnRunner) executeCall(ctx context.Context, userID string, call llm.ToolCall, result *TurnResult) string {
	memory, _ := TurnMemoryFromContext(ctx)
	name := strings.TrimSpace(call.Name)

	tool, ok := r.tools.Get(name)
	if !ok {
		out := mustMarshalToolError(NewToolError("TOOL_NOT_FOUND", "use one of the registered tool names"))
		memory.AddObservation(Observation{Tool: name, CallID: call.CallID, Output: out, Failed: true})
		return out
	}
	if tool.Destructive() {
		action := r.pending.Put(userID, name, call.Arguments, describeAction(name, call.Arguments))
		result.PendingActions = append(result.PendingActions, action)
		out := marshalToolResult(map[string]any{
			"confirmation_required": true,
			"token":                 action.Token,
			"description":           action.Description,
			"note":                  "Not executed. Ask the user to confirm, then call the confirm endpoint with this token.",
		})
		memory.AddObservation(Observation{Tool: name, CallID: call.CallID, Output: out})
		return out
	}
	out, toolErr := tool.Execute(ctx, call.Arguments, call.CallID)
	if toolErr != nil {
		r.logger.Warn("tool call failed", "tool", name, "error", toolErr.Message)
		out = mustMarshalToolError(toolErr)
		memory.AddObservation(Observation{Tool: name, CallID: call.CallID, Output: out, Failed: true})
		return out
	}
	memory.AddObservation(Observation{Tool: name, CallID: call.CallID, Output: out})
	return out
}

// respondFromObservations makes the closing model call after the
// act/observe rounds ran out without final text.
func (r *TurnRunner) respondFromObservations(ctx context.Context, instructions string, history []map[string]any, result *TurnResult) string {
	input := append([]map[string]any{}, history...)
	input = append(input, llm.UserMessageItem("Summarize the outcome of the tool calls above for the user in one or two sentences."))
	res, err := r.client.CreateResponse(ctx, llm.Request{
		Model:        r.options.Model,
		Instructions: instructions,
		Input:        input,
	})
	if err != nil {
		var pe *llm.ProviderError
		if errors.As(err, &pe) {
			result.Degraded = true
			return degradedReply
		}
		r.logger.Warn("closing response failed", "error", err)
		return "I ran the requested actions; see the task list for the result."
	}
	if res.HasFinalText() {
		return res.FinalText
	}
	return "I ran the requested actions; see the task list for the result."
}

// ConfirmAction executes a stored destructive proposal exactly once.
func (r *TurnRunner) ConfirmAction(ctx context.Context, userID, token string) (*TurnResult, error) {
	if r == nil || r.pending == nil {
		return nil, errors.New("turn runner is not initialized")
	}
	userID = strings.TrimSpace(userID)
	action, err := r.pending.Take(userID, token)
	if err != nil {
		return nil, err
	}
	tool, ok := r.tools.Get(action.Tool)
	if !ok {
		return nil, fmt.Errorf("pending action references unknown tool %q", action.Tool)
	}

	memory := &TurnMemory{}
	ctx = WithUserID(WithTurnMemory(ctx, memory), userID)
	result := &TurnResult{}
	out, toolErr := tool.Execute(ctx, action.Args, "confirm-"+action.Token)
	if toolErr != nil {
		result.Reply = fmt.Sprintf("The confirmed action could not be completed: %s. %s.", toolErr.Message, toolErr.Suggest)
	} else {
		result.Reply = fmt.Sprintf("Done: %s.", action.Description)
		memory.AddObservation(Observation{Tool: action.Tool, Output: out})
	}
	result.StateChanges = memory.StateChanges()
	if err := r.conversations.RecordTurn(ctx, userID, "assistant", result.Reply, map[string]any{"confirmed_action": action.Tool}); err != nil {
		return nil, err
	}
	return result, nil
}

// ParseAndCreate is the one-tool path for natural-language task
// creation: parse the text, then write the task directly.
func (r *TurnRunner) ParseAndCreate(ctx context.Context, userID, text string, pctx nlparse.Context) (*taskstore.Task, nlparse.Extraction, error) {
	if r == nil || r.parser == nil {
		return nil, nlparse.Extraction{}, errors.New("parser is not configured")
	}
	extraction, err := r.parser.Parse(ctx, text, pctx)
	if err != nil {
		return nil, nlparse.Extraction{}, err
	}
	metadata := map[string]any{"source": "natural_language"}
	if extraction.LowConfidence {
		metadata["low_confidence"] = true
	}
	task, err := r.store.Create(ctx, taskstore.CreateParams{
		UserID:           strings.TrimSpace(userID),
		Title:            extraction.Title,
		Description:      extraction.Description,
		Priority:         extraction.Priority,
		DueDate:          extraction.DueDate,
		Tags:             extraction.Tags,
		EstimatedMinutes: extraction.EstimatedMinutes,
		Metadata:         metadata,
	})
	if err != nil {
		return nil, nlparse.Extraction{}, err
	}
	return task, extraction, nil
}

func describeAction(name string, args json.RawMessage) string {
	compact := strings.TrimSpace(string(args))
	if compact == "" || compact == "null" {
		compact = "{}"
	}
	return fmt.Sprintf("%s %s", name, compact)
}

func (r *TurnRunner) buildInstructions(promptCtx convo.PromptContext, recent []taskstore.Task) string {
	var b strings.Builder
	b.WriteString("You are TaskMaster, a task management assistant. ")
	b.WriteString("Use the provided tools to read and change the user's tasks; never claim a change you did not make via a tool. ")
	b.WriteString("Destructive tools return a confirmation token instead of executing; tell the user confirmation is needed.\n\n")
	b.WriteString(promptCtx.Format())
	b.WriteString("\n")
	if snapshot := promptCtx.User; len(snapshot.Preferences) > 0 || snapshot.AIContext != "" {
		b.WriteString("\nUser context:\n")
		for key, value := range snapshot.Preferences {
			fmt.Fprintf(&b, "- %s: %v\n", key, value)
		}
		if snapshot.AIContext != "" {
			fmt.Fprintf(&b, "- notes: %s\n", snapshot.AIContext)
		}
	}
	if len(recent) > 0 {
		b.WriteString("\nRecent tasks:\n")
		for _, task := range recent {
			due := "no due date"
			if task.DueDate != nil {
				due = "due " + task.DueDate.Format("2006-01-02")
			}
			fmt.Fprintf(&b, "- %s (%s, %s priority, %s) id=%s\n", task.Title, task.Status, task.Priority, due, task.ID)
		}
	}
	return b.String()
}

package nlparse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskmaster/internal/llm"
	"taskmaster/internal/taskstore"
)

// ParseError means no usable task could be extracted, even by the
// rule-based fallback.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	if e == nil {
		return "parse failed"
	}
	return fmt.Sprintf("parse failed: %s", e.Reason)
}

// Context carries per-user parsing context. Now and Timezone anchor
// relative date resolution; zero values fall back to time.Now and UTC.
type Context struct {
	Timezone    string
	Now         time.Time
	Preferences map[string]any
}

func (c Context) location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(c.Timezone))
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now().In(c.location())
	}
	return c.Now.In(c.location())
}

// Extraction is a structured task parsed from free-form text.
// LowConfidence marks results produced by the rule-based fallback.
type Extraction struct {
	Title            string             `json:"title"`
	Description      string             `json:"description,omitempty"`
	DueDate          *time.Time         `json:"due_date,omitempty"`
	Priority         taskstore.Priority `json:"priority"`
	Tags             []string           `json:"tags,omitempty"`
	EstimatedMinutes int                `json:"estimated_minutes,omitempty"`
	LowConfidence    bool               `json:"low_confidence,omitempty"`
}

type Parser struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

func NewParser(client llm.Client, model string, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{client: client, model: model, logger: logger.With("module", "nlparse")}
}

// Parse extracts a structured task from text. One extraction call, one
// repair attempt on invalid JSON, then the rule-based fallback flagged
// LowConfidence. It returns a ParseError only when even the fallback
// cannot find a usable title.
func (p *Parser) Parse(ctx context.Context, text string, pctx Context) (Extraction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Extraction{}, &ParseError{Input: text, Reason: "empty input"}
	}
	if p == nil || p.client == nil {
		return p.fallbackOrError(text, pctx)
	}

	raw, err := p.extractOnce(ctx, text, pctx, "")
	if err == nil {
		if out, ok := p.validate(raw, text, pctx); ok {
			return out, nil
		}
		err = fmt.Errorf("extraction missing a title")
	}
	if invalid, ok := err.(*invalidJSONError); ok {
		raw, repairErr := p.extractOnce(ctx, text, pctx, invalid.output)
		if repairErr == nil {
			if out, ok := p.validate(raw, text, pctx); ok {
				return out, nil
			}
		}
	}
	p.logger.Warn("llm extraction failed, using rule-based fallback", "error", err)
	return p.fallbackOrError(text, pctx)
}

func (p *Parser) fallbackOrError(text string, pctx Context) (Extraction, error) {
	out := fallbackExtract(text, pctx)
	if strings.TrimSpace(out.Title) == "" {
		return Extraction{}, &ParseError{Input: text, Reason: "no usable task title"}
	}
	return out, nil
}

type invalidJSONError struct {
	output string
	err    error
}

func (e *invalidJSONError) Error() string {
	return fmt.Sprintf("extraction output is not valid JSON: %v", e.err)
}

func (e *invalidJSONError) Unwrap() error { return e.err }

// rawExtraction mirrors the JSON shape the model is asked to produce.
type rawExtraction struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	DueDate          *string  `json:"due_date"`
	Priority         string   `json:"priority"`
	Tags             []string `json:"tags"`
	EstimatedMinutes *int     `json:"estimated_minutes"`
}

func (p *Parser) extractOnce(ctx context.Context, text string, pctx Context, invalidOutput string) (rawExtraction, error) {
	req := llm.Request{
		Model:        p.model,
		Instructions: buildExtractionInstructions(pctx),
		Input:        []map[string]any{llm.UserMessageItem(text)},
	}
	if invalidOutput != "" {
		repair := fmt.Sprintf(
			"Your previous output was not valid JSON:\n%s\nRespond again with exactly one JSON object and nothing else.",
			invalidOutput)
		req.Input = append(req.Input, llm.UserMessageItem(repair))
	}
	res, err := p.client.CreateResponse(ctx, req)
	if err != nil {
		return rawExtraction{}, fmt.Errorf("extraction call failed: %w", err)
	}
	body := stripCodeFences(res.FinalText)
	body = sliceJSONObject(body)
	var decoded rawExtraction
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return rawExtraction{}, &invalidJSONError{output: res.FinalText, err: err}
	}
	return decoded, nil
}

// validate normalizes an LLM extraction. Unparseable due dates are
// dropped rather than guessed. Returns false when the title is empty.
func (p *Parser) validate(raw rawExtraction, text string, pctx Context) (Extraction, bool) {
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		return Extraction{}, false
	}
	out := Extraction{
		Title:       title,
		Description: strings.TrimSpace(raw.Description),
		Priority:    taskstore.PriorityMedium,
	}
	if out.Description == "" {
		out.Description = text
	}
	if priority, ok := taskstore.ParsePriority(raw.Priority); ok {
		out.Priority = priority
	}
	if raw.DueDate != nil {
		if due, ok := parseDueDate(*raw.DueDate, pctx.location()); ok {
			out.DueDate = &due
		}
	}
	out.Tags = normalizeTags(raw.Tags)
	if raw.EstimatedMinutes != nil && *raw.EstimatedMinutes > 0 {
		out.EstimatedMinutes = *raw.EstimatedMinutes
	}
	return out, true
}

func parseDueDate(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "null") {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(loc), true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if len(out) == 5 {
			break
		}
	}
	return out
}

func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func sliceJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}

func buildExtractionInstructions(pctx Context) string {
	now := pctx.now()
	var b strings.Builder
	b.WriteString("You extract structured task information from natural language input.\n")
	fmt.Fprintf(&b, "Current date: %s. Timezone: %s.\n", now.Format("Monday, 2006-01-02 15:04"), now.Location())
	if len(pctx.Preferences) > 0 {
		prefs, err := json.Marshal(pctx.Preferences)
		if err == nil {
			fmt.Fprintf(&b, "User preferences: %s\n", prefs)
		}
	}
	b.WriteString(`
Respond with exactly one JSON object, no prose and no code fences:
- title: concise, actionable task title
- description: the full task description
- due_date: local datetime "2006-01-02T15:04:05", or null when the input implies no date. Never invent a date.
- priority: "low", "medium" or "high" ("medium" when unclear)
- tags: 0-5 short lowercase tags
- estimated_minutes: integer duration estimate, or null when not inferable

Examples:
Input: "Remind me to call John tomorrow at 2pm about the project"
Output: {"title":"Call John about the project","description":"Remind me to call John tomorrow at 2pm about the project","due_date":"` + now.AddDate(0, 0, 1).Format("2006-01-02") + `T14:00:00","priority":"medium","tags":["communication","project"],"estimated_minutes":30}

Input: "Buy milk"
Output: {"title":"Buy milk","description":"Buy milk","due_date":null,"priority":"medium","tags":["errands"],"estimated_minutes":null}
`)
	return b.String()
}

package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	dbmodel "taskmaster/internal/db"
)

const (
	// DefaultWindow is the number of recent messages included in a
	// prompt context.
	DefaultWindow = 10

	// summaryCharBudget bounds the total content length of the recent
	// window; older messages beyond it collapse into one summary line.
	summaryCharBudget = 2000

	topicPreviewChars = 100
)

type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PromptContext is what a turn feeds into the model: the recent
// message window (oldest first), an optional summary of collapsed
// older messages, and the user's persisted context snapshot.
type PromptContext struct {
	Messages []Message
	Summary  string
	User     ContextSnapshot
}

// Manager owns conversation history and per-user context. The
// persisted log is append-only; summarization never rewrites it.
type Manager struct {
	db  *gorm.DB
	now func() time.Time
}

func NewManager(db *gorm.DB) (*Manager, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Manager{db: db, now: time.Now}, nil
}

// RecordTurn appends one message to the user's conversation log.
func (m *Manager) RecordTurn(ctx context.Context, userID, role, content string, metadata map[string]any) error {
	if m == nil || m.db == nil {
		return errors.New("conversation manager is not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user_id is required")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role != "user" && role != "assistant" {
		return fmt.Errorf("unsupported message role %q", role)
	}
	row := dbmodel.ConversationMessage{
		UserID:       userID,
		Role:         role,
		Content:      content,
		MetadataJSON: marshalJSON(metadata),
		CreatedAt:    m.now().UTC().Unix(),
	}
	if err := m.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append conversation message failed: %w", err)
	}
	return nil
}

// BuildPromptContext loads the last window messages oldest first. When
// their combined content exceeds the char budget, the older half is
// collapsed into a deterministic summary; the stored log is untouched.
func (m *Manager) BuildPromptContext(ctx context.Context, userID string, window int) (PromptContext, error) {
	if m == nil || m.db == nil {
		return PromptContext{}, errors.New("conversation manager is not initialized")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	var rows []dbmodel.ConversationMessage
	err := m.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC, id DESC").
		Limit(window).
		Find(&rows).Error
	if err != nil {
		return PromptContext{}, fmt.Errorf("load conversation history failed: %w", err)
	}

	messages := make([]Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		messages = append(messages, rowToMessage(rows[i]))
	}

	out := PromptContext{Messages: messages}
	if total := totalContentChars(messages); total > summaryCharBudget {
		keep := len(messages) / 2
		out.Summary = summarize(messages[:len(messages)-keep])
		out.Messages = messages[len(messages)-keep:]
	}

	snapshot, err := m.UserContext(ctx, userID)
	if err != nil {
		return PromptContext{}, err
	}
	out.User = *snapshot
	return out, nil
}

// Format renders the context as prompt text.
func (p PromptContext) Format() string {
	var b strings.Builder
	if p.Summary != "" {
		b.WriteString("Earlier conversation summary: ")
		b.WriteString(p.Summary)
		b.WriteString("\n")
	}
	if len(p.Messages) == 0 && p.Summary == "" {
		return "No previous conversation."
	}
	if len(p.Messages) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, msg := range p.Messages {
			content := msg.Content
			if len(content) > 200 {
				content = content[:200]
			}
			fmt.Fprintf(&b, "%s: %s\n", capitalize(msg.Role), content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// summarize produces a deterministic local summary: message counts
// plus the first and most recent user topics. No model call involved.
func summarize(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	var userMessages []Message
	for _, msg := range messages {
		if msg.Role == "user" {
			userMessages = append(userMessages, msg)
		}
	}
	assistantCount := len(messages) - len(userMessages)
	if len(userMessages) == 0 {
		return fmt.Sprintf("Conversation with %d messages.", len(messages))
	}
	first := topicPreview(userMessages[0].Content)
	last := topicPreview(userMessages[len(userMessages)-1].Content)
	return fmt.Sprintf(
		"Conversation with %d user messages and %d responses. Started with: %q. Most recent: %q.",
		len(userMessages), assistantCount, first, last)
}

func topicPreview(content string) string {
	content = strings.TrimSpace(content)
	if len(content) > topicPreviewChars {
		content = content[:topicPreviewChars] + "..."
	}
	return content
}

func totalContentChars(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content)
	}
	return total
}

func rowToMessage(row dbmodel.ConversationMessage) Message {
	return Message{
		Role:      row.Role,
		Content:   row.Content,
		Metadata:  unmarshalJSONMap(row.MetadataJSON),
		CreatedAt: time.Unix(row.CreatedAt, 0).UTC(),
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func marshalJSON(value map[string]any) string {
	if len(value) == 0 {
		return ""
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(raw)
}

func unmarshalJSONMap(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

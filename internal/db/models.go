package db

type Task struct {
	TaskID           string `gorm:"column:task_id;primaryKey"`
	UserID           string `gorm:"column:user_id;not null;index"`
	ParentTaskID     string `gorm:"column:parent_task_id;not null;default:''"`
	Title            string `gorm:"column:title;not null;default:''"`
	Description      string `gorm:"column:description;not null;default:''"`
	Status           string `gorm:"column:status;not null;default:'todo'"`
	Priority         string `gorm:"column:priority;not null;default:'medium'"`
	DueDate          int64  `gorm:"column:due_date;not null;default:0"`
	EstimatedMinutes int    `gorm:"column:estimated_minutes;not null;default:0"`
	ActualMinutes    int    `gorm:"column:actual_minutes;not null;default:0"`
	MetadataJSON     string `gorm:"column:metadata_json;not null;default:''"`
	CreatedAt        int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt        int64  `gorm:"column:updated_at;not null;default:0"`
	CompletedAt      int64  `gorm:"column:completed_at;not null;default:0"`
}

func (Task) TableName() string { return "tasks" }

type Tag struct {
	TagID     string `gorm:"column:tag_id;primaryKey"`
	UserID    string `gorm:"column:user_id;not null"`
	Name      string `gorm:"column:name;not null"`
	Color     string `gorm:"column:color;not null;default:''"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
}

func (Tag) TableName() string { return "tags" }

type TaskTag struct {
	TaskID string `gorm:"column:task_id;primaryKey"`
	TagID  string `gorm:"column:tag_id;primaryKey"`
}

func (TaskTag) TableName() string { return "task_tags" }

type ConversationMessage struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       string `gorm:"column:user_id;not null;index"`
	Role         string `gorm:"column:role;not null;default:''"`
	Content      string `gorm:"column:content;not null;default:''"`
	MetadataJSON string `gorm:"column:metadata_json;not null;default:''"`
	CreatedAt    int64  `gorm:"column:created_at;not null;default:0"`
}

func (ConversationMessage) TableName() string { return "conversation_messages" }

type UserContext struct {
	UserID          string `gorm:"column:user_id;primaryKey"`
	PreferencesJSON string `gorm:"column:preferences_json;not null;default:''"`
	PatternsJSON    string `gorm:"column:patterns_json;not null;default:''"`
	AIContext       string `gorm:"column:ai_context;not null;default:''"`
	UpdatedAt       int64  `gorm:"column:updated_at;not null;default:0"`
}

func (UserContext) TableName() string { return "user_contexts" }

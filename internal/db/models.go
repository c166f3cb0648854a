package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User represents a registered account. Every execution is owned by exactly
// one user, and every project is owned by exactly one user.
type User struct {
	base
	Email       string          `gorm:"uniqueIndex;not null"`
	Username    string          `gorm:"uniqueIndex;not null"`
	Password    EncryptedString `gorm:"type:text;not null"`
	DisplayName string          `gorm:"not null"`
	Role        string          `gorm:"not null;default:'user'"` // "admin" or "user"
	IsActive    bool            `gorm:"not null;default:true"`   // false = account disabled
	LastLoginAt *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash. Tokens are rotated
// on every use and expire after the configured refresh TTL.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// -----------------------------------------------------------------------------
// Projects
// -----------------------------------------------------------------------------

// Project is a workspace that owns zero or more executions. RootPath is the
// project's sandboxed workspace directory on disk, validated by the workspace
// package before any file operation resolves beneath it.
type Project struct {
	softDelete
	OwnerID     uuid.UUID `gorm:"type:text;not null;index"`
	Name        string    `gorm:"not null"`
	Description string    `gorm:"type:text;default:''"`
	RootPath    string    `gorm:"not null"`
	Status      string    `gorm:"not null;default:'active'"` // "active", "archived"
}

// -----------------------------------------------------------------------------
// Agent configuration
// -----------------------------------------------------------------------------

// AgentConfig binds one pipeline role (product_manager, architect, engineer,
// qa_engineer) for one user to a model provider, model name, per-role
// sampling parameters, and prompt customization. A user may keep several
// configs per role (e.g. to compare providers) but at most one may carry
// IsDefault=true — that is the row the workflow driver resolves when it
// starts a stage on that user's behalf, regardless of which project the
// execution belongs to. APIKey is encrypted at rest and is passed to the
// model provider as is; there is no server-wide fallback credential, so an
// empty APIKey reaches the provider empty.
type AgentConfig struct {
	base
	UserID           uuid.UUID       `gorm:"type:text;not null;index:idx_agent_configs_user_role"`
	Role             string          `gorm:"not null;index:idx_agent_configs_user_role"` // "product_manager", "architect", "engineer", "qa_engineer"
	Provider         string          `gorm:"not null"`                                   // "openai", "azure_openai", "groq", "ollama"
	Model            string          `gorm:"not null"`
	Temperature      float64         `gorm:"not null;default:0.7"`  // [0, 2]
	TopP             float64         `gorm:"not null;default:1"`    // [0, 1]
	FrequencyPenalty float64         `gorm:"not null;default:0"`    // [-2, 2]
	PresencePenalty  float64         `gorm:"not null;default:0"`    // [-2, 2]
	MaxTokens        int             `gorm:"not null;default:4096"` // > 0
	Parameters       string          `gorm:"type:text;default:'{}'"` // opaque JSON, provider-specific extras
	SystemPrompt     string          `gorm:"type:text;default:''"`
	APIKey           EncryptedString `gorm:"type:text;default:''"`
	IsActive         bool            `gorm:"not null;default:true"`
	IsDefault        bool            `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Executions
// -----------------------------------------------------------------------------

// Execution records one run of the product_manager -> architect -> engineer
// -> qa_engineer pipeline against a project. Status mirrors the workflow
// driver's state machine. CurrentStage and ProgressPercent are updated as the
// driver advances; they are the fields the get_execution and
// get_project_status router commands return without needing to replay the
// event log.
type Execution struct {
	base
	ProjectID       uuid.UUID  `gorm:"type:text;not null;index"`
	RequestedByID   uuid.UUID  `gorm:"type:text;not null;index"`
	Requirements    string     `gorm:"type:text;not null"`
	Status          string     `gorm:"not null;default:'pending';index"`
	CurrentStage    string     `gorm:"default:''"`
	ProgressPercent int        `gorm:"not null;default:0"`
	StartedAt       *time.Time
	EndedAt         *time.Time
	Error           string `gorm:"type:text;default:''"`
	RetryCount      int    `gorm:"not null;default:0"`
	MaxRetries      int    `gorm:"not null;default:3"`
	// DurationSeconds is set once, at the same moment EndedAt is set, to
	// EndedAt - StartedAt. Stays nil while the execution is still live.
	DurationSeconds *int `gorm:"default:null"`

	// Logs is populated by a manual query (GetByIDWithLogs), never by GORM's
	// association loader — ExecutionLog.ExecutionID is a uuid.UUID, which
	// GORM cannot resolve as a foreign key automatically.
	Logs []ExecutionLog `gorm:"-"`
}

// ExecutionLog is an append-only record of one stream event emitted during an
// execution, persisted for audit/replay after the event bus has delivered it
// to live subscribers. Sequence is monotonically increasing per execution and
// is what the "replay from sequence N" reconnect scenario reads.
type ExecutionLog struct {
	base
	ExecutionID uuid.UUID `gorm:"type:text;not null;index"`
	Sequence    int64     `gorm:"not null;index"`
	EventType   string    `gorm:"not null"`
	Stage       string    `gorm:"default:''"`
	Payload     string    `gorm:"type:text;not null"` // JSON
	EmittedAt   time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Notification stores in-app notifications delivered to users via the
// connection registry's per-user target. No background job purges read
// notifications; rows are kept until deleted.
type Notification struct {
	base
	UserID  uuid.UUID `gorm:"type:text;not null;index"`
	Type    string    `gorm:"not null"` // "execution_complete", "execution_failed", etc.
	Title   string    `gorm:"not null"`
	Body    string    `gorm:"type:text;not null"`
	ReadAt  *time.Time
	Payload string `gorm:"type:text;default:'{}'"` // JSON, extra context for the frontend
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "smtp.host", "webhook.url").
// Sensitive values are encrypted at the application layer via EncryptedString
// before being persisted.
//
// Setting does not embed base because it uses a string primary key (the key
// itself) rather than a UUID, and does not need CreatedAt.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}

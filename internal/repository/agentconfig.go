package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
)

// AgentConfigRepository persists AgentConfig rows — the provider/model/prompt
// binding for one pipeline role, owned by one user.
type AgentConfigRepository interface {
	Create(ctx context.Context, cfg *db.AgentConfig) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.AgentConfig, error)
	GetDefaultByUserAndRole(ctx context.Context, userID uuid.UUID, role string) (*db.AgentConfig, error)
	Update(ctx context.Context, cfg *db.AgentConfig) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.AgentConfig, error)

	// ClearDefault unsets IsDefault on every row for (userID, role) other
	// than keepID, so setting a new default never leaves two rows with
	// IsDefault=true for the same user+role.
	ClearDefault(ctx context.Context, userID uuid.UUID, role string, keepID uuid.UUID) error
}

type gormAgentConfigRepository struct {
	db *gorm.DB
}

// NewAgentConfigRepository returns a GORM-backed AgentConfigRepository.
func NewAgentConfigRepository(database *gorm.DB) AgentConfigRepository {
	return &gormAgentConfigRepository{db: database}
}

func (r *gormAgentConfigRepository) Create(ctx context.Context, cfg *db.AgentConfig) error {
	if err := r.db.WithContext(ctx).Create(cfg).Error; err != nil {
		return fmt.Errorf("agent_configs: create: %w", err)
	}
	return nil
}

func (r *gormAgentConfigRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AgentConfig, error) {
	var cfg db.AgentConfig
	if err := r.db.WithContext(ctx).First(&cfg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent_configs: get by id: %w", err)
	}
	return &cfg, nil
}

// GetDefaultByUserAndRole resolves the row the workflow driver uses to run a
// stage on userID's behalf: the row for (userID, role) with IsDefault=true
// and IsActive=true. This is what C7 Initialization means by "the user's
// default AgentConfig for that role," independent of which project the
// triggering execution belongs to.
func (r *gormAgentConfigRepository) GetDefaultByUserAndRole(ctx context.Context, userID uuid.UUID, role string) (*db.AgentConfig, error) {
	var cfg db.AgentConfig
	if err := r.db.WithContext(ctx).
		First(&cfg, "user_id = ? AND role = ? AND is_default = ? AND is_active = ?", userID, role, true, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent_configs: get default by user and role: %w", err)
	}
	return &cfg, nil
}

func (r *gormAgentConfigRepository) Update(ctx context.Context, cfg *db.AgentConfig) error {
	if err := r.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return fmt.Errorf("agent_configs: update: %w", err)
	}
	return nil
}

func (r *gormAgentConfigRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.AgentConfig, error) {
	var cfgs []db.AgentConfig
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("agent_configs: list by user: %w", err)
	}
	return cfgs, nil
}

func (r *gormAgentConfigRepository) ClearDefault(ctx context.Context, userID uuid.UUID, role string, keepID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Model(&db.AgentConfig{}).
		Where("user_id = ? AND role = ? AND id <> ?", userID, role, keepID).
		Update("is_default", false).Error; err != nil {
		return fmt.Errorf("agent_configs: clear default: %w", err)
	}
	return nil
}

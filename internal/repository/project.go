package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
)

// ProjectRepository persists Project rows.
type ProjectRepository interface {
	Create(ctx context.Context, project *db.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error)
	Update(ctx context.Context, project *db.Project) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Project, error)
}

type gormProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository returns a GORM-backed ProjectRepository.
func NewProjectRepository(database *gorm.DB) ProjectRepository {
	return &gormProjectRepository{db: database}
}

func (r *gormProjectRepository) Create(ctx context.Context, project *db.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("projects: create: %w", err)
	}
	return nil
}

func (r *gormProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error) {
	var project db.Project
	if err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("projects: get by id: %w", err)
	}
	return &project, nil
}

func (r *gormProjectRepository) Update(ctx context.Context, project *db.Project) error {
	if err := r.db.WithContext(ctx).Save(project).Error; err != nil {
		return fmt.Errorf("projects: update: %w", err)
	}
	return nil
}

func (r *gormProjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.Project{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("projects: delete: %w", err)
	}
	return nil
}

func (r *gormProjectRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Project, error) {
	var projects []db.Project
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("projects: list by owner: %w", err)
	}
	return projects, nil
}

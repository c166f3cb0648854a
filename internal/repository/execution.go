package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
)

// ExecutionRepository persists Execution rows and their append-only log.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *db.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error)
	GetByIDWithLogs(ctx context.Context, id uuid.UUID, sinceSequence int64) (*db.Execution, error)
	Update(ctx context.Context, exec *db.Execution) error
	UpdateStatus(ctx context.Context, id uuid.UUID, fields map[string]any) error
	ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.Execution, error)

	AppendLog(ctx context.Context, entry *db.ExecutionLog) error
	NextSequence(ctx context.Context, executionID uuid.UUID) (int64, error)
}

type gormExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository returns a GORM-backed ExecutionRepository.
func NewExecutionRepository(database *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: database}
}

func (r *gormExecutionRepository) Create(ctx context.Context, exec *db.Execution) error {
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("executions: create: %w", err)
	}
	return nil
}

func (r *gormExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	var exec db.Execution
	if err := r.db.WithContext(ctx).First(&exec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: get by id: %w", err)
	}
	return &exec, nil
}

// GetByIDWithLogs loads the execution plus every log entry with sequence
// strictly greater than sinceSequence, ordered ascending — the shape a
// reconnecting client needs to replay what it missed.
func (r *gormExecutionRepository) GetByIDWithLogs(ctx context.Context, id uuid.UUID, sinceSequence int64) (*db.Execution, error) {
	exec, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var logs []db.ExecutionLog
	if err := r.db.WithContext(ctx).
		Where("execution_id = ? AND sequence > ?", id, sinceSequence).
		Order("sequence ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("executions: get logs: %w", err)
	}
	exec.Logs = logs
	return exec, nil
}

func (r *gormExecutionRepository) Update(ctx context.Context, exec *db.Execution) error {
	if err := r.db.WithContext(ctx).Save(exec).Error; err != nil {
		return fmt.Errorf("executions: update: %w", err)
	}
	return nil
}

func (r *gormExecutionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if err := r.db.WithContext(ctx).Model(&db.Execution{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return fmt.Errorf("executions: update status: %w", err)
	}
	return nil
}

func (r *gormExecutionRepository) ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.Execution, error) {
	var execs []db.Execution
	q := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("executions: list by project: %w", err)
	}
	return execs, nil
}

func (r *gormExecutionRepository) AppendLog(ctx context.Context, entry *db.ExecutionLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("executions: append log: %w", err)
	}
	return nil
}

// NextSequence returns the next monotonically increasing sequence number for
// an execution's log. Callers hold the per-execution ordering guarantee from
// the workflow driver (§5: events for one execution are emitted by a single
// goroutine), so this does not need its own locking beyond the MAX(sequence)
// query it runs.
func (r *gormExecutionRepository) NextSequence(ctx context.Context, executionID uuid.UUID) (int64, error) {
	var max int64
	if err := r.db.WithContext(ctx).Model(&db.ExecutionLog{}).
		Where("execution_id = ?", executionID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&max).Error; err != nil {
		return 0, fmt.Errorf("executions: next sequence: %w", err)
	}
	return max + 1, nil
}

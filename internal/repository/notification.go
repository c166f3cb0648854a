package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
)

// NotificationRepository persists Notification rows.
type NotificationRepository interface {
	Create(ctx context.Context, n *db.Notification) error
	ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

type gormNotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository returns a GORM-backed NotificationRepository.
func NewNotificationRepository(database *gorm.DB) NotificationRepository {
	return &gormNotificationRepository{db: database}
}

func (r *gormNotificationRepository) Create(ctx context.Context, n *db.Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("notifications: create: %w", err)
	}
	return nil
}

func (r *gormNotificationRepository) ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Notification, error) {
	var items []db.Notification
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("notifications: list by user: %w", err)
	}
	return items, nil
}

func (r *gormNotificationRepository) MarkRead(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Notification{}).Where("id = ? AND read_at IS NULL", id).
		Update("read_at", gorm.Expr("CURRENT_TIMESTAMP"))
	if res.Error != nil {
		return fmt.Errorf("notifications: mark read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

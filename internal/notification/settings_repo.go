package notification

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
)

// gormSettingsRepository is the GORM-backed SettingsRepository, scoped to
// this package since nothing outside notification delivery reads the
// key-value settings table.
type gormSettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository returns a GORM-backed SettingsRepository.
func NewSettingsRepository(database *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: database}
}

func (r *gormSettingsRepository) GetMany(ctx context.Context, keyPrefix string) ([]db.Setting, error) {
	var settings []db.Setting
	if err := r.db.WithContext(ctx).Where("key LIKE ?", keyPrefix+"%").Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("settings: get many %q: %w", keyPrefix, err)
	}
	return settings, nil
}

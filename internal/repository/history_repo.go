package repository

import (
	"context"

	"charaforge/internal/model"

	"gorm.io/gorm"
)

type HistoryRepository struct {
	db *gorm.DB
}

func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Save(ctx context.Context, record *model.GenerationHistory) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *HistoryRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.GenerationHistory, int64, error) {
	var records []*model.GenerationHistory
	var total int64

	query := r.db.WithContext(ctx).Model(&model.GenerationHistory{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	return records, total, err
}

package repository

import (
	"context"
	"errors"
	"time"

	"charaforge/internal/model"
	"charaforge/pkg/textutil"

	"gorm.io/gorm"
)

var (
	ErrIntentNotFound      = errors.New("生成意图不存在")
	ErrIntentStatusInvalid = errors.New("生成意图状态不合法")
)

type IntentRepository struct {
	db *gorm.DB
}

func NewIntentRepository(db *gorm.DB) *IntentRepository {
	return &IntentRepository{db: db}
}

func (r *IntentRepository) Create(ctx context.Context, intent *model.GenerationIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *IntentRepository) GetByIntentNo(ctx context.Context, intentNo string) (*model.GenerationIntent, error) {
	var intent model.GenerationIntent
	err := r.db.WithContext(ctx).Where("intent_no = ?", intentNo).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// UpdateStatus 带源状态条件的状态迁移，源状态不符时返回 ErrIntentStatusInvalid
func (r *IntentRepository) UpdateStatus(ctx context.Context, intentNo, fromStatus, toStatus, errMsg string) error {
	if !model.CanIntentTransitionTo(fromStatus, toStatus) {
		return ErrIntentStatusInvalid
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if errMsg != "" {
		// 错误信息来自外部服务，可能含有非法字节
		updates["error"] = textutil.Clip(errMsg, 512)
	}

	result := r.db.WithContext(ctx).
		Model(&model.GenerationIntent{}).
		Where("intent_no = ? AND status = ?", intentNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrIntentStatusInvalid
	}
	return nil
}

// GetStale 查询某状态下 before 之前就没有再更新过的意图
func (r *IntentRepository) GetStale(ctx context.Context, status string, before time.Time, limit int) ([]*model.GenerationIntent, error) {
	var intents []*model.GenerationIntent
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("id ASC").
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

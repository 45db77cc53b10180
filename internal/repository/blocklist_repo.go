package repository

import (
	"context"
	"errors"
	"time"

	"charaforge/internal/model"
	"charaforge/pkg/textutil"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BlocklistRepository struct {
	db *gorm.DB
}

func NewBlocklistRepository(db *gorm.DB) *BlocklistRepository {
	return &BlocklistRepository{db: db}
}

// Find 查找在 now 时刻仍然有效的封禁记录，没有返回 nil, nil
func (r *BlocklistRepository) Find(ctx context.Context, ip string, now time.Time) (*model.BlockedIP, error) {
	var blocked model.BlockedIP
	err := r.db.WithContext(ctx).
		Where("ip_address = ? AND (expires_at IS NULL OR expires_at > ?)", ip, now).
		First(&blocked).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &blocked, nil
}

func (r *BlocklistRepository) Add(ctx context.Context, ip, reason string, expiresAt *time.Time) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ip_address"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason", "expires_at"}),
		}).
		Create(&model.BlockedIP{IPAddress: ip, Reason: textutil.Clip(reason, 256), ExpiresAt: expiresAt}).Error
}

func (r *BlocklistRepository) Remove(ctx context.Context, ip string) error {
	return r.db.WithContext(ctx).
		Where("ip_address = ?", ip).
		Delete(&model.BlockedIP{}).Error
}

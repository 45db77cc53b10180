package repository

import (
	"context"
	"errors"
	"time"

	"charaforge/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type LoginAttemptRepository struct {
	db *gorm.DB
}

func NewLoginAttemptRepository(db *gorm.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

func (r *LoginAttemptRepository) Create(ctx context.Context, attempt *model.LoginAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *LoginAttemptRepository) CountFailuresByEmailSince(ctx context.Context, email string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.LoginAttempt{}).
		Where("email = ? AND success = ? AND created_at >= ?", email, false, since).
		Count(&count).Error
	return count, err
}

func (r *LoginAttemptRepository) CountFailuresByIPSince(ctx context.Context, ip string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.LoginAttempt{}).
		Where("ip_address = ? AND success = ? AND created_at >= ?", ip, false, since).
		Count(&count).Error
	return count, err
}

func (r *LoginAttemptRepository) DeleteFailuresByEmail(ctx context.Context, email string) error {
	return r.db.WithContext(ctx).
		Where("email = ? AND success = ?", email, false).
		Delete(&model.LoginAttempt{}).Error
}

// PurgeBefore 清理过期记录，返回删除条数
func (r *LoginAttemptRepository) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&model.LoginAttempt{})
	return result.RowsAffected, result.Error
}

type AccountLockRepository struct {
	db *gorm.DB
}

func NewAccountLockRepository(db *gorm.DB) *AccountLockRepository {
	return &AccountLockRepository{db: db}
}

// Get 不存在返回 nil, nil；是否过期由调用方按 now 判断
func (r *AccountLockRepository) Get(ctx context.Context, email string) (*model.AccountLock, error) {
	var lock model.AccountLock
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}

// Upsert 写入锁记录，已存在则覆盖锁定时间
func (r *AccountLockRepository) Upsert(ctx context.Context, lock *model.AccountLock) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"locked_at", "locked_until", "reason"}),
		}).
		Create(lock).Error
}

func (r *AccountLockRepository) Delete(ctx context.Context, email string) error {
	return r.db.WithContext(ctx).
		Where("email = ?", email).
		Delete(&model.AccountLock{}).Error
}

// PurgeExpired 删除已经失效的锁，只是清理，不影响判断逻辑
func (r *AccountLockRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("locked_until <= ?", now).
		Delete(&model.AccountLock{})
	return result.RowsAffected, result.Error
}

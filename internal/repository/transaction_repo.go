package repository

import (
	"context"
	"errors"
	"time"

	"charaforge/internal/model"

	"gorm.io/gorm"
)

// TransactionRepository 流水只读查询，写入都在 AccountRepository 的事务里完成
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// GetByExternalRef 按类型 + 外部关联号查找，不存在返回 nil, nil
func (r *TransactionRepository) GetByExternalRef(ctx context.Context, txType, ref string) (*model.AccountTransaction, error) {
	var trans model.AccountTransaction
	err := r.db.WithContext(ctx).
		Where("type = ? AND external_ref = ?", txType, ref).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// ExistsByOperation 用户是否有过某类型 + 某操作的流水（例如买过某个套餐）
func (r *TransactionRepository) ExistsByOperation(ctx context.Context, userID, txType, operation string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.AccountTransaction{}).
		Where("user_id = ? AND type = ? AND operation = ?", userID, txType, operation).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

// CountByTypeSince 统计 since 之后某类型流水条数
func (r *TransactionRepository) CountByTypeSince(ctx context.Context, userID, txType string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.AccountTransaction{}).
		Where("user_id = ? AND type = ? AND created_at >= ?", userID, txType, since).
		Count(&count).Error
	return count, err
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	var transactions []*model.AccountTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.AccountTransaction{}).Where("user_id = ?", userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"charaforge/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrBalanceNotEnough = errors.New("余额不足")
	// 同类型同 external_ref 的流水已经存在，本次变动整体回滚
	ErrEntryExists = errors.New("流水已存在")
)

type AccountRepository struct {
	db *gorm.DB
	// 非空时每条流水都会在同一事务里写一条 outbox 消息
	eventTopic string
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// WithLedgerEvents 开启账本事件
func (r *AccountRepository) WithLedgerEvents(topic string) *AccountRepository {
	r.eventTopic = topic
	return r
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByCanonicalEmail 按归一化身份查找，不存在返回 nil, nil
func (r *AccountRepository) GetByCanonicalEmail(ctx context.Context, canonical string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("canonical_email = ?", canonical).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// CreateIfAbsent 创建账户，user_id 或 canonical_email 冲突时什么都不做
//
// 有初始赠送时，余额和 SIGNUP_BONUS 流水在同一个事务里写入。
func (r *AccountRepository) CreateIfAbsent(ctx context.Context, account *model.Account, bonus *model.AccountTransaction) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(account)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		created = true

		if bonus == nil || account.Tokens == 0 {
			return nil
		}
		bonus.UserID = account.UserID
		bonus.Amount = account.Tokens
		bonus.BalanceBefore = 0
		bonus.BalanceAfter = account.Tokens
		return r.appendEntry(tx, bonus)
	})
	return created, err
}

// Debit 条件扣减：一条 UPDATE ... WHERE tokens >= amount 完成检查和扣减，
// 并发请求不会把余额扣成负数。成功时同一事务内追加流水。
//
// 返回扣减后的余额；余额不足时返回当前余额和 ErrBalanceNotEnough。
func (r *AccountRepository) Debit(ctx context.Context, userID string, amount int64, entry *model.AccountTransaction) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Account{}).
			Where("user_id = ? AND tokens >= ?", userID, amount).
			Updates(map[string]interface{}{
				"tokens":  gorm.Expr("tokens - ?", amount),
				"version": gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return result.Error
		}

		current, err := r.currentTokens(tx, userID)
		if err != nil {
			return err
		}
		balance = current

		if result.RowsAffected == 0 {
			return ErrBalanceNotEnough
		}

		entry.UserID = userID
		entry.Amount = -amount
		entry.BalanceBefore = current + amount
		entry.BalanceAfter = current
		return r.appendEntry(tx, entry)
	})
	return balance, err
}

// Credit 入账并追加流水
func (r *AccountRepository) Credit(ctx context.Context, userID string, amount int64, entry *model.AccountTransaction) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Account{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"tokens":  gorm.Expr("tokens + ?", amount),
				"version": gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAccountNotFound
		}

		current, err := r.currentTokens(tx, userID)
		if err != nil {
			return err
		}
		balance = current

		entry.UserID = userID
		entry.Amount = amount
		entry.BalanceBefore = current - amount
		entry.BalanceAfter = current
		return r.appendEntry(tx, entry)
	})
	return balance, err
}

// 事务内 UPDATE 之后行锁仍被持有，这里读到的就是本事务写入后的值
func (r *AccountRepository) currentTokens(tx *gorm.DB, userID string) (int64, error) {
	var account model.Account
	err := tx.Select("tokens").Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return account.Tokens, nil
}

func (r *AccountRepository) appendEntry(tx *gorm.DB, entry *model.AccountTransaction) error {
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrEntryExists
		}
		return fmt.Errorf("记录流水失败: %w", err)
	}
	if r.eventTopic == "" {
		return nil
	}

	payload, err := json.Marshal(model.NewLedgerEvent(entry, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("序列化账本事件失败: %w", err)
	}
	msg := &model.OutboxMessage{
		MessageKey: entry.UserID,
		Topic:      r.eventTopic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := tx.Create(msg).Error; err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

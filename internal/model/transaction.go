package model

import (
	"time"
)

// ============================================================================
// 流水类型
// ============================================================================

const (
	TransactionTypePurchase         = "PURCHASE"          // 购买套餐
	TransactionTypeGenerationDebit  = "GENERATION_DEBIT"  // 生成扣费
	TransactionTypeGenerationRefund = "GENERATION_REFUND" // 生成失败退款
	TransactionTypeAdReward         = "AD_REWARD"         // 看广告奖励
	TransactionTypeSignupBonus      = "SIGNUP_BONUS"      // 注册赠送
)

// ============================================================================
// 账本流水
// ============================================================================

// AccountTransaction 代币流水表
//
// 1. 只追加，不修改，不删除
// 2. balance_after 必须等于这条流水落账后的账户余额
// 3. external_ref 记录外部关联（生成意图号、支付会话号），(type, external_ref) 唯一，
//    同一个意图只能扣一次、退一次，同一个支付会话只能入账一次
type AccountTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID        string    `gorm:"type:varchar(64);index:idx_user_type;not null" json:"user_id"`
	Type          string    `gorm:"type:varchar(32);index:idx_user_type;uniqueIndex:uk_type_ref,priority:1;not null" json:"type"`
	Operation     string    `gorm:"type:varchar(64)" json:"operation,omitempty"` // 触发原因：生成类型或套餐ID
	Amount        int64     `gorm:"not null" json:"amount"`                      // 正数入账，负数出账
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	ExternalRef   *string   `gorm:"type:varchar(128);uniqueIndex:uk_type_ref,priority:2" json:"external_ref,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AccountTransaction) TableName() string {
	return "account_transaction"
}

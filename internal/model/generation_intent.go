package model

import (
	"time"
)

// ============================================================================
// 生成意图（计费 saga 的持久化日志）
// ============================================================================
//
//   PENDING --扣费成功--> DEBITED --生成成功--> SETTLED
//      |                     |
//      |                     +--生成失败/补偿--> REFUNDING --入账--> REFUNDED
//      +--余额不足--> CANCELLED
//
// 退款方必须先用条件更新抢到 REFUNDING 才能入账，结算方必须抢到 SETTLED 才能交付，
// 二者只会有一个成功。进程崩溃留下的 PENDING/DEBITED/REFUNDING 由 IntentRecoveryJob 补偿。
// ============================================================================

const (
	IntentStatusPending   = "PENDING"
	IntentStatusDebited   = "DEBITED"
	IntentStatusSettled   = "SETTLED"
	IntentStatusRefunding = "REFUNDING"
	IntentStatusRefunded  = "REFUNDED"
	IntentStatusCancelled = "CANCELLED"
)

var ValidIntentTransitions = map[string][]string{
	IntentStatusPending:   {IntentStatusDebited, IntentStatusCancelled, IntentStatusRefunding},
	IntentStatusDebited:   {IntentStatusSettled, IntentStatusRefunding},
	IntentStatusRefunding: {IntentStatusRefunded},
}

func CanIntentTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidIntentTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

type GenerationIntent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	IntentNo  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"intent_no"`
	UserID    string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Kind      string    `gorm:"type:varchar(32);not null" json:"kind"`
	Tier      string    `gorm:"type:varchar(16);not null" json:"tier"`
	Cost      int64     `gorm:"not null" json:"cost"`
	Status    string    `gorm:"type:varchar(20);index:idx_status_updated;not null" json:"status"`
	Error     string    `gorm:"type:varchar(512)" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;index:idx_status_updated" json:"updated_at"`
}

func (GenerationIntent) TableName() string {
	return "generation_intent"
}

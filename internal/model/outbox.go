package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 待投递到 Kafka 的账本/生成事件
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// LedgerEvent 账本变动事件，和流水在同一个事务里写入 outbox
type LedgerEvent struct {
	TransactionNo string    `json:"transaction_no"`
	UserID        string    `json:"user_id"`
	Type          string    `json:"type"`
	Operation     string    `json:"operation,omitempty"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	ExternalRef   string    `json:"external_ref,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewLedgerEvent 由已落账的流水构造事件
func NewLedgerEvent(entry *AccountTransaction, at time.Time) LedgerEvent {
	event := LedgerEvent{
		TransactionNo: entry.TransactionNo,
		UserID:        entry.UserID,
		Type:          entry.Type,
		Operation:     entry.Operation,
		Amount:        entry.Amount,
		BalanceAfter:  entry.BalanceAfter,
		OccurredAt:    at,
	}
	if entry.ExternalRef != nil {
		event.ExternalRef = *entry.ExternalRef
	}
	return event
}

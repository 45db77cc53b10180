package model

import (
	"time"
)

// BlockedIP IP 黑名单，expires_at 为空表示永久
type BlockedIP struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	IPAddress string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"ip_address"`
	Reason    string     `gorm:"type:varchar(256)" json:"reason"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (BlockedIP) TableName() string {
	return "blocked_ip"
}

package model

import (
	"time"
)

// LoginAttempt 登录尝试记录，只追加
//
// email 只做 trim + 小写，不做别名折叠。
type LoginAttempt struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"type:varchar(254);index:idx_email_success_time;not null" json:"email"`
	IPAddress string    `gorm:"type:varchar(64);index:idx_ip_success_time;not null" json:"ip_address"`
	Success   bool      `gorm:"index:idx_email_success_time;index:idx_ip_success_time;not null" json:"success"`
	UserAgent string    `gorm:"type:varchar(512)" json:"user_agent"`
	CreatedAt time.Time `gorm:"index:idx_email_success_time;index:idx_ip_success_time;not null" json:"created_at"`
}

func (LoginAttempt) TableName() string {
	return "login_attempt"
}

// AccountLock 登录锁定记录
//
// 是否锁定必须每次按 now < locked_until 计算，过期记录视为不存在。
type AccountLock struct {
	Email       string    `gorm:"type:varchar(254);primaryKey" json:"email"`
	LockedAt    time.Time `gorm:"not null" json:"locked_at"`
	LockedUntil time.Time `gorm:"not null" json:"locked_until"`
	Reason      string    `gorm:"type:varchar(256)" json:"reason"`
}

func (AccountLock) TableName() string {
	return "account_lock"
}

// Active 锁在 now 时刻是否仍然生效
func (l *AccountLock) Active(now time.Time) bool {
	return l != nil && now.Before(l.LockedUntil)
}

package model

import (
	"time"
)

// UserCredential 本地邮箱密码登录凭证
type UserCredential struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`
	Email        string    `gorm:"type:varchar(254);uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"type:varchar(128);not null" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (UserCredential) TableName() string {
	return "user_credential"
}

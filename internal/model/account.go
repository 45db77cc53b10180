package model

import (
	"time"
)

// Account 用户代币账户
//
// user_id 由外部认证系统分配；canonical_email 是归一化后的身份，唯一。
// tokens 永远不能为负，只允许通过账本的 debit/credit 修改。
type Account struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`
	RawEmail       string    `gorm:"type:varchar(254);not null" json:"raw_email"`             // 注册时的原始写法（trim+小写）
	CanonicalEmail string    `gorm:"type:varchar(254);uniqueIndex;not null" json:"-"`          // 别名折叠后的身份
	Tokens         int64     `gorm:"not null;default:0;check:tokens >= 0" json:"tokens"`       // 代币余额
	Version        int       `gorm:"not null;default:0" json:"version"`                        // 每次变动 +1，便于排查
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

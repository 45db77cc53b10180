package model

import (
	"time"

	"gorm.io/datatypes"
)

// GenerationHistory 生成历史，给用户的"我的作品"页使用
type GenerationHistory struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string         `gorm:"type:varchar(64);index;not null" json:"user_id"`
	IntentNo  string         `gorm:"type:varchar(64);index;not null" json:"intent_no"`
	Kind      string         `gorm:"type:varchar(32);not null" json:"kind"`
	Tier      string         `gorm:"type:varchar(16);not null" json:"tier"`
	Cost      int64          `gorm:"not null" json:"cost"`
	Assets    datatypes.JSON `gorm:"type:json" json:"assets"` // name -> url
	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (GenerationHistory) TableName() string {
	return "generation_history"
}

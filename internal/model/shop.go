package model

import "time"

// Shop 商铺，读路径走旁路缓存。
type Shop struct {
	ID        int64     `gorm:"primaryKey" json:"id" msgpack:"id"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`

	Name     string `gorm:"size:128;not null" json:"name" msgpack:"name"`
	TypeID   int64  `gorm:"not null;index" json:"type_id" msgpack:"type_id"`
	Address  string `gorm:"size:255" json:"address" msgpack:"address"`
	AvgPrice int64  `gorm:"not null;default:0" json:"avg_price" msgpack:"avg_price"` // 单位：分
	Score    int    `gorm:"not null;default:0" json:"score" msgpack:"score"`       // 10 倍评分
}

func (Shop) TableName() string { return "shops" }

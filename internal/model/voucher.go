package model

import "time"

// SeckillVoucher 秒杀券：库存、面值、秒杀时间段
type SeckillVoucher struct {
	VoucherID int64     `gorm:"primaryKey;autoIncrement:false" json:"voucher_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Stock 是权威库存，只在落单事务里做 stock = stock - 1 WHERE stock > 0；
	// 秒杀资格判定走 Redis 里预热的副本。
	Title     string    `gorm:"size:128;not null" json:"title"`
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	PayValue  int64     `gorm:"not null" json:"pay_value"` // 单位：分
	BeginTime time.Time `gorm:"not null" json:"begin_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
}

func (SeckillVoucher) TableName() string { return "seckill_vouchers" }

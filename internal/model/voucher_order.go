package model

import "time"

// VoucherOrderStatus 订单状态。
type VoucherOrderStatus int

const (
	VoucherOrderUnpaid   VoucherOrderStatus = iota + 1 // 待支付
	VoucherOrderPaid                                   // 已支付
	VoucherOrderCanceled                               // 已取消
)

// VoucherOrder 秒杀订单；ID 由 Redis ID 生成器分配，不使用自增主键。
// (user_id, voucher_id) 唯一索引是一人一单的最后一道防线。
type VoucherOrder struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID    int64              `gorm:"not null;uniqueIndex:idx_user_voucher" json:"user_id"`
	VoucherID int64              `gorm:"not null;uniqueIndex:idx_user_voucher;index" json:"voucher_id"`
	Status    VoucherOrderStatus `gorm:"not null;default:1" json:"status"`
}

func (VoucherOrder) TableName() string { return "voucher_orders" }

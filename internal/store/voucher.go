package store

import (
	"context"
	"fmt"

	"dianping/internal/model"

	"gorm.io/gorm"
)

// CreateSeckillVoucher 新建秒杀券。
func (s *Store) CreateSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error {
	return s.db.WithContext(ctx).Create(v).Error
}

// GetSeckillVoucher 不存在时返回 (nil, nil)，可直接作为缓存 loader。
func (s *Store) GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	return first[model.SeckillVoucher](ctx, s.db, "voucher_id = ?", voucherID)
}

// CreateVoucherOrder 在一个事务里完成：
//  1. 一人一单复查（count）
//  2. 扣减库存 stock = stock - 1 WHERE stock > 0
//  3. 写订单
//
// 任一步失败整体回滚。
func (s *Store) CreateVoucherOrder(ctx context.Context, o *model.VoucherOrder) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.VoucherOrder{}).
			Where("user_id = ? AND voucher_id = ?", o.UserID, o.VoucherID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("count orders: %w", err)
		}
		if count > 0 {
			return ErrDuplicateOrder
		}

		res := tx.Model(&model.SeckillVoucher{}).
			Where("voucher_id = ? AND stock > 0", o.VoucherID).
			UpdateColumn("stock", gorm.Expr("stock - ?", 1))
		if res.Error != nil {
			return fmt.Errorf("decrement stock: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStockExhausted
		}

		if o.Status == 0 {
			o.Status = model.VoucherOrderUnpaid
		}
		if err := tx.Create(o).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateOrder
			}
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// GetVoucherOrder 不存在时返回 (nil, nil)。
func (s *Store) GetVoucherOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error) {
	return first[model.VoucherOrder](ctx, s.db, "id = ?", orderID)
}

// CountVoucherOrders 统计某张券的已落单数量。
func (s *Store) CountVoucherOrders(ctx context.Context, voucherID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).Where("voucher_id = ?", voucherID).Count(&n).Error
	return n, err
}

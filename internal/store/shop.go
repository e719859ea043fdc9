package store

import (
	"context"

	"dianping/internal/model"
)

func (s *Store) CreateShop(ctx context.Context, shop *model.Shop) error {
	return s.db.WithContext(ctx).Create(shop).Error
}

// GetShop 不存在时返回 (nil, nil)。
func (s *Store) GetShop(ctx context.Context, id int64) (*model.Shop, error) {
	return first[model.Shop](ctx, s.db, "id = ?", id)
}

// UpdateShop 按 ID 更新非零字段。
func (s *Store) UpdateShop(ctx context.Context, shop *model.Shop) error {
	res := s.db.WithContext(ctx).Model(&model.Shop{ID: shop.ID}).Updates(shop)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Package shop 是旁路缓存的典型使用方：按 id 查询商铺走空值缓存，热点商铺走逻辑过期。
package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dianping/internal/cache"
	"dianping/internal/model"
)

const (
	// CachePrefix 普通查询（空值缓存）的 key 前缀。
	CachePrefix = "cache:shop:"
	// HotCachePrefix 热点查询（逻辑过期）的 key 前缀，和普通查询的编码不同，不能混用。
	HotCachePrefix = "cache:shop:hot:"
)

var (
	ErrInvalidShop = errors.New("shop: id is required")
	ErrNotFound    = errors.New("shop: not found")
)

// Store 商铺持久化，*store.Store 满足该接口。
type Store interface {
	GetShop(ctx context.Context, id int64) (*model.Shop, error)
	UpdateShop(ctx context.Context, shop *model.Shop) error
}

type Service struct {
	store Store
	cache *cache.Client
	ttl   time.Duration
}

func New(st Store, cc *cache.Client, ttl time.Duration) *Service {
	return &Service{store: st, cache: cc, ttl: ttl}
}

// QueryByID 不存在时返回 (nil, nil)。
func (s *Service) QueryByID(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.QueryWithPassThrough[model.Shop, int64](ctx, s.cache, CachePrefix, id, s.store.GetShop, s.ttl)
}

// QueryHot 只读预热过的 key；未预热的商铺返回 (nil, nil)。
func (s *Service) QueryHot(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.QueryWithLogicalExpire[model.Shop, int64](ctx, s.cache, HotCachePrefix, id, s.store.GetShop, s.ttl)
}

// Update 先写库再删缓存。热点 key 不删除，等逻辑过期后由异步重建刷新。
func (s *Service) Update(ctx context.Context, shop *model.Shop) error {
	if shop == nil || shop.ID == 0 {
		return ErrInvalidShop
	}
	if err := s.store.UpdateShop(ctx, shop); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cache.Key(CachePrefix, shop.ID)); err != nil {
		return fmt.Errorf("invalidate shop %d: %w", shop.ID, err)
	}
	return nil
}

// Warm 从数据库加载并写入逻辑过期信封，供 QueryHot 使用。
func (s *Service) Warm(ctx context.Context, id int64, ttl time.Duration) error {
	shop, err := s.store.GetShop(ctx, id)
	if err != nil {
		return err
	}
	if shop == nil {
		return ErrNotFound
	}
	return s.cache.SetWithLogicalExpire(ctx, cache.Key(HotCachePrefix, id), shop, ttl)
}

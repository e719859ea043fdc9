// Package cache 实现基于 Redis 的旁路缓存：
// 缓存空值防穿透（QueryWithPassThrough），逻辑过期 + 互斥重建防击穿（QueryWithLogicalExpire）。
//
// 同一个 key 只能使用一种编码：带 TTL 的裸值，或不带 TTL 的 {data, expireAt} 信封。
package cache

import (
	"context"
	"io"
	"time"

	rediskey "dianping/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultNullTTL        = 2 * time.Minute
	defaultLockLease      = 10 * time.Second
	defaultWorkers        = 10
	defaultQueueSize      = 1024
	defaultRebuildTimeout = 10 * time.Second
)

// Loader 从数据源加载实体；返回 (nil, nil) 表示数据不存在。
// 必须幂等且只读。
type Loader[ID any, V any] func(ctx context.Context, id ID) (*V, error)

// Options 未设置的字段使用默认值。
type Options struct {
	Codec          Codec
	NullTTL        time.Duration // 空值标记的 TTL
	LockLease      time.Duration // 重建互斥锁租期
	Workers        int           // 重建 worker 数
	QueueSize      int           // 重建任务队列长度
	RebuildTimeout time.Duration // 单次回源超时，空值缓存和逻辑过期重建共用
	Logger         logrus.FieldLogger
	Clock          func() time.Time
}

// Client 旁路缓存客户端，并发安全。
type Client struct {
	rdb   rd.UniversalClient
	codec Codec
	log   logrus.FieldLogger
	now   func() time.Time

	nullTTL     time.Duration
	lockLease   time.Duration
	loadTimeout time.Duration

	sf   singleflight.Group
	pool *rebuildPool
}

func New(rdb rd.UniversalClient, opts Options) *Client {
	c := &Client{
		rdb:         rdb,
		codec:       opts.Codec,
		log:         opts.Logger,
		now:         opts.Clock,
		nullTTL:     coalesce(opts.NullTTL, defaultNullTTL),
		lockLease:   coalesce(opts.LockLease, defaultLockLease),
		loadTimeout: coalesce(opts.RebuildTimeout, defaultRebuildTimeout),
	}
	if c.codec == nil {
		c.codec = JSONCodec{}
	}
	if c.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.log = l
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.pool = newRebuildPool(coalesce(opts.Workers, defaultWorkers), coalesce(opts.QueueSize, defaultQueueSize))
	return c
}

// Key 拼出缓存 key：keyPrefix + id。
func Key(keyPrefix string, id any) string {
	return rediskey.CacheKey(keyPrefix, id)
}

// Set 写入带 TTL 的裸值。
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := c.codec.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// SetWithLogicalExpire 写入逻辑过期信封，不设置 Redis TTL。用于预热热点 key。
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := c.codec.Marshal(wireEnvelope{Data: value, ExpireAt: c.now().Add(ttl)})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, 0).Err()
}

// Delete 主动失效，例如实体更新之后。
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Close 等待已提交的重建任务完成。
func (c *Client) Close() {
	c.pool.close()
}

func coalesce[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}

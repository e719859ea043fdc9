package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	rediskey "dianping/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// envelope 逻辑过期信封，过期时间由应用判断而非 Redis TTL。
type envelope[V any] struct {
	Data     *V        `json:"data" msgpack:"data"`
	ExpireAt time.Time `json:"expireAt" msgpack:"expireAt"`
}

// wireEnvelope 写入侧使用，字段与 envelope 保持一致。
type wireEnvelope struct {
	Data     any       `json:"data" msgpack:"data"`
	ExpireAt time.Time `json:"expireAt" msgpack:"expireAt"`
}

// QueryWithLogicalExpire 读取逻辑过期信封，可能返回过期数据。
//   - 未命中：返回 nil（假定已预热，不回源，避免击穿）
//   - 未过期：直接返回
//   - 已过期：抢互斥锁，抢到则提交后台重建；无论结果如何，重新读取当前信封并返回
func QueryWithLogicalExpire[V any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, loader Loader[ID, V], ttl time.Duration) (*V, error) {
	key := Key(keyPrefix, id)

	env, ok, err := readEnvelope[V](ctx, c, key)
	if err != nil || !ok {
		return nil, err
	}
	if env.ExpireAt.After(c.now()) {
		return env.Data, nil
	}

	lock := rediskey.NewSimpleLock(c.rdb, "rebuild:"+key, "")
	acquired, err := lock.TryLock(ctx, c.lockLease)
	if err != nil {
		return nil, fmt.Errorf("cache rebuild lock %s: %w", key, err)
	}
	if acquired {
		task := func() { rebuild(c, lock, key, id, loader, ttl) }
		if !c.pool.submit(task) {
			c.log.WithField("key", key).Warn("cache rebuild pool saturated, skip rebuild")
			unlock(c, lock, key)
		}
	}

	env, ok, err = readEnvelope[V](ctx, c, key)
	if err != nil || !ok {
		return nil, err
	}
	return env.Data, nil
}

func readEnvelope[V any](ctx context.Context, c *Client, key string) (envelope[V], bool, error) {
	var env envelope[V]
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, rd.Nil) {
		return env, false, nil
	}
	if err != nil {
		return env, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := c.codec.Unmarshal(raw, &env); err != nil {
		return env, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return env, true, nil
}

// rebuild 在后台 worker 中执行；任何退出路径都会释放锁。
func rebuild[V any, ID any](c *Client, lock *rediskey.SimpleLock, key string, id ID, loader Loader[ID, V], ttl time.Duration) {
	defer unlock(c, lock, key)
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{"key": key, "panic": r}).Error("cache rebuild panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.loadTimeout)
	defer cancel()

	v, err := loader(ctx, id)
	if err != nil {
		c.log.WithFields(logrus.Fields{"key": key, "error": err}).Error("cache rebuild load failed")
		return
	}
	if err := c.SetWithLogicalExpire(ctx, key, v, ttl); err != nil {
		c.log.WithFields(logrus.Fields{"key": key, "error": err}).Error("cache rebuild write failed")
		return
	}
	c.log.WithField("key", key).Debug("cache rebuilt")
}

func unlock(c *Client, lock *rediskey.SimpleLock, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := lock.Unlock(ctx); err != nil {
		c.log.WithFields(logrus.Fields{"key": key, "error": err}).Warn("cache rebuild unlock failed")
	}
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// nullMarker 缓存的「不存在」标记。
const nullMarker = ""

// QueryWithPassThrough 查询并缓存空值，防止不存在的 id 反复打到数据库。
//   - 命中非空值：解码返回
//   - 命中空值标记：直接返回 nil，不调用 loader
//   - 未命中：调用 loader；nil 写空值标记（短 TTL），非 nil 写完整值（ttl）
//
// loader 的错误原样返回，不会被缓存成空值。
func QueryWithPassThrough[V any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, loader Loader[ID, V], ttl time.Duration) (*V, error) {
	key := Key(keyPrefix, id)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if string(raw) == nullMarker {
			return nil, nil
		}
		v := new(V)
		decodeErr := c.codec.Unmarshal(raw, v)
		if decodeErr == nil {
			return v, nil
		}
		// 编码不匹配或脏数据：删掉后按未命中处理
		c.log.WithFields(logrus.Fields{"key": key, "error": decodeErr}).Warn("cache decode failed, reloading")
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.log.WithFields(logrus.Fields{"key": key, "error": err}).Warn("cache delete failed")
		}
	case !errors.Is(err, rd.Nil):
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}

	// 同一进程内同一个 key 的并发未命中只回源一次。
	// 回源不继承发起者的取消信号，否则第一个调用方断开会让所有等待者一起失败；
	// 每个调用方只受自己的 ctx 约束。
	ch := c.sf.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()

		v, err := loader(lctx, id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			if err := c.rdb.Set(lctx, key, nullMarker, c.nullTTL).Err(); err != nil {
				c.log.WithFields(logrus.Fields{"key": key, "error": err}).Warn("cache null marker write failed")
			}
			return (*V)(nil), nil
		}
		if err := c.Set(lctx, key, v, ttl); err != nil {
			c.log.WithFields(logrus.Fields{"key": key, "error": err}).Warn("cache write failed")
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			c.log.WithField("key", key).Debug("cache miss shared")
		}
		return r.Val.(*V), nil
	}
}

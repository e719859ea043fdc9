package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// IDEpoch 2025-01-01T00:00:00Z，时间戳部分相对它计算。
	IDEpoch int64 = 1735689600
	// countBits 低 32 位留给当天的序列号。
	countBits = 32
	maxCount  = 1<<countBits - 1

	// counterTTL 计数器只在当天有意义，保留两天后由 Redis 回收。
	counterTTL = 48 * time.Hour
)

var (
	ErrClockBeforeEpoch = errors.New("id worker: clock is before epoch")
	ErrCounterOverflow  = errors.New("id worker: daily counter overflow")
)

// IDWorker 生成全局唯一 ID：高位为秒级时间戳，低 32 位为 Redis 按天自增的序列号。
type IDWorker struct {
	rdb rd.UniversalClient
	now func() time.Time
}

// IDWorkerOption 用于测试注入时钟。
type IDWorkerOption func(*IDWorker)

func WithClock(now func() time.Time) IDWorkerOption {
	return func(w *IDWorker) { w.now = now }
}

func NewIDWorker(rdb rd.UniversalClient, opts ...IDWorkerOption) *IDWorker {
	w := &IDWorker{rdb: rdb, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NextID INCR 失败时直接返回错误，绝不自行拼出一个 ID。
func (w *IDWorker) NextID(ctx context.Context, namespace string) (int64, error) {
	now := w.now().UTC()
	timestamp := now.Unix() - IDEpoch
	if timestamp < 0 {
		return 0, ErrClockBeforeEpoch
	}

	date := now.Format("2006:01:02")
	key := IDCounterKey(namespace, date)

	var incr *rd.IntCmd
	_, err := w.rdb.Pipelined(ctx, func(p rd.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, counterTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("id worker incr %s: %w", namespace, err)
	}
	count := incr.Val()
	if count > maxCount {
		return 0, ErrCounterOverflow
	}
	return timestamp<<countBits | count, nil
}

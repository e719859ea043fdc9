package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"dianping/internal/model"
	"dianping/internal/queue"
	"dianping/internal/store"
	rediskey "dianping/pkg/redis"

	"github.com/sirupsen/logrus"
)

// Start 启动唯一的落单 worker，重复调用无效。
func (s *Service) Start() {
	s.once.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		go s.run()
	})
}

// Close 停止受理新请求，并等待 worker 处理完队列中已有的任务。
// 未调用过 Start 时，队列中的任务直接丢弃。
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.tasks)
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("seckill drain: %w", ctx.Err())
	}
}

// Pending 返回队列中等待落单的任务数。
func (s *Service) Pending() int { return len(s.tasks) }

// run 严格按入队顺序处理，单个任务失败不影响后续任务。
func (s *Service) run() {
	defer close(s.done)
	for t := range s.tasks {
		s.handle(t)
	}
}

// handle 的终态写入和解锁都使用独立的短超时 ctx：
// 落单超时后 ctx 已失效，复用它会让订单停在 pending、用户锁一直占到租期结束。
func (s *Service) handle(t OrderTask) {
	log := s.log.WithFields(logrus.Fields{
		"order_id":   t.OrderID,
		"user_id":    t.UserID,
		"voucher_id": t.VoucherID,
	})
	finished := false
	finish := func(status, reason string) {
		finished = true
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		s.putState(ctx, t, status, reason)
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("seckill task panicked")
			if !finished {
				finish(rediskey.OrderFailed, "panic")
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
	defer cancel()

	// 锁按用户而不是按券，和一人一单的粒度一致
	lock := rediskey.NewReentrantLock(s.rdb, "order:"+strconv.FormatInt(t.UserID, 10), s.lockOwner)
	ok, err := lock.TryLock(ctx, s.lockLease)
	if err != nil {
		log.WithError(err).Error("seckill lock failed")
		finish(rediskey.OrderFailed, "lock_error")
		return
	}
	if !ok {
		// Lua 已经做过去重，拿不到锁说明同一用户竞争异常，丢弃并记录
		log.Warn("seckill lock busy, task dropped")
		finish(rediskey.OrderFailed, "lock_busy")
		return
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := lock.Unlock(uctx); err != nil {
			log.WithError(err).Warn("seckill unlock failed")
		}
	}()

	o := &model.VoucherOrder{ID: t.OrderID, UserID: t.UserID, VoucherID: t.VoucherID}
	if err := s.store.CreateVoucherOrder(ctx, o); err != nil {
		reason := "persist_error"
		switch {
		case errors.Is(err, store.ErrDuplicateOrder):
			reason = "duplicate_order"
			log.Warn("seckill persist found duplicate order, dropped")
		case errors.Is(err, store.ErrStockExhausted):
			reason = "stock_exhausted"
			log.Warn("seckill persist found no stock, dropped")
		default:
			log.WithError(err).Error("seckill persist failed")
		}
		finish(rediskey.OrderFailed, reason)
		return
	}
	finish(rediskey.OrderCreated, "")
	log.Debug("seckill order created")

	pctx, pcancel := context.WithTimeout(context.Background(), s.taskTimeout)
	defer pcancel()
	s.publish(pctx, o, log)
}

// publish 发布失败只记日志：订单已落库，事件是尽力而为。
func (s *Service) publish(ctx context.Context, o *model.VoucherOrder, log logrus.FieldLogger) {
	if s.pub == nil {
		return
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	msg := queue.OrderMessage{
		OrderID:   o.ID,
		UserID:    o.UserID,
		VoucherID: o.VoucherID,
		CreatedAt: createdAt.UTC().Truncate(time.Millisecond),
	}
	if err := s.pub.Publish(ctx, msg); err != nil {
		log.WithError(err).Warn("order event publish failed")
	}
}

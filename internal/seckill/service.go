// Package seckill 实现秒杀下单链路：
// Redis Lua 原子判定资格（库存 + 一人一单）→ 进程内有界队列 → 单 worker 在用户锁下事务落单。
package seckill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"dianping/internal/cache"
	"dianping/internal/model"
	"dianping/internal/queue"
	rediskey "dianping/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultQueueSize   = 1 << 20
	defaultLockLease   = 10 * time.Second
	defaultStateTTL    = 24 * time.Hour
	defaultVoucherTTL  = 30 * time.Minute
	defaultTaskTimeout = 10 * time.Second

	// cleanupTimeout 回补库存、写终态、解锁这类收尾操作的超时，不依赖请求或任务 ctx。
	cleanupTimeout = 3 * time.Second

	// voucherCachePrefix 秒杀券元数据的缓存前缀。
	voucherCachePrefix = "cache:seckill_voucher:"
	// orderIDNamespace 订单 ID 的计数器命名空间。
	orderIDNamespace = "order"
)

// Store 是落库的协作者，*store.Store 满足该接口。
type Store interface {
	CreateSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error
	GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
	CreateVoucherOrder(ctx context.Context, o *model.VoucherOrder) error
	GetVoucherOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error)
}

// IDGenerator 分配全局唯一订单 ID。
type IDGenerator interface {
	NextID(ctx context.Context, namespace string) (int64, error)
}

// Publisher 在订单落库后发布事件；可为空。
type Publisher interface {
	Publish(ctx context.Context, msg queue.OrderMessage) error
}

// OrderTask 通过资格判定后生成，入队后不再修改。
type OrderTask struct {
	OrderID   int64
	UserID    int64
	VoucherID int64
}

// Options 未设置的字段使用默认值。
type Options struct {
	QueueSize   int
	LockLease   time.Duration // 落单时用户锁的租期
	StateTTL    time.Duration // Redis 里订单处理状态的保留时间
	VoucherTTL  time.Duration // 秒杀券元数据缓存 TTL
	StockTTL    time.Duration // 预热库存 key 的 TTL，0 表示不过期
	TaskTimeout time.Duration
	Publisher   Publisher
	Logger      logrus.FieldLogger
	Clock       func() time.Time
}

// Service 秒杀服务。Submit 可并发调用；落单只由一个后台 worker 串行执行。
type Service struct {
	rdb   rd.UniversalClient
	store Store
	ids   IDGenerator
	cache *cache.Client
	pub   Publisher
	log   logrus.FieldLogger
	now   func() time.Time

	lockLease   time.Duration
	lockOwner   string
	stateTTL    time.Duration
	voucherTTL  time.Duration
	stockTTL    time.Duration
	taskTimeout time.Duration

	// mu 保护 closed，并保证 Close 之后不会再向 tasks 发送。
	mu      sync.RWMutex
	closed  bool
	tasks   chan OrderTask
	started bool
	done    chan struct{}
	once    sync.Once
}

func New(rdb rd.UniversalClient, st Store, ids IDGenerator, cc *cache.Client, opts Options) *Service {
	s := &Service{
		rdb:         rdb,
		store:       st,
		ids:         ids,
		cache:       cc,
		pub:         opts.Publisher,
		log:         opts.Logger,
		now:         opts.Clock,
		lockLease:   orDefault(opts.LockLease, defaultLockLease),
		lockOwner:   rediskey.OwnerToken("seckill-worker"),
		stateTTL:    orDefault(opts.StateTTL, defaultStateTTL),
		voucherTTL:  orDefault(opts.VoucherTTL, defaultVoucherTTL),
		stockTTL:    opts.StockTTL,
		taskTimeout: orDefault(opts.TaskTimeout, defaultTaskTimeout),
		tasks:       make(chan OrderTask, queueSize(opts.QueueSize)),
		done:        make(chan struct{}),
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateVoucher 新建秒杀券并把库存预热到 Redis。
func (s *Service) CreateVoucher(ctx context.Context, v *model.SeckillVoucher) error {
	if v == nil || v.VoucherID <= 0 || v.Stock < 0 || !v.EndTime.After(v.BeginTime) {
		return ErrInvalidRequest
	}
	if err := s.store.CreateSeckillVoucher(ctx, v); err != nil {
		return fmt.Errorf("%w: create voucher: %w", ErrUnavailable, err)
	}
	if err := rediskey.PreloadStock(ctx, s.rdb, v.VoucherID, v.Stock, s.stockTTL); err != nil {
		return fmt.Errorf("%w: preload stock: %w", ErrUnavailable, err)
	}
	// 之前查询过不存在的 id 时，缓存里可能留着空值标记
	if err := s.cache.Delete(ctx, cache.Key(voucherCachePrefix, v.VoucherID)); err != nil {
		s.log.WithFields(logrus.Fields{"voucher_id": v.VoucherID, "error": err}).Warn("voucher cache invalidate failed")
	}
	return nil
}

// Stock 返回 Redis 中的实时库存。
func (s *Service) Stock(ctx context.Context, voucherID int64) (int64, error) {
	n, err := rediskey.GetStock(ctx, s.rdb, voucherID)
	if err != nil {
		return 0, fmt.Errorf("%w: get stock: %w", ErrUnavailable, err)
	}
	return n, nil
}

// Submit 判定秒杀资格并异步落单，成功时返回已分配的订单 ID。
// 返回 nil 只代表「已受理」，最终结果通过 Order 查询。
func (s *Service) Submit(ctx context.Context, userID, voucherID int64) (int64, error) {
	if userID <= 0 || voucherID <= 0 {
		return 0, ErrInvalidRequest
	}

	v, err := cache.QueryWithPassThrough[model.SeckillVoucher, int64](ctx, s.cache, voucherCachePrefix, voucherID, s.store.GetSeckillVoucher, s.voucherTTL)
	if err != nil {
		return 0, fmt.Errorf("%w: load voucher: %w", ErrUnavailable, err)
	}
	if v == nil {
		return 0, ErrVoucherNotFound
	}
	now := s.now()
	if now.Before(v.BeginTime) {
		return 0, ErrNotStarted
	}
	if now.After(v.EndTime) {
		return 0, ErrEnded
	}

	code, err := rediskey.CheckSeckill(ctx, s.rdb, voucherID, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: check seckill: %w", ErrUnavailable, err)
	}
	switch code {
	case rediskey.SeckillAdmitted:
	case rediskey.SeckillInsufficientStock:
		return 0, ErrInsufficientStock
	case rediskey.SeckillDuplicateOrder:
		return 0, ErrDuplicateOrder
	default:
		return 0, fmt.Errorf("%w: unexpected seckill code %d", ErrUnavailable, code)
	}

	// 从这里开始 Redis 已预扣库存，任何失败都要回补
	attemptID := uuid.NewString()
	orderID, err := s.ids.NextID(ctx, orderIDNamespace)
	if err != nil {
		s.rollback(attemptID, userID, voucherID)
		return 0, fmt.Errorf("%w: next id: %w", ErrUnavailable, err)
	}

	task := OrderTask{OrderID: orderID, UserID: userID, VoucherID: voucherID}
	s.putState(ctx, task, rediskey.OrderPending, "")

	if err := s.enqueue(task); err != nil {
		s.rollback(attemptID, userID, voucherID)
		s.putState(ctx, task, rediskey.OrderFailed, reasonOf(err))
		return 0, err
	}
	return orderID, nil
}

func (s *Service) enqueue(t OrderTask) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.tasks <- t:
		return nil
	default:
		return ErrBusy
	}
}

// rollback 撤销一次已预扣库存的尝试；请求 ctx 可能已取消，使用独立超时。
func (s *Service) rollback(attemptID string, userID, voucherID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_, err := rediskey.RollbackSeckill(ctx, s.rdb, attemptID, voucherID, userID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"attempt_id": attemptID,
			"user_id":    userID,
			"voucher_id": voucherID,
			"error":      err,
		}).Error("seckill rollback failed")
	}
}

func (s *Service) putState(ctx context.Context, t OrderTask, status, reason string) {
	st := rediskey.OrderState{
		OrderID:   t.OrderID,
		VoucherID: t.VoucherID,
		UserID:    t.UserID,
		Status:    status,
		Reason:    reason,
	}
	if err := rediskey.PutOrderState(ctx, s.rdb, st, s.stateTTL); err != nil {
		s.log.WithFields(logrus.Fields{"order_id": t.OrderID, "status": status, "error": err}).Warn("order state write failed")
	}
}

// OrderView 是对外的订单处理结果。
type OrderView struct {
	OrderID   int64     `json:"order_id"`
	UserID    int64     `json:"user_id"`
	VoucherID int64     `json:"voucher_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Order 先查数据库，未落库时回退到 Redis 中的处理状态。
func (s *Service) Order(ctx context.Context, orderID int64) (*OrderView, error) {
	o, err := s.store.GetVoucherOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: get order: %w", ErrUnavailable, err)
	}
	if o != nil {
		return &OrderView{
			OrderID:   o.ID,
			UserID:    o.UserID,
			VoucherID: o.VoucherID,
			Status:    rediskey.OrderCreated,
			CreatedAt: o.CreatedAt,
		}, nil
	}

	st, found, err := rediskey.GetOrderState(ctx, s.rdb, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: get order state: %w", ErrUnavailable, err)
	}
	if !found {
		return nil, ErrOrderNotFound
	}
	return &OrderView{
		OrderID:   st.OrderID,
		UserID:    st.UserID,
		VoucherID: st.VoucherID,
		Status:    st.Status,
		Reason:    st.Reason,
	}, nil
}

// reasonOf 把错误归类为写入订单状态的原因码。
func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

func queueSize(n int) int {
	if n <= 0 {
		return defaultQueueSize
	}
	return n
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

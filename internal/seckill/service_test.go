package seckill

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dianping/internal/cache"
	"dianping/internal/model"
	"dianping/internal/queue"
	"dianping/internal/store"
	"dianping/internal/store/storetest"
	rediskey "dianping/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
)

type fixture struct {
	mr  *miniredis.Miniredis
	rdb *rd.Client
	st  *store.Store
	svc *Service
}

func newFixture(t *testing.T, ids IDGenerator, opts Options) *fixture {
	t.Helper()
	return newFixtureWithStore(t, ids, nil, opts)
}

// newFixtureWithStore 允许用 wrap 替换 Service 看到的 Store，以注入落单故障。
func newFixtureWithStore(t *testing.T, ids IDGenerator, wrap func(*store.Store) Store, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	st := store.New(storetest.NewDB(t))
	cc := cache.New(rdb, cache.Options{})
	if ids == nil {
		ids = rediskey.NewIDWorker(rdb)
	}
	var svcStore Store = st
	if wrap != nil {
		svcStore = wrap(st)
	}
	svc := New(rdb, svcStore, ids, cc, opts)
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
		cc.Close()
		_ = rdb.Close()
	})
	return &fixture{mr: mr, rdb: rdb, st: st, svc: svc}
}

func (f *fixture) createVoucher(t *testing.T, id, stock int64, begin, end time.Time) {
	t.Helper()
	v := &model.SeckillVoucher{
		VoucherID: id,
		Title:     "voucher " + strconv.FormatInt(id, 10),
		Stock:     stock,
		PayValue:  1000,
		BeginTime: begin,
		EndTime:   end,
	}
	if err := f.svc.CreateVoucher(context.Background(), v); err != nil {
		t.Fatalf("CreateVoucher: %v", err)
	}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func openWindow() (time.Time, time.Time) {
	now := time.Now()
	return now.Add(-time.Hour), now.Add(time.Hour)
}

func TestSubmitNoOversell(t *testing.T) {
	const stock, users = 10, 200
	f := newFixture(t, nil, Options{})
	begin, end := openWindow()
	f.createVoucher(t, 1, stock, begin, end)
	f.svc.Start()

	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	for u := 1; u <= users; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), userID, 1)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("user %d: %v", userID, err)
			}
		}(int64(u))
	}
	wg.Wait()

	if admitted.Load() != stock || rejected.Load() != users-stock {
		t.Fatalf("admitted=%d rejected=%d", admitted.Load(), rejected.Load())
	}

	f.drain(t)
	ctx := context.Background()
	n, err := f.st.CountVoucherOrders(ctx, 1)
	if err != nil || n != stock {
		t.Fatalf("orders=%d err=%v", n, err)
	}
	v, _ := f.st.GetSeckillVoucher(ctx, 1)
	if v.Stock != 0 {
		t.Fatalf("db stock=%d want 0", v.Stock)
	}
	if left, _ := rediskey.GetStock(ctx, f.rdb, 1); left != 0 {
		t.Fatalf("redis stock=%d want 0", left)
	}
}

func TestSubmitLastUnit(t *testing.T) {
	f := newFixture(t, nil, Options{})
	begin, end := openWindow()
	f.createVoucher(t, 1, 1, begin, end)
	f.svc.Start()
	ctx := context.Background()

	users := []int64{100, 200}
	orderIDs := make([]int64, len(users))
	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			orderIDs[i], errs[i] = f.svc.Submit(ctx, userID, 1)
		}(i, u)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner >= 0 {
				t.Fatal("both users admitted for the last unit")
			}
			winner = i
		case !errors.Is(err, ErrInsufficientStock):
			t.Fatalf("user %d: %v", users[i], err)
		}
	}
	if winner < 0 {
		t.Fatal("no user admitted")
	}
	f.drain(t)

	got, err := f.svc.Order(ctx, orderIDs[winner])
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != rediskey.OrderCreated || got.UserID != users[winner] || got.VoucherID != 1 {
		t.Fatalf("order=%+v", got)
	}
	n, _ := f.st.CountVoucherOrders(ctx, 1)
	v, _ := f.st.GetSeckillVoucher(ctx, 1)
	if n != 1 || v.Stock != 0 {
		t.Fatalf("orders=%d stock=%d", n, v.Stock)
	}
}

func TestSubmitDuplicate(t *testing.T) {
	f := newFixture(t, nil, Options{})
	begin, end := openWindow()
	f.createVoucher(t, 1, 5, begin, end)
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Submit(ctx, 7, 1); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("err=%v want ErrDuplicateOrder", err)
	}
	if left, _ := f.svc.Stock(ctx, 1); left != 4 {
		t.Fatalf("stock=%d want 4", left)
	}
}

func TestSubmitWindow(t *testing.T) {
	now := time.Now()
	f := newFixture(t, nil, Options{Clock: func() time.Time { return now }})
	f.createVoucher(t, 1, 5, now.Add(time.Hour), now.Add(2*time.Hour))
	f.createVoucher(t, 2, 5, now.Add(-2*time.Hour), now.Add(-time.Hour))
	ctx := context.Background()

	tests := []struct {
		name      string
		userID    int64
		voucherID int64
		want      error
	}{
		{"not started", 1, 1, ErrNotStarted},
		{"ended", 1, 2, ErrEnded},
		{"unknown voucher", 1, 99, ErrVoucherNotFound},
		{"bad user", 0, 1, ErrInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Submit(ctx, tc.userID, tc.voucherID); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}

	// 被拒绝的请求不能碰库存
	if left, _ := f.svc.Stock(ctx, 1); left != 5 {
		t.Fatalf("stock=%d want 5", left)
	}
}

func TestSubmitBusyRollsBack(t *testing.T) {
	f := newFixture(t, nil, Options{QueueSize: 1})
	begin, end := openWindow()
	f.createVoucher(t, 1, 5, begin, end)
	ctx := context.Background()

	// worker 未启动，队列只能容纳一个任务
	if _, err := f.svc.Submit(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Submit(ctx, 2, 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("err=%v want ErrBusy", err)
	}
	if left, _ := f.svc.Stock(ctx, 1); left != 4 {
		t.Fatalf("stock=%d want 4 after rollback", left)
	}
	if ok, _ := f.mr.SIsMember(rediskey.SeckillOrderKey(1), "2"); ok {
		t.Fatal("rolled back user still in buyer set")
	}

	f.svc.Start()
	f.drain(t)
	if n, _ := f.st.CountVoucherOrders(ctx, 1); n != 1 {
		t.Fatalf("orders=%d want 1", n)
	}
	if _, err := f.svc.Submit(ctx, 3, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}

type failingIDs struct{}

func (failingIDs) NextID(context.Context, string) (int64, error) {
	return 0, errors.New("redis down")
}

func TestSubmitIDFailureRollsBack(t *testing.T) {
	f := newFixture(t, failingIDs{}, Options{})
	begin, end := openWindow()
	f.createVoucher(t, 1, 3, begin, end)
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, 1, 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
	if left, _ := f.svc.Stock(ctx, 1); left != 3 {
		t.Fatalf("stock=%d want 3", left)
	}
}

func TestWorkerDropsWhenLockHeld(t *testing.T) {
	f := newFixture(t, nil, Options{})
	begin, end := openWindow()
	f.createVoucher(t, 1, 5, begin, end)
	ctx := context.Background()

	other := rediskey.NewReentrantLock(f.rdb, "order:7", "someone-else")
	if ok, err := other.TryLock(ctx, time.Minute); !ok || err != nil {
		t.Fatalf("pre-lock: ok=%v err=%v", ok, err)
	}

	orderID, err := f.svc.Submit(ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	f.svc.Start()
	f.drain(t)

	got, err := f.svc.Order(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != rediskey.OrderFailed || got.Reason != "lock_busy" {
		t.Fatalf("order=%+v", got)
	}
	if n, _ := f.st.CountVoucherOrders(ctx, 1); n != 0 {
		t.Fatalf("orders=%d want 0", n)
	}
}

func TestWorkerRecordsStockMismatch(t *testing.T) {
	f := newFixture(t, nil, Options{})
	begin, end := openWindow()
	f.createVoucher(t, 1, 0, begin, end)
	ctx := context.Background()

	// Redis 里的副本多于数据库库存：落单事务必须拒绝
	if err := rediskey.PreloadStock(ctx, f.rdb, 1, 1, 0); err != nil {
		t.Fatal(err)
	}
	orderID, err := f.svc.Submit(ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	f.svc.Start()
	f.drain(t)

	got, err := f.svc.Order(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != rediskey.OrderFailed || got.Reason != "stock_exhausted" {
		t.Fatalf("order=%+v", got)
	}
	v, _ := f.st.GetSeckillVoucher(ctx, 1)
	if v.Stock != 0 {
		t.Fatalf("db stock=%d want 0", v.Stock)
	}
}

// faultyStore 对指定用户的落单注入故障，其余请求交给真实 Store。
type faultyStore struct {
	*store.Store
	userID int64
	fault  func(ctx context.Context)
}

func (s *faultyStore) CreateVoucherOrder(ctx context.Context, o *model.VoucherOrder) error {
	if o.UserID == s.userID {
		s.fault(ctx)
		return ctx.Err()
	}
	return s.Store.CreateVoucherOrder(ctx, o)
}

func TestWorkerTimeoutRecordsFailureAndUnlocks(t *testing.T) {
	wrap := func(st *store.Store) Store {
		// 落单一直卡到任务超时
		return &faultyStore{Store: st, userID: 7, fault: func(ctx context.Context) { <-ctx.Done() }}
	}
	f := newFixtureWithStore(t, nil, wrap, Options{TaskTimeout: 50 * time.Millisecond})
	begin, end := openWindow()
	f.createVoucher(t, 1, 5, begin, end)
	ctx := context.Background()

	orderID, err := f.svc.Submit(ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	f.svc.Start()
	f.drain(t)

	got, err := f.svc.Order(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != rediskey.OrderFailed || got.Reason != "persist_error" {
		t.Fatalf("order=%+v want failed/persist_error", got)
	}
	if f.mr.Exists(rediskey.LockKey("order:7")) {
		t.Fatal("user lock left behind after timed-out task")
	}
}

func TestWorkerSurvivesPanickingTask(t *testing.T) {
	wrap := func(st *store.Store) Store {
		return &faultyStore{Store: st, userID: 1, fault: func(context.Context) { panic("boom") }}
	}
	f := newFixtureWithStore(t, nil, wrap, Options{})
	begin, end := openWindow()
	f.createVoucher(t, 1, 5, begin, end)
	ctx := context.Background()

	// 先入队会 panic 的任务，再入队正常任务
	badID, err := f.svc.Submit(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	goodID, err := f.svc.Submit(ctx, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	f.svc.Start()
	f.drain(t)

	bad, err := f.svc.Order(ctx, badID)
	if err != nil {
		t.Fatal(err)
	}
	if bad.Status != rediskey.OrderFailed || bad.Reason != "panic" {
		t.Fatalf("panicked order=%+v", bad)
	}
	if f.mr.Exists(rediskey.LockKey("order:1")) {
		t.Fatal("user lock left behind after panic")
	}

	good, err := f.svc.Order(ctx, goodID)
	if err != nil {
		t.Fatal(err)
	}
	if good.Status != rediskey.OrderCreated || good.UserID != 2 {
		t.Fatalf("order after panic=%+v", good)
	}
	if n, _ := f.st.CountVoucherOrders(ctx, 1); n != 1 {
		t.Fatalf("orders=%d want 1", n)
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []queue.OrderMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg queue.OrderMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestWorkerPublishesOrderEvent(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, nil, Options{Publisher: pub})
	begin, end := openWindow()
	f.createVoucher(t, 1, 5, begin, end)
	f.svc.Start()

	orderID, err := f.svc.Submit(context.Background(), 9, 1)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages", len(pub.msgs))
	}
	m := pub.msgs[0]
	if m.OrderID != orderID || m.UserID != 9 || m.VoucherID != 1 || m.CreatedAt.IsZero() {
		t.Fatalf("msg=%+v", m)
	}
}

func TestOrderNotFound(t *testing.T) {
	f := newFixture(t, nil, Options{})
	if _, err := f.svc.Order(context.Background(), 12345); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err=%v want ErrOrderNotFound", err)
	}
}

func TestCreateVoucherValidates(t *testing.T) {
	f := newFixture(t, nil, Options{})
	now := time.Now()
	bad := []*model.SeckillVoucher{
		nil,
		{VoucherID: 0, Stock: 1, BeginTime: now, EndTime: now.Add(time.Hour)},
		{VoucherID: 1, Stock: -1, BeginTime: now, EndTime: now.Add(time.Hour)},
		{VoucherID: 1, Stock: 1, BeginTime: now, EndTime: now},
	}
	for i, v := range bad {
		if err := f.svc.CreateVoucher(context.Background(), v); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: err=%v", i, err)
		}
	}
}

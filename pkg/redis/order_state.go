package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// OrderPending 表示已通过资格判定并入队，等待异步落单。
	OrderPending = "pending"
	// OrderCreated 表示异步落单成功。
	OrderCreated = "created"
	// OrderFailed 表示异步落单失败（已终态，不会重试）。
	OrderFailed = "failed"
)

// OrderStateKey 存储订单异步处理状态。
func OrderStateKey(orderID int64) string {
	return fmt.Sprintf("%sseckill:order_state:%d", keyPrefix, orderID)
}

// OrderState 对应 Redis 内的订单状态结构。
type OrderState struct {
	OrderID   int64
	VoucherID int64
	UserID    int64
	Status    string
	Reason    string
}

// GetOrderState 查询订单当前状态。found=false 表示 key 不存在。
func GetOrderState(ctx context.Context, rdb rd.UniversalClient, orderID int64) (OrderState, bool, error) {
	m, err := rdb.HGetAll(ctx, OrderStateKey(orderID)).Result()
	if err != nil {
		return OrderState{}, false, err
	}
	if len(m) == 0 {
		return OrderState{}, false, nil
	}

	out := OrderState{
		OrderID: orderID,
		Status:  m["status"],
		Reason:  m["reason"],
	}
	out.VoucherID, _ = strconv.ParseInt(m["voucher_id"], 10, 64)
	out.UserID, _ = strconv.ParseInt(m["user_id"], 10, 64)
	if out.Status == "" {
		out.Status = OrderPending
	}
	return out, true, nil
}

// PutOrderState 更新订单状态，并刷新 key TTL。
func PutOrderState(ctx context.Context, rdb rd.UniversalClient, st OrderState, ttl time.Duration) error {
	key := OrderStateKey(st.OrderID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"voucher_id", st.VoucherID,
		"user_id", st.UserID,
		"status", st.Status,
		"reason", st.Reason,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

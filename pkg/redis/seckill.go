package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// SeckillCode 是秒杀资格脚本的三态返回值。
type SeckillCode int

const (
	SeckillAdmitted          SeckillCode = 0 // 有资格，库存已预扣
	SeckillInsufficientStock SeckillCode = 1 // 库存不足（含库存 key 未预热）
	SeckillDuplicateOrder    SeckillCode = 2 // 该用户已下过单
)

// luaSeckill：Redis 内原子「查重 → 判断库存 → 扣减 → 记录用户」。
// KEYS[1]=库存key，KEYS[2]=已下单用户集合，ARGV[1]=userID
// 先查重再查库存：同一用户的第二次请求无论库存是否还有，都返回 2。
const luaSeckill = `
local stockKey = KEYS[1]
local orderKey = KEYS[2]
local userID = ARGV[1]
if redis.call('SISMEMBER', orderKey, userID) == 1 then
  return 2
end
local stock = tonumber(redis.call('GET', stockKey))
if stock == nil or stock <= 0 then
  return 1
end
redis.call('INCRBY', stockKey, -1)
redis.call('SADD', orderKey, userID)
return 0
`

// luaSeckillRollback 通过 SETNX 锁保证「同一次尝试只回补一次」。
// KEYS[1]=回补标记key，KEYS[2]=库存key，KEYS[3]=已下单用户集合
// ARGV[1]=userID，ARGV[2]=标记TTL(秒)
const luaSeckillRollback = `
local markKey = KEYS[1]
local stockKey = KEYS[2]
local orderKey = KEYS[3]
local userID = ARGV[1]
local ttlSec = tonumber(ARGV[2])

if redis.call('SETNX', markKey, '1') == 1 then
  redis.call('EXPIRE', markKey, ttlSec)
  if redis.call('SREM', orderKey, userID) == 1 then
    redis.call('INCRBY', stockKey, 1)
    return 1
  end
end
return 0
`

var (
	seckillScript         = rd.NewScript(luaSeckill)
	seckillRollbackScript = rd.NewScript(luaSeckillRollback)
)

const rollbackMarkTTL = 7 * 24 * time.Hour

// CheckSeckill 单次往返完成资格判定，并发下不会有两个请求同时拿到最后一件库存。
func CheckSeckill(ctx context.Context, rdb rd.UniversalClient, voucherID, userID int64) (SeckillCode, error) {
	keys := []string{SeckillStockKey(voucherID), SeckillOrderKey(voucherID)}
	n, err := seckillScript.Run(ctx, rdb, keys, strconv.FormatInt(userID, 10)).Int()
	if err != nil {
		return 0, err
	}
	return SeckillCode(n), nil
}

// RollbackSeckill 撤销一次已通过资格判定、但未能入队的尝试：
// - 首次回补返回 true（库存 +1，用户移出集合）
// - 重复回补返回 false
func RollbackSeckill(ctx context.Context, rdb rd.UniversalClient, attemptID string, voucherID, userID int64) (bool, error) {
	keys := []string{SeckillRollbackKey(attemptID), SeckillStockKey(voucherID), SeckillOrderKey(voucherID)}
	ttlSec := int64(rollbackMarkTTL / time.Second)
	n, err := seckillRollbackScript.Run(ctx, rdb, keys, strconv.FormatInt(userID, 10), ttlSec).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PreloadStock 将库存写入 Redis，并清空已下单用户集合。ttl<=0 表示不过期。
func PreloadStock(ctx context.Context, rdb rd.UniversalClient, voucherID, stock int64, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	pipe := rdb.TxPipeline()
	pipe.Set(ctx, SeckillStockKey(voucherID), stock, ttl)
	pipe.Del(ctx, SeckillOrderKey(voucherID))
	_, err := pipe.Exec(ctx)
	return err
}

// GetStock 查询 Redis 中的实时库存，key 不存在视为 0。
func GetStock(ctx context.Context, rdb rd.UniversalClient, voucherID int64) (int64, error) {
	n, err := rdb.Get(ctx, SeckillStockKey(voucherID)).Int64()
	if err == rd.Nil {
		return 0, nil
	}
	return n, err
}

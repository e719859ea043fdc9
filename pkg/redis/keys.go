package redis

import "fmt"

const keyPrefix = "dianping:"

// LockKey 统一约定分布式锁键名。
func LockKey(name string) string {
	return keyPrefix + "lock:" + name
}

// IDCounterKey 按 namespace + 日期（精确到天）划分自增计数器。
func IDCounterKey(namespace, date string) string {
	return fmt.Sprintf("%sicr:%s:%s", keyPrefix, namespace, date)
}

// SeckillStockKey 秒杀券在 Redis 中的实时库存。
func SeckillStockKey(voucherID int64) string {
	return fmt.Sprintf("%sseckill:stock:%d", keyPrefix, voucherID)
}

// SeckillOrderKey 记录已抢到某张秒杀券的用户集合（一人一单去重）。
func SeckillOrderKey(voucherID int64) string {
	return fmt.Sprintf("%sseckill:order:%d", keyPrefix, voucherID)
}

// SeckillRollbackKey 标记某次下单尝试是否已做过库存回补。
func SeckillRollbackKey(attemptID string) string {
	return fmt.Sprintf("%sseckill:rollback:%s", keyPrefix, attemptID)
}

// CacheKey 缓存数据键，prefix 由调用方约定，例如 "cache:shop:"。
func CacheKey(prefix string, id any) string {
	return fmt.Sprintf("%s%s%v", keyPrefix, prefix, id)
}

// RateLimitKey 购买接口的滑动窗口限流键。
func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("%srate_limit:%s:%s", keyPrefix, scope, subject)
}

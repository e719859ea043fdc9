package redis

import (
	"context"
	"sync/atomic"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReentrantTryLock：hash 结构 {owner: 重入次数}。
// KEYS[1]=锁key，ARGV[1]=owner，ARGV[2]=租期(ms)
// 三种情况：key 不存在 -> 新建；owner 匹配 -> 计数+1；被他人持有 -> 失败。
const luaReentrantTryLock = `
local lockKey = KEYS[1]
local owner = ARGV[1]
local leaseMs = ARGV[2]
if redis.call('EXISTS', lockKey) == 0 then
  redis.call('HSET', lockKey, owner, 1)
  redis.call('PEXPIRE', lockKey, leaseMs)
  return 1
end
if redis.call('HEXISTS', lockKey, owner) == 1 then
  redis.call('HINCRBY', lockKey, owner, 1)
  redis.call('PEXPIRE', lockKey, leaseMs)
  return 1
end
return 0
`

// luaReentrantUnlock 返回剩余重入次数；-1 表示锁不属于 owner（空操作）。
// 计数归零时删除 key，否则续期。
const luaReentrantUnlock = `
local lockKey = KEYS[1]
local owner = ARGV[1]
local leaseMs = ARGV[2]
if redis.call('HEXISTS', lockKey, owner) == 0 then
  return -1
end
local count = redis.call('HINCRBY', lockKey, owner, -1)
if count > 0 then
  redis.call('PEXPIRE', lockKey, leaseMs)
  return count
end
redis.call('DEL', lockKey)
return 0
`

var (
	reentrantTryLockScript = rd.NewScript(luaReentrantTryLock)
	reentrantUnlockScript  = rd.NewScript(luaReentrantUnlock)
)

// ReentrantLock 同一 owner 可重复加锁，释放次数与加锁次数相同后才真正删除 key。
// 与 SimpleLock 共用 LockKey 命名空间，同一资源名只能选用一种实现。
type ReentrantLock struct {
	rdb   rd.UniversalClient
	name  string
	owner string
	lease atomic.Int64 // 最近一次 TryLock 的租期，Unlock 续期时复用
}

var _ Locker = (*ReentrantLock)(nil)

func NewReentrantLock(rdb rd.UniversalClient, name, owner string) *ReentrantLock {
	if owner == "" {
		owner = NewOwnerToken()
	}
	return &ReentrantLock{rdb: rdb, name: name, owner: owner}
}

func (l *ReentrantLock) Name() string  { return l.name }
func (l *ReentrantLock) Owner() string { return l.owner }

func (l *ReentrantLock) TryLock(ctx context.Context, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, ErrInvalidLease
	}
	l.lease.Store(lease.Milliseconds())
	n, err := reentrantTryLockScript.Run(ctx, l.rdb, []string{LockKey(l.name)}, l.owner, lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *ReentrantLock) Unlock(ctx context.Context) error {
	_, err := l.release(ctx)
	return err
}

// release 返回释放后剩余的重入次数，-1 表示锁已不属于自己。
// 本句柄从未加锁时直接返回 -1：同 owner 的其他持有者还在用这把锁，不能改写它的租期。
func (l *ReentrantLock) release(ctx context.Context) (int64, error) {
	leaseMs := l.lease.Load()
	if leaseMs <= 0 {
		return -1, nil
	}
	return reentrantUnlockScript.Run(ctx, l.rdb, []string{LockKey(l.name)}, l.owner, leaseMs).Int64()
}

package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// ErrInvalidLease 锁必须带有限的租期，崩溃的持有者才不会永久占锁。
var ErrInvalidLease = errors.New("lock lease must be > 0")

// Locker 是分布式互斥锁的最小契约。
// TryLock 不阻塞、不重试：返回 false 表示锁被他人持有，属于正常竞争结果而非错误。
type Locker interface {
	TryLock(ctx context.Context, lease time.Duration) (bool, error)
	Unlock(ctx context.Context) error
}

// processID 进程级唯一前缀，配合 holder 组成 owner token。
var processID = strings.ReplaceAll(uuid.NewString(), "-", "")

var handleSeq atomic.Uint64

// OwnerToken 返回 "进程ID-holder" 形式的持有者标识。
// 同一个 holder 在同一进程内得到相同 token，可重入锁依赖这一点。
func OwnerToken(holder string) string {
	return processID + "-" + holder
}

// NewOwnerToken 为一次性的锁句柄分配进程内唯一的 token。
func NewOwnerToken() string {
	return OwnerToken("h" + strconv.FormatUint(handleSeq.Add(1), 10))
}

// luaUnlockIfOwner 仅当锁值等于 owner 时才删除，避免租期过期后误删别人的锁。
const luaUnlockIfOwner = `
local lockKey = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', lockKey) == owner then
  return redis.call('DEL', lockKey)
end
return 0
`

var unlockScript = rd.NewScript(luaUnlockIfOwner)

// SimpleLock 基于 SET NX PX 的非重入锁。
type SimpleLock struct {
	rdb   rd.UniversalClient
	name  string
	owner string
}

var _ Locker = (*SimpleLock)(nil)

// NewSimpleLock 创建锁句柄；owner 为空时自动分配唯一 token。
func NewSimpleLock(rdb rd.UniversalClient, name, owner string) *SimpleLock {
	if owner == "" {
		owner = NewOwnerToken()
	}
	return &SimpleLock{rdb: rdb, name: name, owner: owner}
}

func (l *SimpleLock) Name() string  { return l.name }
func (l *SimpleLock) Owner() string { return l.owner }

// TryLock SET lock:name owner PX lease NX
func (l *SimpleLock) TryLock(ctx context.Context, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, ErrInvalidLease
	}
	return l.rdb.SetNX(ctx, LockKey(l.name), l.owner, lease).Result()
}

// Unlock 原子地比较并删除；锁已不属于自己时是安全的空操作。
func (l *SimpleLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.rdb, []string{LockKey(l.name)}, l.owner).Err()
}

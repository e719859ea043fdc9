package middleware

import (
	"net/http"
	"strconv"
	"time"

	rediskey "dianping/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// UserIDHeader 调用方显式传递的用户身份。
const UserIDHeader = "X-User-ID"

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前毫秒时间戳，ARGV[2]=窗口开始毫秒时间戳，
// ARGV[3]=key 过期秒数，ARGV[4]=本次请求的唯一成员，ARGV[5]=窗口内上限
// 返回：当前窗口内的请求数；超限返回 -1
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local ttlSec = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, ttlSec)
  return count + 1
end
return -1
`

var rateLimitScript = rd.NewScript(luaRateLimit)

// RedisRateLimit 按用户（X-User-ID）做分布式滑动窗口限流，缺少用户头时按 IP 限流。
// Redis 出错时放行。
func RedisRateLimit(rdb rd.UniversalClient, scope string, limit int, window time.Duration, log logrus.FieldLogger) gin.HandlerFunc {
	ttlSec := int64(window / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}
	return func(c *gin.Context) {
		subject := "ip:" + c.ClientIP()
		if uid, err := strconv.ParseInt(c.GetHeader(UserIDHeader), 10, 64); err == nil && uid > 0 {
			subject = "user:" + strconv.FormatInt(uid, 10)
		}
		key := rediskey.RateLimitKey(scope, subject)

		now := time.Now().UnixMilli()
		windowStart := now - window.Milliseconds()

		res, err := rateLimitScript.Run(c.Request.Context(), rdb, []string{key},
			now, windowStart, ttlSec, uuid.NewString(), limit).Int()
		if err != nil {
			// 降级：限流不可用时不影响下单
			log.WithFields(logrus.Fields{"key": key, "error": err}).Warn("rate limit unavailable")
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}

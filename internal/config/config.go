package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogFormat string

	// 旁路缓存
	CacheCodec    string
	CacheNullTTL  time.Duration
	ShopCacheTTL  time.Duration
	CacheLockTTL  time.Duration
	RebuildWorker int

	// 秒杀队列与落单锁
	SeckillQueueSize int
	SeckillLockLease time.Duration

	// 购买接口限流与库存缓存策略；StockCacheTTL 为 0 表示库存 key 不过期
	BuyRateLimit  int
	BuyRateWindow time.Duration
	StockCacheTTL time.Duration

	// Kafka 集群地址（逗号分隔）与 Topic；为空时不发布订单事件
	KafkaBrokers []string
	KafkaTopic   string

	// 创建秒杀券接口的简单管理员令牌（demo 级别保护）
	AdminToken string
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DBPath:        getEnv("DB_PATH", "dianping.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		CacheCodec:    getEnv("CACHE_CODEC", "json"),
		KafkaBrokers:  splitCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "dianping-voucher-orders"),
		AdminToken:    getEnv("ADMIN_TOKEN", "dev-admin-token"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	ints := []struct {
		key      string
		fallback int
		min      int
		dst      *int
	}{
		{"CACHE_REBUILD_WORKERS", 10, 1, &cfg.RebuildWorker},
		{"SECKILL_QUEUE_SIZE", 1 << 20, 1, &cfg.SeckillQueueSize},
		{"BUY_RATE_LIMIT", 1000, 1, &cfg.BuyRateLimit},
	}
	for _, it := range ints {
		v, err := getEnvInt(it.key, it.fallback)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", it.key, err)
		}
		if v < it.min {
			return AppConfig{}, fmt.Errorf("%s must be >= %d", it.key, it.min)
		}
		*it.dst = v
	}

	durations := []struct {
		key      string
		fallback int
		unit     time.Duration
		min      int
		dst      *time.Duration
	}{
		{"CACHE_NULL_TTL_SEC", 120, time.Second, 1, &cfg.CacheNullTTL},
		{"SHOP_CACHE_TTL_MIN", 30, time.Minute, 1, &cfg.ShopCacheTTL},
		{"CACHE_LOCK_LEASE_SEC", 10, time.Second, 1, &cfg.CacheLockTTL},
		{"SECKILL_LOCK_LEASE_SEC", 10, time.Second, 1, &cfg.SeckillLockLease},
		{"BUY_RATE_WINDOW_SEC", 1, time.Second, 1, &cfg.BuyRateWindow},
		{"STOCK_CACHE_TTL_HOUR", 0, time.Hour, 0, &cfg.StockCacheTTL},
	}
	for _, d := range durations {
		v, err := getEnvInt(d.key, d.fallback)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v < d.min {
			return AppConfig{}, fmt.Errorf("%s must be >= %d", d.key, d.min)
		}
		*d.dst = time.Duration(v) * d.unit
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	return cfg, nil
}

// KafkaEnabled 配置了 broker 才发布订单事件。
func (c AppConfig) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

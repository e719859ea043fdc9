package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dianping/internal/cache"
	"dianping/internal/config"
	"dianping/internal/logging"
	"dianping/internal/middleware"
	"dianping/internal/queue"
	"dianping/internal/router"
	"dianping/internal/seckill"
	"dianping/internal/shop"
	"dianping/internal/store"
	rediskey "dianping/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	// 1. 连接 SQLite，自动建表
	db, err := store.Open(cfg.DBPath, log.WithField("component", "db"))
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	st := store.New(db)

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalf("redis ping %s: %v", cfg.RedisAddr, err)
	}

	codec, err := cache.CodecByName(cfg.CacheCodec)
	if err != nil {
		log.Fatalf("cache codec: %v", err)
	}
	cc := cache.New(rdb, cache.Options{
		Codec:     codec,
		NullTTL:   cfg.CacheNullTTL,
		LockLease: cfg.CacheLockTTL,
		Workers:   cfg.RebuildWorker,
		Logger:    log.WithField("component", "cache"),
	})

	// 3. 订单事件（可选）
	var producer *queue.Producer
	opts := seckill.Options{
		QueueSize: cfg.SeckillQueueSize,
		LockLease: cfg.SeckillLockLease,
		StockTTL:  cfg.StockCacheTTL,
		Logger:    log.WithField("component", "seckill"),
	}
	if cfg.KafkaEnabled() {
		producer = queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, log.WithField("component", "kafka"))
		opts.Publisher = producer
	}

	sk := seckill.New(rdb, st, rediskey.NewIDWorker(rdb), cc, opts)
	sk.Start()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log.WithField("component", "http")))
	router.Setup(r, router.Deps{
		Shops:   shop.New(st, cc, cfg.ShopCacheTTL),
		Seckill: sk,
		Redis:   rdb,
		Log:     log,
		Config:  cfg,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	// 先停止接收请求，再排空秒杀队列和缓存重建任务，最后关闭底层连接
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := sk.Close(shutdownCtx); err != nil {
		log.WithError(err).WithField("pending", sk.Pending()).Warn("seckill drain incomplete")
	}
	cc.Close()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.WithError(err).Warn("kafka close")
		}
	}
	if err := rdb.Close(); err != nil {
		log.WithError(err).Warn("redis close")
	}
	if err := st.Close(); err != nil {
		log.WithError(err).Warn("db close")
	}
}

// Package store 是关系库持久化边界：秒杀券、秒杀订单、商铺。
package store

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"dianping/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrStockExhausted = errors.New("voucher stock exhausted")
	ErrDuplicateOrder = errors.New("user already ordered this voucher")
)

// Store 封装 gorm，所有方法并发安全。
type Store struct {
	db *gorm.DB
}

const slowQueryThreshold = 200 * time.Millisecond

// gormWriter 把 gorm 的日志转进 logrus。
type gormWriter struct {
	log logrus.FieldLogger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warnf(format, args...)
}

// Open 连接 SQLite 并自动建表。log 为 nil 时丢弃 SQL 日志。
// 未命中是常规路径（由 first 转成 nil），不记日志。
func Open(dsn string, log logrus.FieldLogger) (*gorm.DB, error) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	gl := logger.New(gormWriter{log: log}, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gl,
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 建表 / 补齐字段与索引。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.SeckillVoucher{}, &model.VoucherOrder{}, &model.Shop{})
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close 关闭底层连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation 兼容未开启 TranslateError 的驱动。
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}

func first[T any](ctx context.Context, db *gorm.DB, conds ...any) (*T, error) {
	var v T
	err := db.WithContext(ctx).First(&v, conds...).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Package storetest 为测试提供隔离的内存 SQLite 库。
package storetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"dianping/internal/store"

	"gorm.io/gorm"
)

var seq atomic.Int64

// NewDB 每次调用返回一个独立的内存库，测试结束时关闭。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	db, err := store.Open(dsn, nil)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// 共享缓存模式下多连接并发写会报 table locked，测试里串行化即可。
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Package dbtest opens isolated in-memory databases for package tests.
package dbtest

import (
	"testing"

	"chanhub/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Open 返回一个已迁移的独立内存 SQLite 库，测试结束时关闭。
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "sqlite:file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("db.Connect() error = %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("db.Migrate() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

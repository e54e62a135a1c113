package db

import (
	"strings"
	"time"

	"chanhub/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// dialect 根据 DSN 前缀选择驱动：sqlite:、mysql:，其余按 Postgres 处理。
func dialect(dsn string) (gorm.Dialector, bool) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:")), true
	case strings.HasPrefix(dsn, "mysql:"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql:")), false
	default:
		return postgres.Open(dsn), false
	}
}

// Connect 建立数据库连接，并带有简单的重试来等待容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		d, embedded := dialect(dsn)
		gdb, err = gorm.Open(d, &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if embedded {
					// SQLite 只允许单写者，内存库随最后一个连接关闭而消失。
					sqlDB.SetMaxOpenConns(1)
					return gdb, nil
				}
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		if embedded {
			break
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Channel{}, &models.ChannelMember{}, &models.MessageLog{}, &models.LogEntry{})
}

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/wfunc/farm-controller/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationLockTimeout = 30 * time.Second

// acquireMigrationLock 获取迁移锁，进程退出时系统自动释放
func acquireMigrationLock(ctx context.Context, dbPath string) (*flock.Flock, error) {
	lock := flock.New(dbPath + ".migration.lock")

	ctx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("无法获取迁移锁，可能有其他进程正在执行迁移: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("无法获取迁移锁: %s", lock.Path())
	}

	logger.Debug("获取迁移锁成功", zap.String("lock", lock.Path()))
	return lock, nil
}

// releaseMigrationLock 释放迁移锁，锁文件不删除
func releaseMigrationLock(lock *flock.Flock) {
	if lock == nil {
		return
	}
	if err := lock.Unlock(); err != nil {
		logger.Warn("释放迁移锁失败", zap.String("lock", lock.Path()), zap.Error(err))
	}
	logger.Debug("释放迁移锁", zap.String("lock", lock.Path()))
}

// sqliteFilePath 返回sqlite文件路径，内存库或其他驱动返回空
func sqliteFilePath(db *gorm.DB) string {
	if db == nil || db.Dialector.Name() != "sqlite" {
		return ""
	}
	sqlDB, err := db.DB()
	if err != nil {
		return ""
	}
	var (
		seq        int
		name, file string
	)
	if err := sqlDB.QueryRow("PRAGMA database_list").Scan(&seq, &name, &file); err != nil {
		return ""
	}
	return file
}

package database

import (
	"context"
	"fmt"

	"github.com/wfunc/farm-controller/internal/logger"
	"github.com/wfunc/farm-controller/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate 迁移全局数据库
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}
	return Migrate(DB)
}

// Migrate 迁移表结构，sqlite文件库使用文件锁避免多进程同时迁移
func Migrate(db *gorm.DB) error {
	if path := sqliteFilePath(db); path != "" {
		lock, err := acquireMigrationLock(context.Background(), path)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lock)
	}

	for _, model := range models.AllModels() {
		if err := db.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	logger.Info("数据库迁移完成")
	return nil
}

package repository

import (
	"context"

	"gorm.io/gorm"
)

// BaseRepository 基础仓储接口
type BaseRepository interface {
	GetDB() *gorm.DB
}

// BaseRepo 基础仓储实现
type BaseRepo struct {
	db *gorm.DB
}

// NewBaseRepo 创建基础仓储
func NewBaseRepo(db *gorm.DB) *BaseRepo {
	return &BaseRepo{db: db}
}

// GetDB 获取数据库实例
func (r *BaseRepo) GetDB() *gorm.DB {
	return r.db
}

// conn 绑定请求上下文的会话
func (r *BaseRepo) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

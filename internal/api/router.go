package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/farm-controller/internal/botstate"
	"github.com/wfunc/farm-controller/internal/firmware"
	"github.com/wfunc/farm-controller/internal/middleware"
	"github.com/wfunc/farm-controller/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StateService 状态服务
type StateService interface {
	GetConfig(ctx context.Context, key botstate.ConfigKey) (interface{}, bool, error)
	UpdateConfigValue(ctx context.Context, key botstate.ConfigKey, value interface{}) (interface{}, error)
	GetVersion(ctx context.Context) (string, error)
	GetFirmwareVersion(ctx context.Context) (string, error)
	GetFirmwareHardware(ctx context.Context) (botstate.FirmwareHardware, error)
	IsLocked(ctx context.Context) (bool, error)
	Snapshot(ctx context.Context) (*botstate.State, error)
	LastFlashJob(ctx context.Context) (*firmware.Job, error)
	UpdateInfo(key botstate.InfoKey, value interface{})
	UpdateSyncStatus(status botstate.SyncStatus)
}

// Router API路由器
type Router struct {
	engine  *gin.Engine
	db      *gorm.DB
	handler *StateHandler
	log     *zap.Logger
}

// NewRouter 创建路由器，db 为nil时健康检查跳过数据库，也不提供持久化配置查询
func NewRouter(state StateService, db *gorm.DB, log *zap.Logger) *Router {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger(log))

	var store repository.ConfigStore
	if db != nil {
		store = repository.NewConfigStore(db)
	}

	router := &Router{
		engine:  engine,
		db:      db,
		handler: NewStateHandler(state, store, log),
		log:     log,
	}

	router.setupRoutes()

	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)

	v1 := r.engine.Group("/api/v1")
	{
		cfg := v1.Group("/config")
		{
			cfg.GET("", r.handler.ListPersisted)
			cfg.GET("/:key", r.handler.GetConfig)
			cfg.PUT("/:key", r.handler.UpdateConfig)
		}

		info := v1.Group("/info")
		{
			info.GET("", r.handler.GetInfo)
			info.POST("/:key", r.handler.UpdateInfo)
		}

		v1.POST("/sync_status", r.handler.UpdateSyncStatus)
		v1.GET("/state", r.handler.GetState)
		v1.GET("/firmware/flash", r.handler.GetFlashJob)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if _, err := r.handler.state.GetVersion(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"message": "状态服务不可用",
			"details": err.Error(),
		})
		return
	}

	if r.db != nil {
		sqlDB, err := r.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"message": "数据库连接失败",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "服务运行正常",
	})
}

// Handler 返回 http.Handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

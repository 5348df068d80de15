package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/farm-controller/internal/botstate"
	"github.com/wfunc/farm-controller/internal/errors"
	"github.com/wfunc/farm-controller/internal/middleware"
	"github.com/wfunc/farm-controller/internal/repository"
	"go.uber.org/zap"
)

// StateHandler 配置与状态处理器
type StateHandler struct {
	state  StateService
	store  repository.ConfigStore
	logger *zap.Logger
}

// NewStateHandler 创建处理器，store 为nil时不提供持久化配置查询
func NewStateHandler(state StateService, store repository.ConfigStore, logger *zap.Logger) *StateHandler {
	return &StateHandler{state: state, store: store, logger: logger}
}

// PersistedEntry 已持久化的配置项
type PersistedEntry struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ValueRequest 写入请求
type ValueRequest struct {
	Value interface{} `json:"value"`
}

// SyncStatusRequest 同步状态请求
type SyncStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// InfoResponse 基本信息
type InfoResponse struct {
	ControllerVersion string `json:"controller_version"`
	FirmwareVersion   string `json:"firmware_version"`
	FirmwareHardware  string `json:"firmware_hardware"`
	Locked            bool   `json:"locked"`
}

func (h *StateHandler) ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func (h *StateHandler) fail(c *gin.Context, err error) {
	appErr, isApp := err.(*errors.AppError)
	if !isApp {
		appErr = errors.Wrap(err, errors.ErrUnknown)
	}
	c.Error(err)
	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, middleware.GetRequestID(c)))
}

// GetConfig 读取配置项
func (h *StateHandler) GetConfig(c *gin.Context) {
	key := c.Param("key")
	value, found, err := h.state.GetConfig(c.Request.Context(), botstate.ConfigKey(key))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !found {
		h.fail(c, errors.New(errors.ErrNotFound, key))
		return
	}
	h.ok(c, http.StatusOK, gin.H{"key": key, "value": value})
}

// UpdateConfig 修改配置项，硬件类型修改返回 202 表示已开始烧录
func (h *StateHandler) UpdateConfig(c *gin.Context) {
	var req ValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.New(errors.ErrInvalidParam, err.Error()))
		return
	}

	key := botstate.ConfigKey(c.Param("key"))
	value, err := h.state.UpdateConfigValue(c.Request.Context(), key, normalizeJSON(req.Value))
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if key == botstate.KeyFirmwareHardware {
		status = http.StatusAccepted
	}
	h.ok(c, status, gin.H{"key": key, "value": value})
}

// ListPersisted 列出存储中的配置，用于核对内存状态与持久化是否一致
func (h *StateHandler) ListPersisted(c *gin.Context) {
	if h.store == nil {
		h.fail(c, errors.New(errors.ErrNotFound, "未配置持久化存储"))
		return
	}
	entries, err := h.store.GetAll(c.Request.Context())
	if err != nil {
		h.fail(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}

	items := make([]PersistedEntry, 0, len(entries))
	for _, e := range entries {
		value, err := repository.DecodeValue(e)
		if err != nil {
			h.logger.Warn("配置项无法解析", zap.String("key", e.Key), zap.Error(err))
			value = e.Value
		}
		items = append(items, PersistedEntry{Key: e.Key, Value: value, Type: e.Type, UpdatedAt: e.UpdatedAt})
	}
	h.ok(c, http.StatusOK, items)
}

// GetInfo 读取基本信息
func (h *StateHandler) GetInfo(c *gin.Context) {
	ctx := c.Request.Context()

	var resp InfoResponse
	var err error
	if resp.ControllerVersion, err = h.state.GetVersion(ctx); err != nil {
		h.fail(c, err)
		return
	}
	if resp.FirmwareVersion, err = h.state.GetFirmwareVersion(ctx); err != nil {
		h.fail(c, err)
		return
	}
	hw, err := h.state.GetFirmwareHardware(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp.FirmwareHardware = string(hw)
	if resp.Locked, err = h.state.IsLocked(ctx); err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, resp)
}

// UpdateInfo 异步设置状态信息项
func (h *StateHandler) UpdateInfo(c *gin.Context) {
	key, ok := botstate.ParseInfoKey(c.Param("key"))
	if !ok {
		h.fail(c, errors.New(errors.ErrNotFound, c.Param("key")))
		return
	}

	var req ValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.New(errors.ErrInvalidParam, err.Error()))
		return
	}

	h.state.UpdateInfo(key, normalizeJSON(req.Value))
	h.ok(c, http.StatusAccepted, gin.H{"key": key})
}

// UpdateSyncStatus 异步设置同步状态
func (h *StateHandler) UpdateSyncStatus(c *gin.Context) {
	var req SyncStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.New(errors.ErrInvalidParam, err.Error()))
		return
	}
	status, ok := botstate.ParseSyncStatus(req.Status)
	if !ok {
		h.fail(c, errors.Newf(errors.ErrInvalidParam, "未知的同步状态: %s", req.Status))
		return
	}

	h.state.UpdateSyncStatus(status)
	h.ok(c, http.StatusAccepted, gin.H{"status": status})
}

// GetState 完整状态快照
func (h *StateHandler) GetState(c *gin.Context) {
	snap, err := h.state.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, snap)
}

// GetFlashJob 最近一次烧录任务
func (h *StateHandler) GetFlashJob(c *gin.Context) {
	job, err := h.state.LastFlashJob(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if job == nil {
		h.fail(c, errors.New(errors.ErrNotFound, "没有烧录记录"))
		return
	}
	h.ok(c, http.StatusOK, job.Status())
}

// normalizeJSON JSON 中的整数数字解码为 float64，转回整数
func normalizeJSON(v interface{}) interface{} {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return v
}

package botstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/wfunc/farm-controller/internal/errors"
	"github.com/wfunc/farm-controller/internal/firmware"
	"github.com/wfunc/farm-controller/internal/logger"
	"go.uber.org/zap"
)

// Flasher 固件烧录名额
type Flasher interface {
	Reserve() (*firmware.Reservation, error)
}

type result struct {
	value interface{}
	err   error
}

type envelope struct {
	ctx   context.Context
	msg   interface{}
	reply chan result // 异步通知为nil
}

// Actor 独占状态记录，按顺序逐条处理消息
type Actor struct {
	store   Store
	flasher Flasher
	info    BuildInfo
	logger  *zap.Logger

	inbox chan envelope

	// 以下字段只在消息循环内访问
	ctx     context.Context
	state   *State
	lastJob *firmware.Job

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	stopCh    chan struct{}
	done      chan struct{}

	errMu sync.RWMutex
	err   error
}

// Option Actor 选项
type Option func(*Actor)

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(a *Actor) { a.logger = l }
}

// WithBuildInfo 设置构建信息
func WithBuildInfo(info BuildInfo) Option {
	return func(a *Actor) { a.info = info }
}

// WithInboxSize 设置消息队列长度
func WithInboxSize(n int) Option {
	return func(a *Actor) {
		if n > 0 {
			a.inbox = make(chan envelope, n)
		}
	}
}

// New 创建 Actor，flasher 为nil时修改硬件类型不触发烧录
func New(store Store, flasher Flasher, opts ...Option) *Actor {
	a := &Actor{
		store:   store,
		flasher: flasher,
		info:    DefaultBuildInfo(""),
		logger:  logger.WithModule("botstate"),
		inbox:   make(chan envelope, 64),
		started: make(chan struct{}),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start 加载持久化配置并启动消息循环，ctx 取消时 Actor 退出
func (a *Actor) Start(ctx context.Context) error {
	var err error = errors.New(errors.ErrActorStopped, "重复启动")
	a.startOnce.Do(func() {
		close(a.started)
		err = nil

		state, loadErr := Load(ctx, a.store, a.info, a.logger)
		if loadErr != nil {
			a.fail(loadErr)
			close(a.done)
			err = loadErr
			return
		}

		a.ctx = ctx
		a.state = state
		a.logger.Info("状态服务已启动",
			zap.String("firmware_hardware", string(state.Configuration.FirmwareHardware)),
			zap.String("controller_version", state.Informational.ControllerVersion),
			zap.String("node", state.Informational.NodeIdentity))

		go a.loop()
	})
	return err
}

// Stop 停止消息循环并等待退出
func (a *Actor) Stop() {
	select {
	case <-a.started:
	default:
		return
	}
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.done
}

// Done Actor 退出时关闭
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Err 导致 Actor 退出的致命错误，正常停止时为nil
func (a *Actor) Err() error {
	a.errMu.RLock()
	defer a.errMu.RUnlock()
	return a.err
}

func (a *Actor) fail(err error) {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

func (a *Actor) loop() {
	defer close(a.done)
	for {
		select {
		case env := <-a.inbox:
			a.dispatch(env)
			if err := a.Err(); err != nil {
				a.logger.Error("状态服务因致命错误退出", zap.Error(err))
				return
			}
		case <-a.stopCh:
			a.logger.Info("状态服务已停止")
			return
		case <-a.ctx.Done():
			a.logger.Info("状态服务上下文结束", zap.Error(a.ctx.Err()))
			return
		}
	}
}

func (a *Actor) dispatch(env envelope) {
	if env.reply == nil {
		a.handleCast(env.msg)
		return
	}
	// 调用方已放弃的请求不再执行
	if err := env.ctx.Err(); err != nil {
		env.reply <- result{err: err}
		return
	}
	value, err := a.handleCall(env.msg)
	env.reply <- result{value: value, err: err}
}

// Call 发送同步请求并等待应答
func (a *Actor) Call(ctx context.Context, req interface{}) (interface{}, error) {
	env := envelope{ctx: ctx, msg: req, reply: make(chan result, 1)}

	select {
	case a.inbox <- env:
	case <-a.done:
		return nil, a.stoppedError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-env.reply:
		return r.value, r.err
	case <-a.done:
		// 最后一条消息可能已应答
		select {
		case r := <-env.reply:
			return r.value, r.err
		default:
			return nil, a.stoppedError()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cast 发送异步通知，立即返回；队列已满或 Actor 已退出时丢弃
func (a *Actor) Cast(msg interface{}) {
	select {
	case a.inbox <- envelope{msg: msg}:
		return
	default:
	}

	select {
	case <-a.done:
		a.logger.Debug("状态服务已停止，丢弃通知", zap.String("type", fmt.Sprintf("%T", msg)))
	default:
		a.logger.Warn("消息队列已满，丢弃通知", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (a *Actor) stoppedError() error {
	if err := a.Err(); err != nil {
		return errors.New(errors.ErrActorStopped).WithCause(err)
	}
	return errors.New(errors.ErrActorStopped)
}

func (a *Actor) handleCall(msg interface{}) (interface{}, error) {
	info := &a.state.Informational

	switch req := msg.(type) {
	case GetConfigRequest:
		value, found := a.state.configValue(req.Key)
		return ConfigValue{Value: value, Found: found}, nil
	case GetVersionRequest:
		return info.ControllerVersion, nil
	case GetFirmwareVersionRequest:
		return info.FirmwareVersion, nil
	case GetFirmwareHardwareRequest:
		return a.state.Configuration.FirmwareHardware, nil
	case IsLockedRequest:
		return info.Locked, nil
	case UpdateConfigRequest:
		if err := a.updateConfig(req.Key, req.Value); err != nil {
			return nil, err
		}
		value, _ := a.state.configValue(req.Key)
		return ConfigValue{Value: value, Found: true}, nil
	case SnapshotRequest:
		return a.state.Clone(), nil
	case FlashJobRequest:
		return a.lastJob, nil
	default:
		a.logger.Warn("无法处理的请求", zap.String("type", fmt.Sprintf("%T", msg)))
		return nil, errors.New(errors.ErrUnhandledRequest, fmt.Sprintf("%T", msg))
	}
}

func (a *Actor) handleCast(msg interface{}) {
	info := &a.state.Informational

	switch n := msg.(type) {
	case UpdateInfoNotice:
		if _, ok := ParseInfoKey(string(n.Key)); !ok {
			a.logger.Warn("未知的状态信息项", zap.String("key", string(n.Key)))
			return
		}
		if err := applyInfo(info, n.Key, n.Value); err != nil {
			a.logger.Warn("状态信息值无法转换，已忽略",
				zap.String("key", string(n.Key)),
				zap.Any("value", n.Value),
				zap.Error(err))
			return
		}
		a.logger.Debug("状态信息已更新", zap.String("key", string(n.Key)), zap.Any("value", n.Value))
	case UpdateSyncStatusNotice:
		if info.Locked {
			a.logger.Debug("设备已锁定，忽略同步状态", zap.String("status", string(n.Status)))
			return
		}
		info.SyncStatus = n.Status
	default:
		a.logger.Warn("无法处理的通知",
			zap.String("type", fmt.Sprintf("%T", msg)),
			zap.Error(errors.New(errors.ErrUnhandledNotification)))
	}
}

// updateConfig 校验、修改、持久化，校验失败时状态不变
func (a *Actor) updateConfig(key ConfigKey, value interface{}) error {
	cfg := &a.state.Configuration
	log := a.logger.With(zap.String("key", string(key)))

	switch key {
	case KeyFirmwareHardware:
		hw, err := ParseFirmwareHardware(value)
		if err != nil {
			log.Warn("拒绝无效的固件硬件类型", zap.Any("value", value))
			return err
		}

		var reservation *firmware.Reservation
		if a.flasher != nil {
			if reservation, err = a.flasher.Reserve(); err != nil {
				log.Warn("固件烧录进行中，拒绝修改硬件类型", zap.String("hardware", string(hw)))
				return err
			}
		}

		cfg.FirmwareHardware = hw
		if err := a.persist(key); err != nil {
			if reservation != nil {
				reservation.Release()
			}
			return err
		}

		if reservation != nil {
			a.lastJob = reservation.Launch(string(hw))
			log.Info("已启动固件烧录", zap.String("hardware", string(hw)), zap.String("job_id", a.lastJob.ID))
		}
		return nil

	case KeyOSAutoUpdate:
		b, err := CoerceAutoUpdate(value)
		if err != nil {
			log.Warn("拒绝无效的自动更新设置", zap.Any("value", value))
			return err
		}
		cfg.OSAutoUpdate = b
		return a.persist(key)

	case KeyTimezone:
		tz, err := coerceTimezone(value)
		if err != nil {
			log.Warn("拒绝无效的时区", zap.Any("value", value))
			return err
		}
		cfg.Timezone = tz
		return a.persist(key)

	case KeyUserEnv:
		env, err := coerceUserEnv(value)
		if err != nil {
			log.Warn("拒绝无效的用户环境变量", zap.Any("value", value))
			return err
		}
		if cfg.UserEnv == nil {
			cfg.UserEnv = make(map[string]string, len(env))
		}
		for k, v := range env {
			cfg.UserEnv[k] = v
		}
		return a.persist(key)

	default:
		log.Warn("无法识别的配置项", zap.Any("value", value))
		return errors.New(errors.ErrUnrecognizedConfigKey, string(key))
	}
}

// persist 写入单个配置项，失败视为致命错误，Actor 处理完当前消息后退出
func (a *Actor) persist(key ConfigKey) error {
	value := a.state.persistedValue(key)
	// 退出信号不应打断正在进行的写入
	ctx := context.WithoutCancel(a.ctx)
	if err := a.store.PutConfig(ctx, string(key), value); err != nil {
		fatal := errors.Newf(errors.ErrPersistenceFailure, "写入配置 %s: %v", key, err).WithCause(err)
		a.fail(fatal)
		return fatal
	}
	a.logger.Info("配置已更新", zap.String("key", string(key)), zap.Any("value", value))
	return nil
}

// GetConfig 读取配置项，未知配置项返回 found=false
func (a *Actor) GetConfig(ctx context.Context, key ConfigKey) (interface{}, bool, error) {
	v, err := a.Call(ctx, GetConfigRequest{Key: key})
	if err != nil {
		return nil, false, err
	}
	cv := v.(ConfigValue)
	return cv.Value, cv.Found, nil
}

// UpdateConfig 修改配置项，硬件类型修改不等待烧录完成
func (a *Actor) UpdateConfig(ctx context.Context, key ConfigKey, value interface{}) error {
	_, err := a.UpdateConfigValue(ctx, key, value)
	return err
}

// UpdateConfigValue 修改配置项并返回写入后的值
func (a *Actor) UpdateConfigValue(ctx context.Context, key ConfigKey, value interface{}) (interface{}, error) {
	v, err := a.Call(ctx, UpdateConfigRequest{Key: key, Value: value})
	if err != nil {
		return nil, err
	}
	return v.(ConfigValue).Value, nil
}

// GetVersion 控制器版本
func (a *Actor) GetVersion(ctx context.Context) (string, error) {
	v, err := a.Call(ctx, GetVersionRequest{})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetFirmwareVersion 固件版本
func (a *Actor) GetFirmwareVersion(ctx context.Context) (string, error) {
	v, err := a.Call(ctx, GetFirmwareVersionRequest{})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetFirmwareHardware 固件硬件类型
func (a *Actor) GetFirmwareHardware(ctx context.Context) (FirmwareHardware, error) {
	v, err := a.Call(ctx, GetFirmwareHardwareRequest{})
	if err != nil {
		return "", err
	}
	return v.(FirmwareHardware), nil
}

// IsLocked 是否锁定
func (a *Actor) IsLocked(ctx context.Context) (bool, error) {
	v, err := a.Call(ctx, IsLockedRequest{})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Snapshot 状态记录的深拷贝
func (a *Actor) Snapshot(ctx context.Context) (*State, error) {
	v, err := a.Call(ctx, SnapshotRequest{})
	if err != nil {
		return nil, err
	}
	return v.(*State), nil
}

// LastFlashJob 最近一次烧录任务，没有时为nil
func (a *Actor) LastFlashJob(ctx context.Context) (*firmware.Job, error) {
	v, err := a.Call(ctx, FlashJobRequest{})
	if err != nil {
		return nil, err
	}
	return v.(*firmware.Job), nil
}

// UpdateInfo 异步设置状态信息项
func (a *Actor) UpdateInfo(key InfoKey, value interface{}) {
	a.Cast(UpdateInfoNotice{Key: key, Value: value})
}

// UpdateSyncStatus 异步设置同步状态
func (a *Actor) UpdateSyncStatus(status SyncStatus) {
	a.Cast(UpdateSyncStatusNotice{Status: status})
}

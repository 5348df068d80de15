package firmware

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/wfunc/farm-controller/internal/errors"
	"github.com/wfunc/farm-controller/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SerialLink 烧录期间需要暂停的串口链路
type SerialLink interface {
	CurrentDevice() string
	Stop() error
	Start() error
}

// CoordinatorConfig 烧录协调器配置
type CoordinatorConfig struct {
	Part           string
	Programmer     string
	BaudRate       int
	SettleDelay    time.Duration // 停止串口后等待设备释放
	ResumeRetry    int           // 恢复串口的重试次数
	ResumeInterval time.Duration
}

// Coordinator 固件烧录协调器
// 同一时间只允许一个烧录任务：暂停串口 -> 等待 -> 烧录 -> 恢复串口
type Coordinator struct {
	link   SerialLink
	tool   Tool
	images ImageResolver
	cfg    CoordinatorConfig
	logger *zap.Logger

	sem *semaphore.Weighted
	ctx context.Context
	wg  sync.WaitGroup
}

// Option 协调器选项
type Option func(*Coordinator)

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithContext 设置任务的基础上下文，取消后等待和烧录会提前结束
func WithContext(ctx context.Context) Option {
	return func(c *Coordinator) { c.ctx = ctx }
}

// NewCoordinator 创建烧录协调器
func NewCoordinator(link SerialLink, tool Tool, images ImageResolver, cfg CoordinatorConfig, opts ...Option) *Coordinator {
	if cfg.ResumeRetry <= 0 {
		cfg.ResumeRetry = 3
	}
	if cfg.ResumeInterval <= 0 {
		cfg.ResumeInterval = time.Second
	}
	c := &Coordinator{
		link:   link,
		tool:   tool,
		images: images,
		cfg:    cfg,
		logger: logger.WithModule("firmware"),
		sem:    semaphore.NewWeighted(1),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reservation 已占用的烧录名额，必须 Launch 或 Release 其一
type Reservation struct {
	c    *Coordinator
	once sync.Once
}

// Reserve 占用烧录名额，已有任务进行中时返回 ErrFlashInProgress
func (c *Coordinator) Reserve() (*Reservation, error) {
	if !c.sem.TryAcquire(1) {
		return nil, errors.New(errors.ErrFlashInProgress)
	}
	return &Reservation{c: c}, nil
}

// Release 放弃名额
func (r *Reservation) Release() {
	r.once.Do(func() { r.c.sem.Release(1) })
}

// Launch 在后台启动烧录任务，立即返回
func (r *Reservation) Launch(hardware string) *Job {
	job := newJob(hardware)
	launched := false
	r.once.Do(func() { launched = true })
	if !launched {
		job.finish(errors.New(errors.ErrFlashFailure, "名额已释放"))
		return job
	}

	c := r.c
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		c.run(job)
	}()
	return job
}

// Begin 占用名额并启动任务
func (c *Coordinator) Begin(hardware string) (*Job, error) {
	r, err := c.Reserve()
	if err != nil {
		return nil, err
	}
	return r.Launch(hardware), nil
}

// Busy 是否有任务进行中
func (c *Coordinator) Busy() bool {
	if c.sem.TryAcquire(1) {
		c.sem.Release(1)
		return false
	}
	return true
}

// Wait 等待所有任务结束
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(job *Job) {
	log := c.logger.With(zap.String("job_id", job.ID), zap.String("hardware", job.Hardware))

	err := c.flash(job, log)
	job.finish(err)

	if err != nil {
		log.Error("固件烧录失败", zap.Error(err))
		return
	}
	log.Info("固件烧录成功", zap.Duration("elapsed", job.Finished().Sub(job.Started())))
}

func (c *Coordinator) flash(job *Job, log *zap.Logger) (err error) {
	image, err := c.images.Resolve(job.Hardware)
	if err != nil {
		return err
	}

	device := c.link.CurrentDevice()
	job.setTarget(device, image)
	if device == "" {
		return errors.New(errors.ErrDeviceOffline, "未找到固件串口设备")
	}

	log.Info("暂停串口链路", zap.String("device", device), zap.String("image", image))
	if stopErr := c.link.Stop(); stopErr != nil {
		log.Warn("停止串口链路失败", zap.Error(stopErr))
	}

	// 无论烧录结果如何都恢复串口
	defer func() {
		if resumeErr := c.resume(log); resumeErr != nil && err == nil {
			err = resumeErr
		}
	}()

	if err := c.settle(); err != nil {
		return errors.Wrap(err, errors.ErrCanceled, "等待设备释放")
	}

	return c.tool.Flash(c.ctx, Params{
		Part:       c.cfg.Part,
		Programmer: c.cfg.Programmer,
		Device:     device,
		BaudRate:   c.cfg.BaudRate,
		ImagePath:  image,
	})
}

func (c *Coordinator) settle() error {
	if c.cfg.SettleDelay <= 0 {
		return c.ctx.Err()
	}
	t := time.NewTimer(c.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// resume 重启串口链路，进程退出时也要尝试，因此不使用任务上下文
func (c *Coordinator) resume(log *zap.Logger) error {
	backoff := retry.WithMaxRetries(uint64(c.cfg.ResumeRetry-1), retry.NewConstant(c.cfg.ResumeInterval))
	attempt := 0
	err := retry.Do(context.Background(), backoff, func(_ context.Context) error {
		attempt++
		if err := c.link.Start(); err != nil {
			log.Warn("恢复串口链路失败", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrSerialPortOpen, "恢复串口链路")
	}
	log.Info("串口链路已恢复", zap.Int("attempt", attempt))
	return nil
}

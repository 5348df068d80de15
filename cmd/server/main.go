package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/farm-controller/internal/api"
	"github.com/wfunc/farm-controller/internal/botstate"
	"github.com/wfunc/farm-controller/internal/config"
	"github.com/wfunc/farm-controller/internal/database"
	"github.com/wfunc/farm-controller/internal/errors"
	"github.com/wfunc/farm-controller/internal/firmware"
	"github.com/wfunc/farm-controller/internal/hardware"
	"github.com/wfunc/farm-controller/internal/logger"
	"github.com/wfunc/farm-controller/internal/repository"
	"github.com/wfunc/farm-controller/internal/version"
	"go.uber.org/zap"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	link   *hardware.SerialLink
	coord  *firmware.Coordinator
	actor  *botstate.Actor
	httpSv *http.Server

	httpErr chan error

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	setupSystem(&cfg.System)

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Error("服务器启动失败", zap.Error(err))
		server.Shutdown()
		logger.Cleanup()
		os.Exit(1)
	}

	exitCode := 0
	if err := server.Wait(); err != nil {
		logger.Error("服务异常退出", zap.Error(err))
		exitCode = 1
	}

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		exitCode = 1
	}

	logger.Info("服务器已关闭", zap.Int("exit_code", exitCode))
	logger.Cleanup()
	os.Exit(exitCode)
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		logger:  logger.GetLogger(),
		httpErr: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 按依赖顺序初始化组件
func (s *Server) Start() error {
	s.logger.Info("正在启动控制器状态服务...", zap.String("version", version.String()))

	if err := s.initDatabase(); err != nil {
		return err
	}

	store := repository.NewConfigStore(database.GetDB())

	var flasher botstate.Flasher
	if s.cfg.Serial.Enabled {
		coord, err := s.initFirmware()
		if err != nil {
			return err
		}
		flasher = coord
	} else {
		s.logger.Warn("固件串口已禁用，修改硬件类型不会触发烧录")
	}

	s.actor = botstate.New(store, flasher,
		botstate.WithBuildInfo(botstate.DefaultBuildInfo(s.cfg.Device.NodeName)),
		botstate.WithInboxSize(s.cfg.Device.Inbox))
	if err := s.actor.Start(s.ctx); err != nil {
		return errors.Wrap(err, errors.ErrPersistenceFailure, "加载持久化配置失败")
	}

	if s.link != nil {
		s.startLink()
	}

	if s.cfg.Server.Enabled {
		s.startHTTP()
	}

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新", zap.String("log_level", newCfg.Log.Level))
		logger.SetLevel(newCfg.Log.Level)
	})

	s.logger.Info("服务器启动成功")
	return nil
}

func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}
	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}
	return nil
}

func (s *Server) initFirmware() (*firmware.Coordinator, error) {
	serialCfg := s.cfg.Serial
	s.link = hardware.NewSerialLink(&hardware.SerialLinkConfig{
		Port:          serialCfg.Port,
		DevicePattern: serialCfg.DevicePattern,
		BaudRate:      serialCfg.BaudRate,
		ReadTimeout:   serialCfg.ReadTimeout,
		RetryInterval: serialCfg.RetryInterval,
	})

	fwCfg := s.cfg.Firmware
	tool, err := firmware.NewAvrdude(fwCfg.ToolPath, fwCfg.ExtraArgs, fwCfg.Timeout)
	if err != nil {
		return nil, err
	}

	s.coord = firmware.NewCoordinator(s.link, tool, firmware.DirImages{Dir: fwCfg.ImagesDir},
		firmware.CoordinatorConfig{
			Part:        fwCfg.Part,
			Programmer:  fwCfg.Programmer,
			BaudRate:    fwCfg.BaudRate,
			SettleDelay: fwCfg.SettleDelay,
			ResumeRetry: fwCfg.ResumeRetry,
		},
		firmware.WithContext(s.ctx))
	return s.coord, nil
}

// startLink 串口断开时固件版本置为未连接，连接时清空残留数据
func (s *Server) startLink() {
	actor := s.actor
	s.link.SetCallbacks(
		func(port hardware.SerialPort) error {
			return port.Flush()
		},
		func() {
			actor.UpdateInfo(botstate.InfoFirmwareVersion, botstate.DisconnectedFirmware)
		},
	)
	if err := s.link.Start(); err != nil {
		// 后台继续重连，不阻止启动
		s.logger.Warn("固件串口暂不可用", zap.Error(err))
	}
}

func (s *Server) startHTTP() {
	if s.cfg.Server.Mode != "" {
		gin.SetMode(s.cfg.Server.Mode)
	}
	router := api.NewRouter(s.actor, database.GetDB(), logger.WithModule("http"))

	s.httpSv = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port)),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP服务已启动", zap.String("addr", s.httpSv.Addr))
		if err := s.httpSv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.httpErr <- errors.Wrap(err, errors.ErrUnknown, "HTTP服务异常")
		}
	}()
}

// Wait 等待退出信号或服务异常退出
func (s *Server) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
		return nil
	case <-s.actor.Done():
		return s.actor.Err()
	case err := <-s.httpErr:
		return err
	}
}

// Shutdown 优雅关闭
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if s.httpSv != nil {
		if err := s.httpSv.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
	}

	if s.actor != nil {
		s.actor.Stop()
	}

	// 取消后烧录任务在等待阶段结束，正在执行的烧录工具会被终止
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		if s.coord != nil {
			s.coord.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		if firstErr == nil {
			firstErr = errors.New(errors.ErrTimeout, "关闭超时")
		}
	}

	if s.link != nil {
		if err := s.link.Stop(); err != nil {
			s.logger.Error("关闭串口失败", zap.Error(err))
		}
	}

	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}

	return firstErr
}

// setupSystem 设置系统参数
func setupSystem(cfg *config.SystemConfig) {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
}

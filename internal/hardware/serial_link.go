package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/farm-controller/internal/logger"
	"go.uber.org/zap"
)

// SerialLinkConfig 固件串口链路配置
type SerialLinkConfig struct {
	Port          string // 固定设备路径，为空时自动搜索
	DevicePattern string // 搜索模式，如 ttyACM
	DevDir        string // 设备目录，默认 /dev
	BaudRate      int
	ReadTimeout   time.Duration
	RetryInterval time.Duration
}

// SerialLink 固件串口链路管理器
// 负责串口的打开/关闭与断线重连，烧录固件前由烧录协调器暂停
type SerialLink struct {
	config *SerialLinkConfig
	open   PortOpener
	logger *zap.Logger

	port           SerialPort
	connected      bool
	running        bool
	lastDevicePath string

	onConnect    func(SerialPort) error
	onDisconnect func()

	stopCh      chan struct{}
	reconnectCh chan struct{}
	loopDone    chan struct{}
	mu          sync.RWMutex
}

// NewSerialLink 创建串口链路
func NewSerialLink(config *SerialLinkConfig) *SerialLink {
	if config.DevDir == "" {
		config.DevDir = "/dev"
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	return &SerialLink{
		config: config,
		open:   openTarmPort,
		logger: logger.WithModule("serial"),
	}
}

// SetPortOpener 替换串口打开方式
func (l *SerialLink) SetPortOpener(open PortOpener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = open
}

// SetLogger 设置日志器
func (l *SerialLink) SetLogger(log *zap.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = log
}

// SetCallbacks 设置连接/断开回调
func (l *SerialLink) SetCallbacks(onConnect func(SerialPort) error, onDisconnect func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConnect = onConnect
	l.onDisconnect = onDisconnect
}

// Start 打开串口并启动重连监控，重复调用时仅在未连接时重试一次
func (l *SerialLink) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		l.running = true
		l.stopCh = make(chan struct{})
		l.reconnectCh = make(chan struct{}, 1)
		l.loopDone = make(chan struct{})
		go l.reconnectLoop(l.stopCh, l.reconnectCh, l.loopDone)
	}

	if l.connected {
		return nil
	}

	if err := l.connectLocked(); err != nil {
		l.logger.Warn("串口连接失败，将在后台重试", zap.Error(err))
		l.triggerReconnect()
		return err
	}
	return nil
}

// Stop 关闭串口并停止重连，释放设备供外部工具使用
func (l *SerialLink) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stopCh)
	done := l.loopDone
	err := l.disconnectLocked()
	l.mu.Unlock()

	// 等待重连循环退出，确保停止后不会再次占用设备
	<-done

	l.logger.Info("串口链路已停止", zap.String("device", l.CurrentDevice()))
	return err
}

// CurrentDevice 当前设备路径
func (l *SerialLink) CurrentDevice() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastDevicePath != "" {
		return l.lastDevicePath
	}
	if l.config.Port != "" {
		return l.config.Port
	}
	return l.findDevice()
}

// IsConnected 检查连接状态
func (l *SerialLink) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Port 获取当前串口，未连接时为nil
func (l *SerialLink) Port() SerialPort {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.port
}

// HandleError 处理读写错误，断线类错误触发重连
func (l *SerialLink) HandleError(err error) {
	if err == nil {
		return
	}

	errStr := strings.ToLower(err.Error())
	if !strings.Contains(errStr, "input/output error") &&
		!strings.Contains(errStr, "device not configured") &&
		!strings.Contains(errStr, "broken pipe") &&
		!strings.Contains(errStr, "no such file") {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.logger.Error("检测到串口断线", zap.String("device", l.lastDevicePath), zap.Error(err))
	_ = l.disconnectLocked()
	l.triggerReconnect()
}

// triggerReconnect 需持有锁
func (l *SerialLink) triggerReconnect() {
	select {
	case l.reconnectCh <- struct{}{}:
	default:
	}
}

// connectLocked 打开串口，需持有锁
func (l *SerialLink) connectLocked() error {
	device := l.config.Port
	if device == "" {
		device = l.findDevice()
	}
	if device == "" {
		return fmt.Errorf("未找到串口设备 %s*", filepath.Join(l.config.DevDir, l.config.DevicePattern))
	}

	port, err := l.open(&serial.Config{
		Name:        device,
		Baud:        l.config.BaudRate,
		ReadTimeout: l.config.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("打开串口 %s 失败: %w", device, err)
	}

	if l.onConnect != nil {
		if err := l.onConnect(port); err != nil {
			port.Close()
			return fmt.Errorf("连接回调失败: %w", err)
		}
	}

	l.port = port
	l.connected = true
	l.lastDevicePath = device

	l.logger.Info("串口连接成功",
		zap.String("device", device),
		zap.Int("baud_rate", l.config.BaudRate))
	return nil
}

// disconnectLocked 关闭串口，需持有锁
func (l *SerialLink) disconnectLocked() error {
	l.connected = false
	if l.port == nil {
		return nil
	}

	if l.onDisconnect != nil {
		l.onDisconnect()
	}

	err := l.port.Close()
	l.port = nil
	if err != nil {
		return fmt.Errorf("关闭串口失败: %w", err)
	}
	return nil
}

// findDevice 查找设备，优先使用最后成功的设备
func (l *SerialLink) findDevice() string {
	if l.lastDevicePath != "" && SerialPortExists(l.lastDevicePath) {
		return l.lastDevicePath
	}
	if l.config.DevicePattern == "" {
		return ""
	}
	for i := 0; i < 10; i++ {
		device := filepath.Join(l.config.DevDir, fmt.Sprintf("%s%d", l.config.DevicePattern, i))
		if SerialPortExists(device) {
			return device
		}
	}
	return ""
}

// reconnectLoop 重连循环，间隔逐步增加
func (l *SerialLink) reconnectLoop(stopCh, reconnectCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	maxInterval := 6 * l.config.RetryInterval
	for {
		select {
		case <-stopCh:
			return
		case <-reconnectCh:
		}

		interval := l.config.RetryInterval
		for attempt := 1; ; attempt++ {
			l.mu.Lock()
			select {
			case <-stopCh:
				l.mu.Unlock()
				return
			default:
			}
			if l.connected {
				l.mu.Unlock()
				break
			}
			err := l.connectLocked()
			l.mu.Unlock()
			if err == nil {
				l.logger.Info("串口重连成功", zap.Int("attempt", attempt))
				break
			}

			l.logger.Warn("串口重连失败，等待重试",
				zap.Int("attempt", attempt),
				zap.Duration("interval", interval),
				zap.Error(err))

			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}
			if interval < maxInterval {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			}
		}
	}
}

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

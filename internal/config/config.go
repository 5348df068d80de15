package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Firmware FirmwareConfig `mapstructure:"firmware"`
	Device   DeviceConfig   `mapstructure:"device"`
	Log      LogConfig      `mapstructure:"log"`
	System   SystemConfig   `mapstructure:"system"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SerialConfig 固件串口配置
type SerialConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          string        `mapstructure:"port"`           // 固定端口，为空时按 device_pattern 搜索
	DevicePattern string        `mapstructure:"device_pattern"` // 如 ttyACM / ttyUSB
	BaudRate      int           `mapstructure:"baud_rate"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// FirmwareConfig 固件烧录配置
type FirmwareConfig struct {
	ImagesDir   string        `mapstructure:"images_dir"`
	ToolPath    string        `mapstructure:"tool_path"`
	ExtraArgs   string        `mapstructure:"extra_args"` // shell风格，额外传给烧录工具
	Part        string        `mapstructure:"part"`
	Programmer  string        `mapstructure:"programmer"`
	BaudRate    int           `mapstructure:"baud_rate"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ResumeRetry int           `mapstructure:"resume_retry"`
}

// DeviceConfig 设备信息
type DeviceConfig struct {
	NodeName string `mapstructure:"node_name"`
	Inbox    int    `mapstructure:"inbox"` // 状态服务消息队列长度
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化全局配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		var loaded *Config
		v, loaded, err = load(configPath)
		if err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})
	return err
}

// Load 读取配置但不修改全局实例
func Load(configPath string) (*Config, error) {
	_, c, err := load(configPath)
	return c, err
}

func load(configPath string) (*viper.Viper, *Config, error) {
	vp := viper.New()

	if configPath != "" {
		vp.SetConfigFile(configPath)
	} else {
		vp.SetConfigName("config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath("./config")
		vp.AddConfigPath(".")
	}

	vp.SetEnvPrefix("FARM_CONTROLLER")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	if err := vp.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	c := &Config{}
	if err := vp.Unmarshal(c); err != nil {
		return nil, nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	return vp, c, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Firmware.SettleDelay < 0 {
		return fmt.Errorf("firmware.settle_delay 不能为负数: %s", c.Firmware.SettleDelay)
	}
	if c.Firmware.BaudRate <= 0 {
		return fmt.Errorf("firmware.baud_rate 无效: %d", c.Firmware.BaudRate)
	}
	if c.Firmware.ImagesDir == "" {
		return fmt.Errorf("firmware.images_dir 不能为空")
	}
	if c.Device.Inbox <= 0 {
		return fmt.Errorf("device.inbox 必须大于0")
	}
	return nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/farm-controller.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("serial.enabled", true)
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.device_pattern", "ttyACM")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.read_timeout", "100ms")
	v.SetDefault("serial.retry_interval", "5s")

	v.SetDefault("firmware.images_dir", "/usr/share/farmbot/firmware")
	v.SetDefault("firmware.tool_path", "avrdude")
	v.SetDefault("firmware.extra_args", "")
	v.SetDefault("firmware.part", "atmega2560")
	v.SetDefault("firmware.programmer", "wiring")
	v.SetDefault("firmware.baud_rate", 115200)
	v.SetDefault("firmware.settle_delay", "2s")
	v.SetDefault("firmware.timeout", "0s")
	v.SetDefault("firmware.resume_retry", 3)

	v.SetDefault("device.node_name", "")
	v.SetDefault("device.inbox", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "farm-controller.log")
	v.SetDefault("log.file.max_size", 20)
	v.SetDefault("log.file.max_age", 14)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.compress", true)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载校验失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
	})
	v.WatchConfig()
}

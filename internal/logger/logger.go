package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wfunc/farm-controller/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	once   sync.Once
	mu     sync.RWMutex

	// 模块日志器
	moduleLoggers map[string]*zap.Logger
)

// Init 初始化日志系统
func Init(cfg *config.LogConfig) error {
	var err error
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()

		moduleLoggers = make(map[string]*zap.Logger)
		level.SetLevel(parseLevel(cfg.Level))

		encoderConfig := zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}

		var encoder zapcore.Encoder
		if cfg.Format == "json" {
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		} else {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		}

		var cores []zapcore.Core

		if cfg.Output == "stdout" || cfg.Output == "both" {
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
		}

		if cfg.Output == "file" || cfg.Output == "both" {
			logDir := cfg.File.Path
			if err = os.MkdirAll(logDir, 0755); err != nil {
				return
			}

			// 设备存储空间有限，依赖lumberjack轮转
			fileWriter := &lumberjack.Logger{
				Filename:   filepath.Join(logDir, cfg.File.Filename),
				MaxSize:    cfg.File.MaxSize,
				MaxAge:     cfg.File.MaxAge,
				MaxBackups: cfg.File.MaxBackups,
				Compress:   cfg.File.Compress,
			}
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(fileWriter), level))

			errorWriter := &lumberjack.Logger{
				Filename:   filepath.Join(logDir, "error.log"),
				MaxSize:    cfg.File.MaxSize,
				MaxAge:     cfg.File.MaxAge,
				MaxBackups: cfg.File.MaxBackups,
				Compress:   cfg.File.Compress,
			}
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(errorWriter), zapcore.ErrorLevel))
		}

		logger = zap.New(
			zapcore.NewTee(cores...),
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		)

		for module, levelStr := range cfg.Modules {
			moduleCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), parseLevel(levelStr))
			moduleLoggers[module] = zap.New(moduleCore, zap.AddCaller()).Named(module)
		}
	})

	return err
}

// parseLevel 解析日志级别
func parseLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger 获取日志器
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		defaultLogger, _ := zap.NewProduction()
		return defaultLogger
	}
	return logger
}

// WithModule 获取模块日志器，未单独配置的模块复用全局日志器
func WithModule(module string) *zap.Logger {
	mu.RLock()
	moduleLogger, ok := moduleLoggers[module]
	mu.RUnlock()
	if ok {
		return moduleLogger
	}
	return GetLogger().Named(module)
}

// SetLevel 动态设置全局日志级别
func SetLevel(levelStr string) {
	level.SetLevel(parseLevel(levelStr))
}

// Sync 同步日志缓冲区
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Info 输出信息日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Warn 输出警告日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error 输出错误日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// Debug 输出调试日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Cleanup 清理日志资源
func Cleanup() {
	if err := Sync(); err != nil {
		fmt.Printf("Failed to sync logger: %v\n", err)
	}
}

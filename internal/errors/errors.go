package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown        ErrorCode = 1000
	ErrInvalidParam   ErrorCode = 1001
	ErrNotFound       ErrorCode = 1002
	ErrTimeout        ErrorCode = 1005
	ErrCanceled       ErrorCode = 1006
	ErrNotImplemented ErrorCode = 1007

	// 状态机错误 (2000-2999)
	ErrInvalidFirmwareHardware ErrorCode = 2000
	ErrUnrecognizedConfigKey   ErrorCode = 2001
	ErrUnhandledRequest        ErrorCode = 2002
	ErrUnhandledNotification   ErrorCode = 2003
	ErrActorStopped            ErrorCode = 2004

	// 硬件错误 (3000-3999)
	ErrSerialPortOpen  ErrorCode = 3000
	ErrSerialPortClose ErrorCode = 3001
	ErrDeviceOffline   ErrorCode = 3004
	ErrDeviceBusy      ErrorCode = 3005
	ErrFlashFailure    ErrorCode = 3010
	ErrFlashInProgress ErrorCode = 3011
	ErrFirmwareImage   ErrorCode = 3012

	// 数据库错误 (5000-5999)
	ErrDatabaseConnect    ErrorCode = 5000
	ErrDatabaseQuery      ErrorCode = 5001
	ErrPersistenceFailure ErrorCode = 5003

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002
	ErrConfigMissing  ErrorCode = 6003
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:        "未知错误",
	ErrInvalidParam:   "无效的参数",
	ErrNotFound:       "资源未找到",
	ErrTimeout:        "操作超时",
	ErrCanceled:       "操作已取消",
	ErrNotImplemented: "功能未实现",

	ErrInvalidFirmwareHardware: "无效的固件硬件类型",
	ErrUnrecognizedConfigKey:   "无法识别的配置项",
	ErrUnhandledRequest:        "unhandled",
	ErrUnhandledNotification:   "无法处理的通知",
	ErrActorStopped:            "状态服务已停止",

	ErrSerialPortOpen:  "串口打开失败",
	ErrSerialPortClose: "串口关闭失败",
	ErrDeviceOffline:   "设备离线",
	ErrDeviceBusy:      "设备忙",
	ErrFlashFailure:    "固件烧录失败",
	ErrFlashInProgress: "固件烧录正在进行中",
	ErrFirmwareImage:   "固件镜像不可用",

	ErrDatabaseConnect:    "数据库连接失败",
	ErrDatabaseQuery:      "数据库查询失败",
	ErrPersistenceFailure: "配置持久化失败",

	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",
	ErrConfigMissing:  "配置项缺失",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details string       `json:"details"`
	Cause   error        `json:"-"`
	Stack   []StackFrame `json:"stack,omitempty"`
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误，已经是AppError时保留原始错误码
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Is 判断错误链中是否有指定错误码
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}

	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()

		// 跳过runtime和本包的调用
		if strings.Contains(frame.Function, "runtime.") ||
			strings.Contains(frame.Function, "github.com/wfunc/farm-controller/internal/errors") {
			if !more {
				break
			}
			continue
		}

		e.Stack = append(e.Stack, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})

		if !more || len(e.Stack) >= 10 {
			break
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}

	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidParam, ErrInvalidFirmwareHardware, ErrUnrecognizedConfigKey:
		return 400
	case ErrNotFound:
		return 404
	case ErrTimeout:
		return 408
	case ErrFlashInProgress, ErrDeviceBusy:
		return 409
	case ErrUnhandledRequest, ErrNotImplemented:
		return 501
	case ErrActorStopped, ErrPersistenceFailure, ErrDatabaseConnect, ErrDatabaseQuery:
		return 503
	default:
		return 500
	}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrTimeout,
		ErrDatabaseConnect,
		ErrDeviceOffline,
		ErrDeviceBusy,
		ErrFlashInProgress,
		ErrSerialPortOpen:
		return true
	default:
		return false
	}
}

// IsCritical 判断是否为严重错误（需要终止进程）
func IsCritical(err error) bool {
	switch GetCode(err) {
	case ErrDatabaseConnect,
		ErrPersistenceFailure,
		ErrConfigLoad,
		ErrConfigMissing:
		return true
	default:
		return false
	}
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *AppError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Success:   false,
		Error:     err,
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
}

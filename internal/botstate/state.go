// Package botstate 维护设备配置与状态记录。
// 记录由单个 Actor 协程独占，所有读写通过消息进行。
package botstate

import (
	"fmt"
	"os"

	"github.com/wfunc/farm-controller/internal/version"
)

// ConfigKey 可配置项
type ConfigKey string

const (
	KeyFirmwareHardware ConfigKey = "firmware_hardware"
	KeyTimezone         ConfigKey = "timezone"
	KeyUserEnv          ConfigKey = "user_env"
	KeyOSAutoUpdate     ConfigKey = "os_auto_update"
)

// ConfigKeys 全部配置项，同时也是持久化的键
var ConfigKeys = []ConfigKey{KeyFirmwareHardware, KeyTimezone, KeyUserEnv, KeyOSAutoUpdate}

// InfoKey 状态信息项
type InfoKey string

const (
	InfoLocked            InfoKey = "locked"
	InfoControllerVersion InfoKey = "controller_version"
	InfoTarget            InfoKey = "target"
	InfoCommit            InfoKey = "commit"
	InfoSyncStatus        InfoKey = "sync_status"
	InfoFirmwareVersion   InfoKey = "firmware_version"
	InfoNodeIdentity      InfoKey = "node_identity"
)

// InfoKeys 全部状态信息项
var InfoKeys = []InfoKey{
	InfoLocked, InfoControllerVersion, InfoTarget, InfoCommit,
	InfoSyncStatus, InfoFirmwareVersion, InfoNodeIdentity,
}

// SyncStatus 同步状态
type SyncStatus string

const (
	SyncNow     SyncStatus = "sync_now"
	Syncing     SyncStatus = "syncing"
	SyncError   SyncStatus = "sync_error"
	SyncUnknown SyncStatus = "unknown"
	SyncLocked  SyncStatus = "locked"
)

// FirmwareHardware 固件硬件类型
type FirmwareHardware string

const (
	HardwareArduino   FirmwareHardware = "arduino"
	HardwareFarmduino FirmwareHardware = "farmduino"
)

// DisconnectedFirmware 固件未连接时的版本号
const DisconnectedFirmware = "disconnected"

// Configuration 用户配置
type Configuration struct {
	FirmwareHardware FirmwareHardware  `json:"firmware_hardware"`
	Timezone         *string           `json:"timezone"`
	UserEnv          map[string]string `json:"user_env"`
	OSAutoUpdate     bool              `json:"os_auto_update"`
}

// Informational 状态信息
type Informational struct {
	Locked            bool       `json:"locked"`
	ControllerVersion string     `json:"controller_version"`
	Target            string     `json:"target"`
	Commit            string     `json:"commit"`
	SyncStatus        SyncStatus `json:"sync_status"`
	FirmwareVersion   string     `json:"firmware_version"`
	NodeIdentity      string     `json:"node_identity"`
}

// State 配置与状态记录
type State struct {
	Configuration Configuration `json:"configuration"`
	Informational Informational `json:"informational_settings"`
}

// BuildInfo 构建信息和节点标识，用于生成默认状态
type BuildInfo struct {
	Version      string
	Target       string
	Commit       string
	NodeIdentity string
}

// DefaultBuildInfo 使用编译注入的版本信息，nodeName 为空时按主机名生成
func DefaultBuildInfo(nodeName string) BuildInfo {
	if nodeName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		nodeName = fmt.Sprintf("farmbot@%s", host)
	}
	return BuildInfo{
		Version:      version.Version,
		Target:       version.Target,
		Commit:       version.Commit,
		NodeIdentity: nodeName,
	}
}

// DefaultState 默认状态
func DefaultState(info BuildInfo) *State {
	return &State{
		Configuration: Configuration{
			FirmwareHardware: HardwareArduino,
			UserEnv:          map[string]string{},
		},
		Informational: Informational{
			ControllerVersion: info.Version,
			Target:            info.Target,
			Commit:            info.Commit,
			SyncStatus:        SyncNow,
			FirmwareVersion:   DisconnectedFirmware,
			NodeIdentity:      info.NodeIdentity,
		},
	}
}

// Clone 深拷贝
func (s *State) Clone() *State {
	c := *s
	if s.Configuration.Timezone != nil {
		tz := *s.Configuration.Timezone
		c.Configuration.Timezone = &tz
	}
	c.Configuration.UserEnv = make(map[string]string, len(s.Configuration.UserEnv))
	for k, v := range s.Configuration.UserEnv {
		c.Configuration.UserEnv[k] = v
	}
	return &c
}

// configValue 读取配置项当前值
func (s *State) configValue(key ConfigKey) (interface{}, bool) {
	switch key {
	case KeyFirmwareHardware:
		return s.Configuration.FirmwareHardware, true
	case KeyTimezone:
		if s.Configuration.Timezone == nil {
			return nil, true
		}
		return *s.Configuration.Timezone, true
	case KeyUserEnv:
		env := make(map[string]string, len(s.Configuration.UserEnv))
		for k, v := range s.Configuration.UserEnv {
			env[k] = v
		}
		return env, true
	case KeyOSAutoUpdate:
		return s.Configuration.OSAutoUpdate, true
	default:
		return nil, false
	}
}

// persistedValue 持久化时写入的值
func (s *State) persistedValue(key ConfigKey) interface{} {
	switch key {
	case KeyFirmwareHardware:
		return string(s.Configuration.FirmwareHardware)
	case KeyTimezone:
		if s.Configuration.Timezone == nil {
			return nil
		}
		return *s.Configuration.Timezone
	case KeyUserEnv:
		v, _ := s.configValue(KeyUserEnv)
		return v
	case KeyOSAutoUpdate:
		return s.Configuration.OSAutoUpdate
	default:
		return nil
	}
}

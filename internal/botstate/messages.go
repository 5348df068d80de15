package botstate

// 同步请求，通过 Actor.Call 发送

// GetConfigRequest 读取配置项
type GetConfigRequest struct {
	Key ConfigKey
}

// ConfigValue GetConfigRequest 的应答
type ConfigValue struct {
	Value interface{}
	Found bool
}

// UpdateConfigRequest 修改配置项，成功时应答 ConfigValue
type UpdateConfigRequest struct {
	Key   ConfigKey
	Value interface{}
}

type (
	GetVersionRequest          struct{}
	GetFirmwareVersionRequest  struct{}
	GetFirmwareHardwareRequest struct{}
	IsLockedRequest            struct{}
	SnapshotRequest            struct{}
	// FlashJobRequest 最近一次烧录任务
	FlashJobRequest struct{}
)

// 异步通知，通过 Actor.Cast 发送

// UpdateInfoNotice 设置状态信息项
type UpdateInfoNotice struct {
	Key   InfoKey
	Value interface{}
}

// UpdateSyncStatusNotice 设置同步状态，锁定时忽略
type UpdateSyncStatusNotice struct {
	Status SyncStatus
}

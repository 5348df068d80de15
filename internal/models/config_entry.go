package models

import "time"

// 配置值类型
const (
	ConfigTypeString = "string"
	ConfigTypeInt    = "int"
	ConfigTypeFloat  = "float"
	ConfigTypeBool   = "bool"
	ConfigTypeJSON   = "json"
	ConfigTypeNull   = "null"
)

// ConfigEntry 持久化配置项，每个键独立一行
type ConfigEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"uniqueIndex;size:100;not null" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:20" json:"type"` // string, int, float, bool, json, null
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 表名
func (ConfigEntry) TableName() string {
	return "config_entries"
}

// AllModels 需要迁移的模型
func AllModels() []interface{} {
	return []interface{}{
		&ConfigEntry{},
	}
}

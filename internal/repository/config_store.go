package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/wfunc/farm-controller/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfigStore 持久化配置仓储，供状态服务启动加载和逐项写入
type ConfigStore interface {
	BaseRepository
	GetConfig(ctx context.Context, name string) (interface{}, bool, error)
	PutConfig(ctx context.Context, name string, value interface{}) error
	GetAll(ctx context.Context) ([]*models.ConfigEntry, error)
}

type configStore struct {
	*BaseRepo
}

// NewConfigStore 创建配置仓储
func NewConfigStore(db *gorm.DB) ConfigStore {
	return &configStore{BaseRepo: NewBaseRepo(db)}
}

// GetConfig 读取配置，不存在时返回 found=false 且无错误
func (r *configStore) GetConfig(ctx context.Context, name string) (interface{}, bool, error) {
	var entry models.ConfigEntry
	err := r.conn(ctx).
		Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: name}).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取配置 %s 失败: %w", name, err)
	}

	value, err := DecodeValue(&entry)
	if err != nil {
		return nil, false, fmt.Errorf("解析配置 %s 失败: %w", name, err)
	}
	return value, true, nil
}

// PutConfig 写入配置（存在则更新）
func (r *configStore) PutConfig(ctx context.Context, name string, value interface{}) error {
	strValue, configType, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("序列化配置 %s 失败: %w", name, err)
	}

	entry := &models.ConfigEntry{
		Key:   name,
		Value: strValue,
		Type:  configType,
	}

	err = r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "type", "updated_at"}),
		}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("写入配置 %s 失败: %w", name, err)
	}
	return nil
}

// GetAll 获取所有配置
func (r *configStore) GetAll(ctx context.Context) ([]*models.ConfigEntry, error) {
	var entries []*models.ConfigEntry
	err := r.conn(ctx).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).
		Find(&entries).Error
	return entries, err
}

func encodeValue(value interface{}) (string, string, error) {
	switch v := value.(type) {
	case nil:
		return "", models.ConfigTypeNull, nil
	case string:
		return v, models.ConfigTypeString, nil
	case *string:
		if v == nil {
			return "", models.ConfigTypeNull, nil
		}
		return *v, models.ConfigTypeString, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), models.ConfigTypeInt, nil
	case float32, float64:
		return strconv.FormatFloat(toFloat64(v), 'f', -1, 64), models.ConfigTypeFloat, nil
	case bool:
		return strconv.FormatBool(v), models.ConfigTypeBool, nil
	default:
		bytes, err := json.Marshal(value)
		if err != nil {
			return "", "", err
		}
		return string(bytes), models.ConfigTypeJSON, nil
	}
}

func toFloat64(v interface{}) float64 {
	if f, ok := v.(float32); ok {
		return float64(f)
	}
	return v.(float64)
}

// DecodeValue 按类型还原存储的值
func DecodeValue(entry *models.ConfigEntry) (interface{}, error) {
	switch entry.Type {
	case models.ConfigTypeNull:
		return nil, nil
	case models.ConfigTypeString, "":
		return entry.Value, nil
	case models.ConfigTypeInt:
		return strconv.ParseInt(entry.Value, 10, 64)
	case models.ConfigTypeFloat:
		return strconv.ParseFloat(entry.Value, 64)
	case models.ConfigTypeBool:
		return strconv.ParseBool(entry.Value)
	case models.ConfigTypeJSON:
		var out interface{}
		if err := json.Unmarshal([]byte(entry.Value), &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("未知的配置类型: %s", entry.Type)
	}
}

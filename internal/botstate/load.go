package botstate

import (
	"context"

	"github.com/wfunc/farm-controller/internal/errors"
	"go.uber.org/zap"
)

// Store 配置持久化接口
type Store interface {
	GetConfig(ctx context.Context, name string) (interface{}, bool, error)
	PutConfig(ctx context.Context, name string, value interface{}) error
}

// Load 生成默认状态并叠加已持久化的配置。
// 读取失败直接返回错误；存储的值无法识别时记录日志并保留默认值。
func Load(ctx context.Context, store Store, info BuildInfo, log *zap.Logger) (*State, error) {
	if log == nil {
		log = zap.NewNop()
	}
	state := DefaultState(info)

	for _, key := range ConfigKeys {
		raw, found, err := store.GetConfig(ctx, string(key))
		if err != nil {
			return nil, errors.Newf(errors.ErrPersistenceFailure, "加载配置 %s: %v", key, err).WithCause(err)
		}
		if !found {
			continue
		}
		if err := state.restore(key, raw); err != nil {
			log.Warn("忽略无效的已存储配置",
				zap.String("key", string(key)),
				zap.Any("value", raw),
				zap.Error(err))
		}
	}

	return state, nil
}

// restore 写入单个已存储的配置项
func (s *State) restore(key ConfigKey, raw interface{}) error {
	switch key {
	case KeyFirmwareHardware:
		hw, err := ParseFirmwareHardware(raw)
		if err != nil {
			return err
		}
		s.Configuration.FirmwareHardware = hw
	case KeyTimezone:
		tz, err := coerceTimezone(raw)
		if err != nil {
			return err
		}
		s.Configuration.Timezone = tz
	case KeyUserEnv:
		env, err := coerceUserEnv(raw)
		if err != nil {
			return err
		}
		s.Configuration.UserEnv = env
	case KeyOSAutoUpdate:
		b, err := CoerceAutoUpdate(raw)
		if err != nil {
			return err
		}
		s.Configuration.OSAutoUpdate = b
	default:
		return errors.Newf(errors.ErrUnrecognizedConfigKey, "%s", key)
	}
	return nil
}

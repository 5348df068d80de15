package botstate

import (
	"fmt"
	"reflect"

	"github.com/spf13/cast"
	"github.com/wfunc/farm-controller/internal/errors"
)

// ParseConfigKey 解析配置项，未知返回 false
func ParseConfigKey(s string) (ConfigKey, bool) {
	switch k := ConfigKey(s); k {
	case KeyFirmwareHardware, KeyTimezone, KeyUserEnv, KeyOSAutoUpdate:
		return k, true
	default:
		return "", false
	}
}

// ParseInfoKey 解析状态信息项，未知返回 false
func ParseInfoKey(s string) (InfoKey, bool) {
	switch k := InfoKey(s); k {
	case InfoLocked, InfoControllerVersion, InfoTarget, InfoCommit,
		InfoSyncStatus, InfoFirmwareVersion, InfoNodeIdentity:
		return k, true
	default:
		return "", false
	}
}

// ParseSyncStatus 解析同步状态
func ParseSyncStatus(s string) (SyncStatus, bool) {
	switch st := SyncStatus(s); st {
	case SyncNow, Syncing, SyncError, SyncUnknown, SyncLocked:
		return st, true
	default:
		return "", false
	}
}

// ParseFirmwareHardware 只接受 arduino / farmduino（字符串或枚举）
func ParseFirmwareHardware(v interface{}) (FirmwareHardware, error) {
	var s string
	switch x := v.(type) {
	case FirmwareHardware:
		s = string(x)
	case string:
		s = x
	default:
		return "", errors.Newf(errors.ErrInvalidFirmwareHardware, "%v", v)
	}

	switch hw := FirmwareHardware(s); hw {
	case HardwareArduino, HardwareFarmduino:
		return hw, nil
	default:
		return "", errors.Newf(errors.ErrInvalidFirmwareHardware, "%q", s)
	}
}

// CoerceAutoUpdate 接受 true/false 和整数 1/0，其它输入返回错误
func CoerceAutoUpdate(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch rv.Int() {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch rv.Uint() {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case reflect.Float32, reflect.Float64:
		// JSON 数字解码为 float64
		switch rv.Float() {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	}
	return false, errors.Newf(errors.ErrInvalidParam, "os_auto_update 只接受 true/false/1/0，收到 %#v", v)
}

// coerceTimezone nil 清空，字符串原样保存，其它标量转为字符串。
// 时区字段只能保存字符串，map、切片等无法转换的值不接受，返回 ErrInvalidParam。
func coerceTimezone(v interface{}) (*string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &x, nil
	case *string:
		if x == nil {
			return nil, nil
		}
		s := *x
		return &s, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrInvalidParam, "timezone: %#v", v)
	}
	return &s, nil
}

// coerceUserEnv 转换为字符串映射
func coerceUserEnv(v interface{}) (map[string]string, error) {
	if v == nil {
		return map[string]string{}, nil
	}
	env, err := cast.ToStringMapStringE(v)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrInvalidParam, "user_env 必须是字符串映射: %#v", v)
	}
	return env, nil
}

// applyInfo 将值转换为字段类型后写入，无业务校验
func applyInfo(info *Informational, key InfoKey, v interface{}) error {
	switch key {
	case InfoLocked:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		info.Locked = b
	case InfoControllerVersion:
		return setString(&info.ControllerVersion, v)
	case InfoTarget:
		return setString(&info.Target, v)
	case InfoCommit:
		return setString(&info.Commit, v)
	case InfoSyncStatus:
		if st, ok := v.(SyncStatus); ok {
			info.SyncStatus = st
			return nil
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		info.SyncStatus = SyncStatus(s)
	case InfoFirmwareVersion:
		return setString(&info.FirmwareVersion, v)
	case InfoNodeIdentity:
		return setString(&info.NodeIdentity, v)
	default:
		return fmt.Errorf("未知的状态信息项: %s", key)
	}
	return nil
}

func setString(dst *string, v interface{}) error {
	if v == nil {
		*dst = ""
		return nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return err
	}
	*dst = s
	return nil
}

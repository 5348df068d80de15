package firmware

import (
	"os"
	"path/filepath"

	"github.com/wfunc/farm-controller/internal/errors"
)

// ImageResolver 按硬件类型定位固件镜像
type ImageResolver interface {
	Resolve(hardware string) (string, error)
}

// DirImages 固件目录，镜像命名为 <hardware>-firmware.hex
type DirImages struct {
	Dir string
}

// Resolve 返回镜像路径，只检查文件存在，不校验内容
func (d DirImages) Resolve(hardware string) (string, error) {
	if hardware == "" {
		return "", errors.New(errors.ErrFirmwareImage, "硬件类型为空")
	}
	path := filepath.Join(d.Dir, hardware+"-firmware.hex")
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrFirmwareImage, path)
	}
	if info.IsDir() {
		return "", errors.Newf(errors.ErrFirmwareImage, "%s 是目录", path)
	}
	return path, nil
}

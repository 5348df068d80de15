package hardware

import (
	"io"

	"github.com/tarm/serial"
)

// SerialPort 串口接口（用于测试替换）
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// PortOpener 打开串口
type PortOpener func(cfg *serial.Config) (SerialPort, error)

// openTarmPort 默认的tarm/serial实现
func openTarmPort(cfg *serial.Config) (SerialPort, error) {
	return serial.OpenPort(cfg)
}

package firmware

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/wfunc/farm-controller/internal/errors"
	"github.com/wfunc/farm-controller/internal/logger"
	"go.uber.org/zap"
)

// Params 烧录参数
type Params struct {
	Part       string // MCU型号，如 atmega2560
	Programmer string // 通信协议，如 wiring
	Device     string
	BaudRate   int
	ImagePath  string
}

// Tool 烧录工具
type Tool interface {
	Flash(ctx context.Context, p Params) error
}

// Avrdude avrdude 命令行烧录工具
type Avrdude struct {
	Path      string
	ExtraArgs []string
	Timeout   time.Duration // 0 表示不限制
	Logger    *zap.Logger
}

// NewAvrdude 创建avrdude调用器，extraArgs 为shell风格参数串
func NewAvrdude(path, extraArgs string, timeout time.Duration) (*Avrdude, error) {
	args, err := shlex.Split(extraArgs)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrConfigParse, "firmware.extra_args: %q", extraArgs)
	}
	if path == "" {
		path = "avrdude"
	}
	return &Avrdude{
		Path:      path,
		ExtraArgs: args,
		Timeout:   timeout,
		Logger:    logger.WithModule("avrdude"),
	}, nil
}

// Args 构造命令行参数
func (a *Avrdude) Args(p Params) []string {
	args := []string{
		"-p" + p.Part,
		"-c" + p.Programmer,
		"-P" + p.Device,
		fmt.Sprintf("-b%d", p.BaudRate),
		"-D",
		"-V",
		fmt.Sprintf("-Uflash:w:%s:i", p.ImagePath),
	}
	return append(args, a.ExtraArgs...)
}

// Flash 执行烧录，命令输出写入日志
func (a *Avrdude) Flash(ctx context.Context, p Params) error {
	return a.run(ctx, a.Args(p))
}

func (a *Avrdude) run(ctx context.Context, args []string) error {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	log := a.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("开始烧录固件",
		zap.String("tool", a.Path),
		zap.String("args", strings.Join(args, " ")))

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, a.Path, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	log.Debug("烧录工具输出", zap.String("output", out.String()))

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrapf(err, errors.ErrTimeout, "烧录超时 %s", a.Timeout)
		}
		return errors.Wrapf(err, errors.ErrFlashFailure, "%s: %s", a.Path, lastLine(out.String()))
	}

	log.Info("固件烧录完成", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

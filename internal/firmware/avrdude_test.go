package firmware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/farm-controller/internal/errors"
	"go.uber.org/zap"
)

func TestAvrdude_Args(t *testing.T) {
	a, err := NewAvrdude("avrdude", `-C "/etc/avrdude.conf" -q`, 0)
	require.NoError(t, err)

	args := a.Args(Params{
		Part:       "atmega2560",
		Programmer: "wiring",
		Device:     "/dev/ttyACM0",
		BaudRate:   115200,
		ImagePath:  "/fw/arduino-firmware.hex",
	})
	assert.Equal(t, []string{
		"-patmega2560",
		"-cwiring",
		"-P/dev/ttyACM0",
		"-b115200",
		"-D",
		"-V",
		"-Uflash:w:/fw/arduino-firmware.hex:i",
		"-C", "/etc/avrdude.conf", "-q",
	}, args)
}

func TestNewAvrdude_BadExtraArgs(t *testing.T) {
	_, err := NewAvrdude("avrdude", `-C "unterminated`, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigParse))
}

func TestAvrdude_Flash(t *testing.T) {
	ok := &Avrdude{Path: "true", Logger: zap.NewNop()}
	assert.NoError(t, ok.Flash(context.Background(), Params{}))

	fail := &Avrdude{Path: "false", Logger: zap.NewNop()}
	err := fail.Flash(context.Background(), Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFlashFailure))
}

func TestAvrdude_Timeout(t *testing.T) {
	a := &Avrdude{Path: "sh", Timeout: 20 * time.Millisecond, Logger: zap.NewNop()}
	err := a.run(context.Background(), []string{"-c", "sleep 5"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
}

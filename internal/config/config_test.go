package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, 2*time.Second, c.Firmware.SettleDelay)
	assert.Equal(t, "atmega2560", c.Firmware.Part)
	assert.Equal(t, "wiring", c.Firmware.Programmer)
	assert.Equal(t, 115200, c.Firmware.BaudRate)
	assert.Equal(t, 64, c.Device.Inbox)
}

func TestLoad_Overrides(t *testing.T) {
	c, err := Load(writeConfig(t, `
firmware:
  settle_delay: 500ms
  images_dir: /opt/fw
  extra_args: "-v -v"
serial:
  port: /dev/ttyUSB0
`))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, c.Firmware.SettleDelay)
	assert.Equal(t, "/opt/fw", c.Firmware.ImagesDir)
	assert.Equal(t, "-v -v", c.Firmware.ExtraArgs)
	assert.Equal(t, "/dev/ttyUSB0", c.Serial.Port)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FARM_CONTROLLER_DEVICE_NODE_NAME", "farmbot@test")
	c, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "farmbot@test", c.Device.NodeName)
}

func TestLoad_InvalidSettleDelay(t *testing.T) {
	_, err := Load(writeConfig(t, "firmware:\n  settle_delay: -1s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settle_delay")
}

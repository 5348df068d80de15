package hardware

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// fakePort 内存串口
type fakePort struct {
	mu     sync.Mutex
	name   string
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error)  { return 0, nil }
func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *fakePort) Flush() error                { return nil }
func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeOpener struct {
	mu     sync.Mutex
	opened []*fakePort
	fail   error
}

func (o *fakeOpener) open(cfg *serial.Config) (SerialPort, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return nil, o.fail
	}
	p := &fakePort{name: cfg.Name}
	o.opened = append(o.opened, p)
	return p, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

func (o *fakeOpener) at(i int) *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[i]
}

func (o *fakeOpener) setFail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail = err
}

func newTestLink(t *testing.T, devices ...string) (*SerialLink, *fakeOpener, string) {
	t.Helper()
	dir := t.TempDir()
	for _, d := range devices {
		require.NoError(t, os.WriteFile(filepath.Join(dir, d), nil, 0o644))
	}
	link := NewSerialLink(&SerialLinkConfig{
		DevicePattern: "ttyACM",
		DevDir:        dir,
		BaudRate:      115200,
		RetryInterval: 10 * time.Millisecond,
	})
	opener := &fakeOpener{}
	link.SetPortOpener(opener.open)
	link.SetLogger(zap.NewNop())
	return link, opener, dir
}

func TestSerialLink_StartDiscoversDevice(t *testing.T) {
	link, opener, dir := newTestLink(t, "ttyACM1")
	defer link.Stop()

	require.NoError(t, link.Start())
	assert.True(t, link.IsConnected())
	assert.Equal(t, filepath.Join(dir, "ttyACM1"), link.CurrentDevice())
	assert.Equal(t, 1, opener.count())

	// 已连接时重复Start不会重新打开
	require.NoError(t, link.Start())
	assert.Equal(t, 1, opener.count())
}

func TestSerialLink_FixedPort(t *testing.T) {
	link, _, _ := newTestLink(t)
	link.config.Port = "/dev/ttyFIXED"
	defer link.Stop()

	assert.Equal(t, "/dev/ttyFIXED", link.CurrentDevice())
	require.NoError(t, link.Start())
	assert.Equal(t, "/dev/ttyFIXED", link.CurrentDevice())
}

func TestSerialLink_StopReleasesPort(t *testing.T) {
	link, opener, dir := newTestLink(t, "ttyACM0")

	require.NoError(t, link.Start())
	require.NoError(t, link.Stop())

	assert.False(t, link.IsConnected())
	assert.Nil(t, link.Port())
	assert.True(t, opener.at(0).isClosed())
	// 停止后仍能报告最后使用的设备
	assert.Equal(t, filepath.Join(dir, "ttyACM0"), link.CurrentDevice())

	// 重复Stop无副作用
	require.NoError(t, link.Stop())
}

func TestSerialLink_RestartAfterStop(t *testing.T) {
	link, opener, _ := newTestLink(t, "ttyACM0")
	defer link.Stop()

	require.NoError(t, link.Start())
	require.NoError(t, link.Stop())
	require.NoError(t, link.Start())

	assert.True(t, link.IsConnected())
	assert.Equal(t, 2, opener.count())
}

func TestSerialLink_NoDevice(t *testing.T) {
	link, opener, _ := newTestLink(t)
	defer link.Stop()

	err := link.Start()
	require.Error(t, err)
	assert.False(t, link.IsConnected())
	assert.Equal(t, 0, opener.count())
	assert.Equal(t, "", link.CurrentDevice())
}

func TestSerialLink_ReconnectAfterOpenFailure(t *testing.T) {
	link, opener, _ := newTestLink(t, "ttyACM0")
	defer link.Stop()

	opener.setFail(errors.New("device busy"))
	require.Error(t, link.Start())

	opener.setFail(nil)
	assert.Eventually(t, link.IsConnected, time.Second, 5*time.Millisecond)
}

func TestSerialLink_HandleError(t *testing.T) {
	link, opener, _ := newTestLink(t, "ttyACM0")
	defer link.Stop()
	require.NoError(t, link.Start())

	// 非断线错误忽略
	link.HandleError(errors.New("timeout"))
	assert.Equal(t, 1, opener.count())

	link.HandleError(errors.New("read /dev/ttyACM0: input/output error"))
	assert.True(t, opener.at(0).isClosed())
	assert.Eventually(t, func() bool {
		return link.IsConnected() && opener.count() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSerialLink_Callbacks(t *testing.T) {
	link, opener, _ := newTestLink(t, "ttyACM0")
	defer link.Stop()

	var mu sync.Mutex
	var connects, disconnects int
	link.SetCallbacks(
		func(port SerialPort) error {
			mu.Lock()
			defer mu.Unlock()
			connects++
			return port.Flush()
		},
		func() {
			mu.Lock()
			defer mu.Unlock()
			disconnects++
		},
	)

	require.NoError(t, link.Start())
	require.NoError(t, link.Stop())
	require.NoError(t, link.Start())

	mu.Lock()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, disconnects)
	mu.Unlock()
	assert.Equal(t, 2, opener.count())
}

func TestSerialLink_ConnectCallbackFailure(t *testing.T) {
	link, opener, _ := newTestLink(t, "ttyACM0")
	defer link.Stop()

	link.SetCallbacks(func(SerialPort) error { return errors.New("handshake") }, nil)

	require.Error(t, link.Start())
	assert.False(t, link.IsConnected())
	require.GreaterOrEqual(t, opener.count(), 1)
	assert.True(t, opener.at(0).isClosed())
}

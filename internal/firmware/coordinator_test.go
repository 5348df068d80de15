package firmware

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/farm-controller/internal/errors"
	"go.uber.org/zap"
)

// recorder 记录调用顺序
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeLink struct {
	rec       *recorder
	device    string
	startErrs []error
}

func (l *fakeLink) CurrentDevice() string { return l.device }
func (l *fakeLink) Stop() error {
	l.rec.add("stop")
	return nil
}
func (l *fakeLink) Start() error {
	l.rec.add("start")
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	if len(l.startErrs) > 0 {
		err := l.startErrs[0]
		l.startErrs = l.startErrs[1:]
		return err
	}
	return nil
}

type fakeTool struct {
	rec     *recorder
	err     error
	release chan struct{}

	mu     sync.Mutex
	params []Params
}

func (t *fakeTool) Flash(ctx context.Context, p Params) error {
	t.rec.add("flash")
	t.mu.Lock()
	t.params = append(t.params, p)
	t.mu.Unlock()
	if t.release != nil {
		select {
		case <-t.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return t.err
}

type fakeImages struct{}

func (fakeImages) Resolve(hw string) (string, error) {
	if hw == "missing" {
		return "", errors.New(errors.ErrFirmwareImage, hw)
	}
	return "/fw/" + hw + "-firmware.hex", nil
}

func newTestCoordinator(link *fakeLink, tool *fakeTool, cfg CoordinatorConfig) *Coordinator {
	if cfg.ResumeInterval == 0 {
		cfg.ResumeInterval = time.Millisecond
	}
	return NewCoordinator(link, tool, fakeImages{}, cfg, WithLogger(zap.NewNop()))
}

func waitJob(t *testing.T, job *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-job.Done():
	case <-ctx.Done():
		t.Fatal("烧录任务未结束")
	}
	return job.Err()
}

func TestCoordinator_Sequence(t *testing.T) {
	rec := &recorder{}
	link := &fakeLink{rec: rec, device: "/dev/ttyACM0"}
	tool := &fakeTool{rec: rec}
	c := newTestCoordinator(link, tool, CoordinatorConfig{
		Part: "atmega2560", Programmer: "wiring", BaudRate: 115200,
	})

	job, err := c.Begin("farmduino")
	require.NoError(t, err)
	require.NoError(t, waitJob(t, job))
	c.Wait()

	assert.Equal(t, []string{"stop", "flash", "start"}, rec.list())
	require.Len(t, tool.params, 1)
	assert.Equal(t, Params{
		Part:       "atmega2560",
		Programmer: "wiring",
		Device:     "/dev/ttyACM0",
		BaudRate:   115200,
		ImagePath:  "/fw/farmduino-firmware.hex",
	}, tool.params[0])

	status := job.Status()
	assert.Equal(t, JobSucceeded, status.State)
	assert.Equal(t, "/dev/ttyACM0", status.Device)
	assert.NotNil(t, status.FinishedAt)
	assert.NotEmpty(t, job.ID)
	assert.False(t, c.Busy())
}

func TestCoordinator_ResumesAfterFlashFailure(t *testing.T) {
	rec := &recorder{}
	link := &fakeLink{rec: rec, device: "/dev/ttyACM0"}
	tool := &fakeTool{rec: rec, err: errors.New(errors.ErrFlashFailure, "avrdude exit 1")}
	c := newTestCoordinator(link, tool, CoordinatorConfig{})

	job, err := c.Begin("arduino")
	require.NoError(t, err)

	err = waitJob(t, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFlashFailure))
	assert.Equal(t, []string{"stop", "flash", "start"}, rec.list())
	assert.Equal(t, JobFailed, job.Status().State)
}

func TestCoordinator_SingleFlight(t *testing.T) {
	rec := &recorder{}
	link := &fakeLink{rec: rec, device: "/dev/ttyACM0"}
	tool := &fakeTool{rec: rec, release: make(chan struct{})}
	c := newTestCoordinator(link, tool, CoordinatorConfig{})

	first, err := c.Begin("arduino")
	require.NoError(t, err)
	assert.True(t, c.Busy())

	_, err = c.Begin("farmduino")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFlashInProgress))

	_, err = c.Reserve()
	assert.True(t, errors.Is(err, errors.ErrFlashInProgress))

	close(tool.release)
	require.NoError(t, waitJob(t, first))
	c.Wait()

	second, err := c.Begin("farmduino")
	require.NoError(t, err)
	require.NoError(t, waitJob(t, second))
}

func TestCoordinator_ReservationRelease(t *testing.T) {
	rec := &recorder{}
	c := newTestCoordinator(&fakeLink{rec: rec, device: "/dev/ttyACM0"}, &fakeTool{rec: rec}, CoordinatorConfig{})

	r, err := c.Reserve()
	require.NoError(t, err)
	assert.True(t, c.Busy())

	r.Release()
	r.Release()
	assert.False(t, c.Busy())

	// 已释放的名额不能再启动任务
	job := r.Launch("arduino")
	assert.Error(t, waitJob(t, job))
	assert.Empty(t, rec.list())
	assert.False(t, c.Busy())
}

func TestCoordinator_SettleDelay(t *testing.T) {
	rec := &recorder{}
	link := &fakeLink{rec: rec, device: "/dev/ttyACM0"}
	c := newTestCoordinator(link, &fakeTool{rec: rec}, CoordinatorConfig{SettleDelay: 50 * time.Millisecond})

	start := time.Now()
	job, err := c.Begin("arduino")
	require.NoError(t, err)
	require.NoError(t, waitJob(t, job))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCoordinator_CanceledDuringSettle(t *testing.T) {
	rec := &recorder{}
	link := &fakeLink{rec: rec, device: "/dev/ttyACM0"}
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(link, &fakeTool{rec: rec}, fakeImages{},
		CoordinatorConfig{SettleDelay: time.Hour, ResumeInterval: time.Millisecond},
		WithLogger(zap.NewNop()), WithContext(ctx))

	job, err := c.Begin("arduino")
	require.NoError(t, err)
	cancel()

	err = waitJob(t, job)
	assert.True(t, errors.Is(err, errors.ErrCanceled))
	// 取消后不烧录，但仍恢复串口
	assert.Equal(t, []string{"stop", "start"}, rec.list())
}

func TestCoordinator_ResumeRetry(t *testing.T) {
	rec := &recorder{}
	link := &fakeLink{rec: rec, device: "/dev/ttyACM0", startErrs: []error{
		stderrors.New("busy"), stderrors.New("busy"),
	}}
	c := newTestCoordinator(link, &fakeTool{rec: rec}, CoordinatorConfig{ResumeRetry: 3})

	job, err := c.Begin("arduino")
	require.NoError(t, err)
	require.NoError(t, waitJob(t, job))
	assert.Equal(t, []string{"stop", "flash", "start", "start", "start"}, rec.list())
}

func TestCoordinator_ResumeExhausted(t *testing.T) {
	rec := &recorder{}
	link := &fakeLink{rec: rec, device: "/dev/ttyACM0", startErrs: []error{
		stderrors.New("busy"), stderrors.New("busy"),
	}}
	c := newTestCoordinator(link, &fakeTool{rec: rec}, CoordinatorConfig{ResumeRetry: 2})

	job, err := c.Begin("arduino")
	require.NoError(t, err)
	err = waitJob(t, job)
	assert.True(t, errors.Is(err, errors.ErrSerialPortOpen))
}

func TestCoordinator_NoDevice(t *testing.T) {
	rec := &recorder{}
	c := newTestCoordinator(&fakeLink{rec: rec}, &fakeTool{rec: rec}, CoordinatorConfig{})

	job, err := c.Begin("arduino")
	require.NoError(t, err)
	err = waitJob(t, job)
	assert.True(t, errors.Is(err, errors.ErrDeviceOffline))
	assert.Empty(t, rec.list())
}

func TestCoordinator_MissingImage(t *testing.T) {
	rec := &recorder{}
	c := newTestCoordinator(&fakeLink{rec: rec, device: "/dev/ttyACM0"}, &fakeTool{rec: rec}, CoordinatorConfig{})

	job, err := c.Begin("missing")
	require.NoError(t, err)
	err = waitJob(t, job)
	assert.True(t, errors.Is(err, errors.ErrFirmwareImage))
	assert.Empty(t, rec.list())
}

func TestJob_WaitContext(t *testing.T) {
	job := newJob("arduino")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, job.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, JobRunning, job.Status().State)

	job.finish(nil)
	assert.NoError(t, job.Wait(context.Background()))
}

func TestDirImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arduino-firmware.hex"), []byte(":00000001FF\n"), 0o644))
	images := DirImages{Dir: dir}

	path, err := images.Resolve("arduino")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "arduino-firmware.hex"), path)

	_, err = images.Resolve("farmduino")
	assert.True(t, errors.Is(err, errors.ErrFirmwareImage))

	_, err = images.Resolve("")
	assert.True(t, errors.Is(err, errors.ErrFirmwareImage))
}

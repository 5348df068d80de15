package firmware

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState 烧录任务状态
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job 一次固件烧录任务，完成后 Done() 关闭
type Job struct {
	ID       string
	Hardware string

	mu       sync.RWMutex
	device   string
	image    string
	started  time.Time
	finished time.Time
	err      error
	done     chan struct{}
}

func newJob(hardware string) *Job {
	return &Job{
		ID:       uuid.New().String(),
		Hardware: hardware,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
}

// Done 任务结束时关闭
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err 任务结束前返回nil
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Wait 等待任务结束并返回烧录结果
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started 开始时间
func (j *Job) Started() time.Time {
	return j.started
}

// Finished 结束时间，未结束时为零值
func (j *Job) Finished() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.finished
}

func (j *Job) setTarget(device, image string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.device = device
	j.image = image
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.err = err
	j.finished = time.Now()
	j.mu.Unlock()
	close(j.done)
}

// JobStatus 任务状态快照
type JobStatus struct {
	ID         string     `json:"id"`
	Hardware   string     `json:"hardware"`
	Device     string     `json:"device,omitempty"`
	Image      string     `json:"image,omitempty"`
	State      JobState   `json:"state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Status 获取任务状态快照
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()

	status := JobStatus{
		ID:        j.ID,
		Hardware:  j.Hardware,
		Device:    j.device,
		Image:     j.image,
		State:     JobRunning,
		StartedAt: j.started,
	}
	if !j.finished.IsZero() {
		finished := j.finished
		status.FinishedAt = &finished
		status.State = JobSucceeded
		if j.err != nil {
			status.State = JobFailed
			status.Error = j.err.Error()
		}
	}
	return status
}

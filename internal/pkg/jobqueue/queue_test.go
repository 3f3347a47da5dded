package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
	"github.com/ManuelReschke/pixelcore/internal/pkg/testutil"
)

func newTestQueue(t *testing.T, cfg Config, p Processor) *Queue {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	q := NewQueue(cfg, p)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func waitForStatus(t *testing.T, q *Queue, id string, status Status) Task {
	t.Helper()
	ok := testutil.WaitForCondition(func() bool {
		task, found := q.Get(id)
		return found && task.Status == status
	}, 3*time.Second)
	task, _ := q.Get(id)
	require.True(t, ok, "task %s stuck in %s, want %s", id, task.Status, status)
	return task
}

func TestNewQueueDefaults(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, DefaultWorkers},
		{"Negative workers", -1, DefaultWorkers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(Config{Workers: tt.workers}, nil)
			assert.Equal(t, tt.expectedWorkers, q.cfg.Workers)
			assert.Equal(t, tt.expectedWorkers, cap(q.notify))
			assert.Equal(t, DefaultMaxBacklog, q.cfg.MaxBacklog)
			assert.False(t, q.running)
		})
	}
}

func TestSubmitAndComplete(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 2}, ProcessorFunc(func(_ context.Context, task Task) (interface{}, error) {
		return "done:" + task.Path, nil
	}))
	q.Start()

	id, err := q.Submit(KindProcessMedia, "/in/a.jpg", map[string]interface{}{"quality": 80}, PriorityNormal)
	require.NoError(t, err)

	task := waitForStatus(t, q, id, StatusCompleted)
	assert.Equal(t, "done:/in/a.jpg", task.Result)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, 0, task.RetryCount)

	stats := q.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Pending)
}

func TestUrgentTaskRunsBeforeQueuedNormals(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	q := newTestQueue(t, Config{Workers: 1}, ProcessorFunc(func(_ context.Context, task Task) (interface{}, error) {
		if task.Path == "blocker" {
			<-release
		}
		mu.Lock()
		order = append(order, task.Path)
		mu.Unlock()
		return nil, nil
	}))
	q.Start()

	blocker, err := q.Submit(KindProcessMedia, "blocker", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, q, blocker, StatusRunning)

	var last string
	for _, p := range []string{"n1", "n2", "n3"} {
		last, err = q.Submit(KindProcessMedia, p, nil, PriorityNormal)
		require.NoError(t, err)
	}
	_, err = q.Submit(KindProcessMedia, "urgent", nil, PriorityUrgent)
	require.NoError(t, err)
	close(release)

	waitForStatus(t, q, last, StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"blocker", "urgent", "n1", "n2", "n3"}, order)
}

func TestRetryBoundWithDemotion(t *testing.T) {
	var calls atomic.Int32
	var priorities []Priority
	var mu sync.Mutex

	q := newTestQueue(t, Config{Workers: 1, MaxRetries: 2}, ProcessorFunc(func(_ context.Context, task Task) (interface{}, error) {
		calls.Add(1)
		mu.Lock()
		priorities = append(priorities, task.Priority)
		mu.Unlock()
		return nil, errors.New("transient failure")
	}))
	q.Start()

	id, err := q.Submit(KindProcessMedia, "flaky.jpg", nil, PriorityHigh)
	require.NoError(t, err)

	task := waitForStatus(t, q, id, StatusFailed)
	assert.Equal(t, int32(3), calls.Load(), "first run plus MaxRetries retries")
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "transient failure", task.ErrorMsg)
	mu.Lock()
	assert.Equal(t, []Priority{PriorityHigh, PriorityNormal, PriorityLow}, priorities)
	mu.Unlock()
}

func TestNonRecoverableErrorFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, Config{Workers: 1, MaxRetries: 3}, ProcessorFunc(func(context.Context, Task) (interface{}, error) {
		calls.Add(1)
		return nil, mediaerror.New(mediaerror.KindInvalidFormat, mediaerror.StageValidate, "bad.jpg", errors.New("not an image"))
	}))
	q.Start()

	id, err := q.Submit(KindProcessMedia, "bad.jpg", nil, PriorityNormal)
	require.NoError(t, err)

	task := waitForStatus(t, q, id, StatusFailed)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, task.RetryCount)
}

func TestPanickingProcessorIsRetried(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, Config{Workers: 1, MaxRetries: 1}, ProcessorFunc(func(context.Context, Task) (interface{}, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return "ok", nil
	}))
	q.Start()

	id, err := q.Submit(KindMetadata, "x.jpg", nil, PriorityNormal)
	require.NoError(t, err)
	task := waitForStatus(t, q, id, StatusCompleted)
	assert.Equal(t, 1, task.RetryCount)
}

func TestCancelOnlyPending(t *testing.T) {
	release := make(chan struct{})
	q := newTestQueue(t, Config{Workers: 1}, ProcessorFunc(func(context.Context, Task) (interface{}, error) {
		<-release
		return nil, nil
	}))
	q.Start()

	running, err := q.Submit(KindProcessMedia, "a", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, q, running, StatusRunning)
	queued, err := q.Submit(KindProcessMedia, "b", nil, PriorityNormal)
	require.NoError(t, err)

	assert.True(t, q.Cancel(queued))
	assert.False(t, q.Cancel(queued))
	assert.False(t, q.Cancel(running))
	assert.False(t, q.Cancel("unknown"))

	close(release)
	waitForStatus(t, q, running, StatusCompleted)
	task, ok := q.Get(queued)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Nil(t, task.StartedAt)
}

func TestBacklogAndClosed(t *testing.T) {
	q := NewQueue(Config{Workers: 1, MaxBacklog: 2}, ProcessorFunc(func(context.Context, Task) (interface{}, error) {
		return nil, nil
	}))

	first, err := q.Submit(KindProcessMedia, "a", nil, PriorityNormal)
	require.NoError(t, err)
	_, err = q.Submit(KindProcessMedia, "b", nil, PriorityLow)
	require.NoError(t, err)
	_, err = q.Submit(KindProcessMedia, "c", nil, PriorityUrgent)
	assert.ErrorIs(t, err, ErrQueueFull)
	_, err = q.Submit(KindProcessMedia, "d", nil, Priority(7))
	assert.Error(t, err)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.ByPriority["normal"])
	assert.Equal(t, 1, stats.ByPriority["low"])

	require.NoError(t, q.Shutdown(context.Background()))
	_, err = q.Submit(KindProcessMedia, "e", nil, PriorityNormal)
	assert.ErrorIs(t, err, ErrQueueClosed)

	task, ok := q.Get(first)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.True(t, q.Stats().Closed)
}

func TestShutdownTimeoutCancelsInFlight(t *testing.T) {
	cancelled := make(chan struct{})
	q := NewQueue(Config{Workers: 1, PollInterval: 10 * time.Millisecond}, ProcessorFunc(func(ctx context.Context, task Task) (interface{}, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}))
	q.Start()

	id, err := q.Submit(KindProcessMedia, "slow", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, q, id, StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Shutdown(ctx), ErrShutdownTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight task was not cancelled")
	}
	task, _ := q.Get(id)
	assert.Equal(t, StatusFailed, task.Status, "closed queue does not retry")
}

func TestTaskTimeout(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 1, MaxRetries: 2, TaskTimeout: 20 * time.Millisecond}, ProcessorFunc(func(ctx context.Context, task Task) (interface{}, error) {
		<-ctx.Done()
		return nil, mediaerror.Wrap(ctx.Err(), mediaerror.StageValidate, task.Path)
	}))
	q.Start()

	id, err := q.Submit(KindProcessMedia, "slow", nil, PriorityNormal)
	require.NoError(t, err)
	task := waitForStatus(t, q, id, StatusFailed)
	assert.Equal(t, 2, task.RetryCount, "timeouts are recoverable and retried")
}

func TestSweepRemovesOldTerminalTasks(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 1, Retention: time.Minute}, ProcessorFunc(func(context.Context, Task) (interface{}, error) {
		return nil, nil
	}))
	q.Start()

	done, err := q.Submit(KindProcessMedia, "a", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, q, done, StatusCompleted)

	assert.Zero(t, q.Sweep())

	q.mu.Lock()
	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	q.mu.Unlock()
	assert.Equal(t, 1, q.Sweep())
	_, ok := q.Get(done)
	assert.False(t, ok)
}

type recordingMirror struct {
	mu       sync.Mutex
	statuses []Status
}

func (m *recordingMirror) Save(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, task.Status)
	return nil
}

func TestStatusMirrorSeesEveryTransition(t *testing.T) {
	mirror := &recordingMirror{}
	q := newTestQueue(t, Config{Workers: 1}, ProcessorFunc(func(context.Context, Task) (interface{}, error) {
		return nil, nil
	}))
	q.SetStatusMirror(mirror)
	q.Start()

	id, err := q.Submit(KindThumbnails, "a", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, q, id, StatusCompleted)

	require.True(t, testutil.WaitForCondition(func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return len(mirror.statuses) == 3
	}, time.Second))
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.ElementsMatch(t, []Status{StatusPending, StatusRunning, StatusCompleted}, mirror.statuses)
}

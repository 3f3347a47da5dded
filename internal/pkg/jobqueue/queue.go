// Package jobqueue runs media tasks in the background on a fixed worker pool
// fed by a bounded priority queue.
package jobqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
	"github.com/ManuelReschke/pixelcore/internal/pkg/metrics"
)

const (
	DefaultWorkers       = 3
	DefaultMaxBacklog    = 1000
	DefaultMaxRetries    = 3
	DefaultRetention     = time.Hour
	DefaultPollInterval  = time.Second
	DefaultSweepInterval = 5 * time.Minute
	shutdownGrace        = time.Second
)

var (
	ErrQueueFull       = errors.New("queue is full")
	ErrQueueClosed     = errors.New("queue is closed")
	ErrTaskNotFound    = errors.New("task not found")
	ErrShutdownTimeout = errors.New("shutdown timed out, in-flight tasks were cancelled")
)

// Processor executes one task. The task passed in is a snapshot; the
// returned value is stored as the task result.
type Processor interface {
	Process(ctx context.Context, task Task) (interface{}, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task Task) (interface{}, error)

func (f ProcessorFunc) Process(ctx context.Context, task Task) (interface{}, error) {
	return f(ctx, task)
}

// StatusMirror receives every task transition, e.g. for out-of-process
// pollers.
type StatusMirror interface {
	Save(ctx context.Context, task Task) error
}

type Config struct {
	Workers       int
	MaxBacklog    int
	MaxRetries    int
	TaskTimeout   time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = DefaultMaxBacklog
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending    int            `json:"pending"`
	Running    int            `json:"running"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Cancelled  int            `json:"cancelled"`
	ByPriority map[string]int `json:"pending_by_priority"`
	Workers    int            `json:"workers"`
	MaxBacklog int            `json:"max_backlog"`
	Closed     bool           `json:"closed"`
}

// Queue manages background tasks in memory
type Queue struct {
	cfg       Config
	processor Processor
	mirror    StatusMirror
	now       func() time.Time

	mu      sync.Mutex
	pending taskHeap
	tasks   map[string]*Task
	seq     uint64
	running bool
	closed  bool

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// cancels in-flight processing on forced shutdown
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewQueue creates a new task queue
func NewQueue(cfg Config, processor Processor) *Queue {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		processor: processor,
		now:       time.Now,
		tasks:     make(map[string]*Task),
		notify:    make(chan struct{}, cfg.Workers),
		stopCh:    make(chan struct{}),
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// SetStatusMirror installs m. Call before Start.
func (q *Queue) SetStatusMirror(m StatusMirror) {
	q.mirror = m
}

// Start starts the workers and the retention sweeper
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running || q.closed {
		return
	}
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.cfg.Workers)

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.sweeper()
}

// Submit enqueues a task and returns its id.
func (q *Queue) Submit(kind Kind, path string, options map[string]interface{}, priority Priority) (string, error) {
	if priority < PriorityLow || priority > PriorityUrgent {
		return "", fmt.Errorf("invalid priority %d", priority)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if q.pending.Len() >= q.cfg.MaxBacklog {
		q.mu.Unlock()
		return "", ErrQueueFull
	}

	now := q.now()
	task := &Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		Path:       path,
		Options:    options,
		Priority:   priority,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: q.cfg.MaxRetries,
	}
	q.tasks[task.ID] = task
	q.pushLocked(task)
	snap := task.snapshot()
	q.mu.Unlock()

	q.signal()
	q.publish(snap)
	log.Infof("[JobQueue] Enqueued task %s (Kind: %s, Priority: %s)", task.ID, kind, priority)
	return task.ID, nil
}

func (q *Queue) pushLocked(task *Task) {
	q.seq++
	task.seq = q.seq
	heap.Push(&q.pending, task)
	metrics.QueueDepth.WithLabelValues(task.Priority.String()).Inc()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next pops the highest priority pending task and marks it running.
func (q *Queue) next() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.pending.Len() == 0 {
		return nil
	}
	task := heap.Pop(&q.pending).(*Task)
	metrics.QueueDepth.WithLabelValues(task.Priority.String()).Dec()
	if err := task.MarkAsRunning(q.now()); err != nil {
		log.Errorf("[JobQueue] %v", err)
		return nil
	}
	return task
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] Worker %d started", id)

	for {
		select {
		case <-q.stopCh:
			log.Debugf("[JobQueue] Worker %d stopping", id)
			return
		default:
		}

		task := q.next()
		if task == nil {
			select {
			case <-q.stopCh:
				log.Debugf("[JobQueue] Worker %d stopping", id)
				return
			case <-q.notify:
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		q.process(id, task)
	}
}

func (q *Queue) process(workerID int, task *Task) {
	q.mu.Lock()
	snap := task.snapshot()
	q.mu.Unlock()
	q.publish(snap)

	log.Infof("[JobQueue] Worker %d processing task %s (Kind: %s, Attempt %d/%d)",
		workerID, snap.ID, snap.Kind, snap.RetryCount+1, snap.MaxRetries+1)
	metrics.QueueRunningTasks.Inc()
	metrics.QueueTasksTotal.WithLabelValues(string(StatusRunning)).Inc()

	ctx := q.runCtx
	var cancel context.CancelFunc
	if q.cfg.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.cfg.TaskTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	result, err := q.safeProcess(ctx, snap)
	cancel()
	metrics.QueueRunningTasks.Dec()

	q.mu.Lock()
	now := q.now()
	switch {
	case err == nil:
		_ = task.MarkAsCompleted(result, now)
		log.Infof("[JobQueue] Task %s completed successfully", task.ID)
	case !retryable(err):
		_ = task.MarkAsFailed(err.Error(), now)
		log.Errorf("[JobQueue] Task %s failed permanently: %v", task.ID, err)
	case task.IsRetryable() && !q.closed:
		_ = task.MarkForRetry(err.Error(), now)
		q.pushLocked(task)
		log.Warnf("[JobQueue] Retrying task %s (Attempt %d/%d) at priority %s: %v",
			task.ID, task.RetryCount, task.MaxRetries, task.Priority, err)
	default:
		_ = task.MarkAsFailed(err.Error(), now)
		log.Errorf("[JobQueue] Task %s permanently failed after %d retries: %v", task.ID, task.RetryCount, err)
	}
	status := task.Status
	snap = task.snapshot()
	q.mu.Unlock()

	metrics.QueueTasksTotal.WithLabelValues(string(status)).Inc()
	if status == StatusPending {
		q.signal()
	}
	q.publish(snap)
}

func (q *Queue) safeProcess(ctx context.Context, task Task) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return q.processor.Process(ctx, task)
}

// retryable rejects classified non-recoverable errors.
func retryable(err error) bool {
	var ce *mediaerror.Error
	if errors.As(err, &ce) {
		return ce.Recoverable()
	}
	return true
}

func (q *Queue) publish(task Task) {
	if q.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.mirror.Save(ctx, task); err != nil {
		log.Warnf("[JobQueue] Failed to mirror status of task %s: %v", task.ID, err)
	}
}

// Get returns a snapshot of the task.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// Cancel removes a pending task. Running or finished tasks cannot be
// cancelled.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.Status != StatusPending || t.index < 0 {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.pending, t.index)
	metrics.QueueDepth.WithLabelValues(t.Priority.String()).Dec()
	_ = t.MarkAsCancelled(q.now())
	snap := t.snapshot()
	q.mu.Unlock()

	metrics.QueueTasksTotal.WithLabelValues(string(StatusCancelled)).Inc()
	q.publish(snap)
	log.Infof("[JobQueue] Task %s cancelled", id)
	return true
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		ByPriority: make(map[string]int, len(priorityNames)),
		Workers:    q.cfg.Workers,
		MaxBacklog: q.cfg.MaxBacklog,
		Closed:     q.closed,
	}
	for _, name := range priorityNames {
		s.ByPriority[name] = 0
	}
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
			s.ByPriority[t.Priority.String()]++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

func (q *Queue) sweeper() {
	defer q.wg.Done()
	log.Infof("[JobQueue] Retention sweeper running (retention=%s, interval=%s)", q.cfg.Retention, q.cfg.SweepInterval)
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if n := q.Sweep(); n > 0 {
				log.Infof("[JobQueue] Removed %d finished tasks", n)
			}
		}
	}
}

// Sweep removes terminal tasks that finished before the retention window.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.cfg.Retention)
	removed := 0
	for id, t := range q.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(q.tasks, id)
			removed++
		}
	}
	return removed
}

// Shutdown stops accepting tasks and waits for workers to finish their
// current task. When ctx expires first, in-flight work is cancelled and
// ErrShutdownTimeout is returned. Tasks still pending are cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	wasRunning := q.running
	q.running = false
	q.mu.Unlock()

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	if wasRunning {
		select {
		case <-done:
		case <-ctx.Done():
			log.Warn("[JobQueue] Shutdown deadline reached, cancelling in-flight tasks")
			q.runCancel()
			err = ErrShutdownTimeout
			select {
			case <-done:
			case <-time.After(shutdownGrace):
				log.Error("[JobQueue] Workers did not stop after cancellation")
			}
		}
	}
	q.runCancel()

	q.mu.Lock()
	now := q.now()
	var dropped []Task
	for q.pending.Len() > 0 {
		t := heap.Pop(&q.pending).(*Task)
		metrics.QueueDepth.WithLabelValues(t.Priority.String()).Dec()
		_ = t.MarkAsCancelled(now)
		t.ErrorMsg = ErrQueueClosed.Error()
		dropped = append(dropped, t.snapshot())
	}
	q.mu.Unlock()

	for _, t := range dropped {
		q.publish(t)
	}
	if len(dropped) > 0 {
		log.Warnf("[JobQueue] Cancelled %d pending tasks on shutdown", len(dropped))
	}
	log.Info("[JobQueue] All workers stopped")
	return err
}

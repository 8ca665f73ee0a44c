package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"ecssync/pkg/log"
)

// ErrShutdown is returned when submitting to an executor that no longer accepts work.
var ErrShutdown = errors.New("executor is shut down")

// Task represents a unit of work
type Task func(ctx context.Context) error

// Executor is a worker pool whose size, pause state and queue can be changed
// while it runs. Workers only ever leave between tasks, so resizing and
// pausing never interrupt a task in flight.
type Executor struct {
	name   string
	ctx    context.Context
	logger *log.Logger

	mu         sync.Mutex
	workCond   *sync.Cond
	spaceCond  *sync.Cond
	queue      []Task
	capacity   int
	size       int
	workers    int
	paused     bool
	shutdown   bool
	terminated chan struct{}
	termOnce   sync.Once

	active    atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
}

// NewExecutor starts an executor with size workers. A capacity of zero or
// less leaves the queue unbounded; otherwise Submit blocks while the queue is
// full. Tasks receive ctx.
func NewExecutor(ctx context.Context, name string, size, capacity int, logger *log.Logger) *Executor {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = log.NewNop()
	}
	e := &Executor{
		name:       name,
		ctx:        ctx,
		logger:     logger,
		capacity:   capacity,
		size:       size,
		terminated: make(chan struct{}),
	}
	e.workCond = sync.NewCond(&e.mu)
	e.spaceCond = sync.NewCond(&e.mu)

	e.mu.Lock()
	e.spawnLocked()
	e.mu.Unlock()
	return e
}

func (e *Executor) spawnLocked() {
	for e.workers < e.size {
		e.workers++
		go e.worker()
	}
}

func (e *Executor) worker() {
	for {
		task, ok := e.take()
		if !ok {
			return
		}
		e.run(task)
	}
}

// take blocks until a task may run or the worker should exit.
func (e *Executor) take() (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if e.workers > e.size {
			e.exitLocked()
			return nil, false
		}
		if !e.paused && len(e.queue) > 0 {
			task := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.active.Add(1)
			e.spaceCond.Signal()
			return task, true
		}
		if e.shutdown && len(e.queue) == 0 {
			e.exitLocked()
			return nil, false
		}
		e.workCond.Wait()
	}
}

func (e *Executor) exitLocked() {
	e.workers--
	if e.workers == 0 && e.shutdown {
		e.termOnce.Do(func() { close(e.terminated) })
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.failed.Add(1)
			e.logger.Error("task panicked",
				zap.String("executor", e.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
		e.active.Add(-1)
		e.completed.Add(1)
	}()

	if err := task(e.ctx); err != nil {
		e.failed.Add(1)
		e.logger.Debug("task failed", zap.String("executor", e.name), zap.Error(err))
	}
}

// Submit enqueues a task. It blocks only while a bounded queue is full.
func (e *Executor) Submit(task Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.shutdown && e.capacity > 0 && len(e.queue) >= e.capacity {
		e.spaceCond.Wait()
	}
	if e.shutdown {
		return ErrShutdown
	}
	e.queue = append(e.queue, task)
	e.workCond.Signal()
	return nil
}

// ResizeThreadPool changes the number of workers. Extra workers start
// immediately; surplus workers exit once their current task is done.
func (e *Executor) ResizeThreadPool(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid thread count: %d", n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.size = n
	if !e.shutdown {
		e.spawnLocked()
	}
	e.workCond.Broadcast()
	return nil
}

// Pause stops workers from starting new tasks. It returns false if the
// executor was already paused.
func (e *Executor) Pause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return false
	}
	e.paused = true
	return true
}

// Resume lets workers pick up tasks again. It returns false if the executor
// was not paused.
func (e *Executor) Resume() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return false
	}
	e.paused = false
	e.workCond.Broadcast()
	return true
}

// Shutdown stops accepting tasks. Queued tasks still run.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdownLocked()
}

func (e *Executor) shutdownLocked() {
	e.shutdown = true
	if e.workers == 0 {
		e.termOnce.Do(func() { close(e.terminated) })
	}
	e.workCond.Broadcast()
	e.spaceCond.Broadcast()
}

// Stop discards queued tasks, releases a pause and shuts down. Tasks already
// running finish normally. It returns the number of discarded tasks.
func (e *Executor) Stop() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := len(e.queue)
	e.queue = nil
	e.paused = false
	e.shutdownLocked()
	if dropped > 0 {
		e.logger.Info("discarded queued tasks", zap.String("executor", e.name), zap.Int("count", dropped))
	}
	return dropped
}

// AwaitTermination blocks until every worker has exited or ctx is done.
func (e *Executor) AwaitTermination(ctx context.Context) error {
	select {
	case <-e.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminated is closed once the executor is shut down and all workers exited.
func (e *Executor) Terminated() <-chan struct{} {
	return e.terminated
}

func (e *Executor) IsTerminated() bool {
	select {
	case <-e.terminated:
		return true
	default:
		return false
	}
}

func (e *Executor) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

func (e *Executor) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// ActiveCount returns the number of tasks currently running.
func (e *Executor) ActiveCount() int {
	return int(e.active.Load())
}

// CompletedTaskCount returns the number of tasks that finished, failed ones included.
func (e *Executor) CompletedTaskCount() int64 {
	return e.completed.Load()
}

// FailedTaskCount returns the number of tasks that returned an error or panicked.
func (e *Executor) FailedTaskCount() int64 {
	return e.failed.Load()
}

func (e *Executor) QueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// UnfinishedTasks returns queued plus running tasks.
func (e *Executor) UnfinishedTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) + int(e.active.Load())
}

// PoolSize returns the number of live workers.
func (e *Executor) PoolSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers
}

// ThreadCount returns the configured worker count.
func (e *Executor) ThreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

func (e *Executor) Name() string {
	return e.name
}

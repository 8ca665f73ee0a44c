package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ecssync/pkg/filter"
	"ecssync/pkg/integrity"
	"ecssync/pkg/log"
	"ecssync/pkg/models"
	"ecssync/pkg/pool"
	"ecssync/pkg/progress"
	"ecssync/pkg/state"
	"ecssync/pkg/storage"
)

var (
	ErrNotRunning     = errors.New("sync is not running")
	ErrAlreadyStarted = errors.New("sync already started")
)

// completionPoll is how often Run checks whether all work has drained.
const completionPoll = 100 * time.Millisecond

// Deps are the resolved plugins of one sync.
type Deps struct {
	Source   storage.Storage
	Target   storage.Storage
	Filters  filter.Chain
	Store    state.Store
	Verifier integrity.Verifier
	Logger   *log.Logger
}

// Sync copies every object of a source to a target. Enumeration feeds a
// bounded sync executor; failed objects come back through a retry executor
// to the back of the sync queue.
type Sync struct {
	cfg      *models.SyncConfig
	opts     *models.SyncOptions
	source   storage.Storage
	target   storage.Storage
	filters  filter.Chain
	store    state.Store
	verifier integrity.Verifier
	logger   *log.Logger

	tracker  *progress.Tracker
	estimate *models.SyncEstimate

	mu         sync.Mutex
	started    bool
	listExec   *pool.Executor
	syncExec   *pool.Executor
	retryExec  *pool.Executor
	cancelEnum context.CancelFunc
	runErr     error

	running     atomic.Bool
	paused      atomic.Bool
	terminated  atomic.Bool
	aborted     atomic.Bool
	enumerating atomic.Bool
	threadCount atomic.Int32

	// pending counts objects dispatched but not yet settled. A retried
	// object stays pending until its last attempt.
	pending       atomic.Int64
	awaitingRetry atomic.Int64
}

// New builds a sync for cfg. Nothing runs until Run is called.
func New(cfg *models.SyncConfig, deps Deps) *Sync {
	if deps.Logger == nil {
		deps.Logger = log.NewNop()
	}
	if deps.Store == nil {
		deps.Store = state.NewNoopStore()
	}
	if deps.Verifier == nil {
		deps.Verifier = integrity.MD5Verifier{UseMetadataChecksum: cfg.Options.UseMetadataChecksumForVerification}
	}
	s := &Sync{
		cfg:      cfg,
		opts:     &cfg.Options,
		source:   deps.Source,
		target:   deps.Target,
		filters:  deps.Filters,
		store:    deps.Store,
		verifier: deps.Verifier,
		logger:   &log.Logger{Logger: deps.Logger.Named("sync").With(zap.String("job", cfg.JobName))},
		tracker:  progress.NewTracker(),
		estimate: &models.SyncEstimate{},
	}
	s.threadCount.Store(int32(max(1, cfg.Options.ThreadCount)))
	return s
}

// Run executes the sync and returns when every object is settled or the
// sync was terminated. Tasks run with ctx, so cancelling it is a hard stop.
func (s *Sync) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	if s.terminated.Load() {
		s.mu.Unlock()
		s.tracker.Start()
		s.finish()
		return nil
	}

	tc := int(s.threadCount.Load())
	enumCtx, cancel := context.WithCancel(ctx)
	s.cancelEnum = cancel
	s.listExec = pool.NewExecutor(ctx, "list", tc, tc*4, s.logger)
	s.syncExec = pool.NewExecutor(ctx, "sync", tc, tc*4, s.logger)
	s.retryExec = pool.NewExecutor(ctx, "retry", tc, 0, s.logger)
	s.running.Store(true)
	s.tracker.Start()
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("sync started",
		zap.String("source", s.source.Name()),
		zap.String("target", s.target.Name()),
		zap.Int("thread_count", tc),
		zap.Bool("verify", s.opts.Verify),
		zap.Int("retry_attempts", s.opts.RetryAttempts))

	listDriven := s.listDriven()
	estDone := make(chan struct{})
	if s.opts.EstimationEnabled && !listDriven {
		s.estimate.SetRunning(true)
		go func() {
			defer close(estDone)
			s.runEstimation(enumCtx)
		}()
	} else {
		close(estDone)
	}

	enumDone := make(chan struct{})
	s.enumerating.Store(true)
	go func() {
		defer close(enumDone)
		defer s.enumerating.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.abort(fmt.Errorf("enumeration panicked: %v", r))
			}
		}()
		var err error
		if listDriven {
			err = s.enumerateList(enumCtx)
		} else {
			err = s.enumerate(enumCtx)
		}
		if err != nil && !s.terminated.Load() && !s.aborted.Load() {
			s.abort(err)
		}
	}()

	s.awaitCompletion(ctx, enumDone)

	for _, e := range s.executors() {
		if s.terminated.Load() || s.aborted.Load() {
			e.Stop()
		} else {
			e.Shutdown()
		}
	}
	for _, e := range s.executors() {
		_ = e.AwaitTermination(context.Background())
	}
	if s.terminated.Load() || s.aborted.Load() {
		cancel()
	}
	<-estDone
	cancel()
	<-enumDone

	s.finish()
	return s.RunError()
}

func (s *Sync) awaitCompletion(ctx context.Context, enumDone <-chan struct{}) {
	ticker := time.NewTicker(completionPoll)
	defer ticker.Stop()
	for {
		if s.terminated.Load() || s.aborted.Load() {
			return
		}
		select {
		case <-enumDone:
			if s.pending.Load() == 0 {
				return
			}
		default:
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.Terminate()
			return
		}
	}
}

func (s *Sync) finish() {
	s.paused.Store(false)
	s.tracker.Stop()
	s.estimate.SetRunning(false)
	s.running.Store(false)

	for _, c := range []interface{ Close() error }{s.source, s.target} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			s.logger.Warn("failed to close plugin", zap.Error(err))
		}
	}

	st := s.tracker.GetStats()
	s.logger.Info("sync finished",
		zap.Int64("objects_complete", st.ObjectsComplete),
		zap.Int64("objects_skipped", st.ObjectsSkipped),
		zap.Int64("objects_failed", st.ObjectsFailed),
		zap.Int64("bytes_complete", st.BytesComplete),
		zap.Duration("runtime", st.Runtime),
		zap.Bool("terminated", s.terminated.Load()),
		zap.Error(s.RunError()))
}

func (s *Sync) executors() []*pool.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncExec == nil {
		return nil
	}
	return []*pool.Executor{s.listExec, s.syncExec, s.retryExec}
}

func (s *Sync) listDriven() bool {
	return len(s.opts.SourceList) > 0 || s.opts.SourceListFile != ""
}

func (s *Sync) enumerate(ctx context.Context) error {
	for summary, err := range s.source.List(ctx) {
		if err != nil {
			if s.terminated.Load() {
				return nil
			}
			return fmt.Errorf("failed to enumerate %s: %w", s.source.Name(), err)
		}
		if err := s.dispatch(summary); err != nil {
			return nil
		}
	}
	return nil
}

// enumerateList feeds explicit identifiers through the list executor, which
// resolves each line to a summary.
func (s *Sync) enumerateList(ctx context.Context) error {
	submit := func(line string) error {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		s.pending.Add(1)
		err := s.listExec.Submit(func(ctx context.Context) error {
			defer s.pending.Add(-1)
			summary, err := s.source.ParseListLine(ctx, line)
			if err != nil {
				s.tracker.IncObjectsFailed()
				s.logger.Warn("failed to resolve list entry", zap.String("line", line), zap.Error(err))
				return err
			}
			return s.dispatch(summary)
		})
		if err != nil {
			s.pending.Add(-1)
		}
		return err
	}

	for _, line := range s.opts.SourceList {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := submit(line); err != nil {
			return nil
		}
	}
	if s.opts.SourceListFile == "" {
		return nil
	}

	f, err := os.Open(s.opts.SourceListFile)
	if err != nil {
		return fmt.Errorf("failed to open source list: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := submit(scanner.Text()); err != nil {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read source list: %w", err)
	}
	return nil
}

// dispatch submits one object to the sync executor, blocking while its queue
// is full. It fails only once the executor stopped accepting work.
func (s *Sync) dispatch(summary *models.ObjectSummary) error {
	oc := models.NewObjectContext(summary, s.opts)
	s.pending.Add(1)
	if err := s.syncExec.Submit(s.syncTask(oc)); err != nil {
		s.pending.Add(-1)
		return err
	}
	return nil
}

func (s *Sync) runEstimation(ctx context.Context) {
	defer s.estimate.SetRunning(false)
	for summary, err := range s.source.List(ctx) {
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("estimation stopped", zap.Error(err))
			}
			return
		}
		s.estimate.Add(summary.Size)
	}
	s.logger.Debug("estimation complete",
		zap.Int64("objects", s.estimate.TotalObjects()),
		zap.Int64("bytes", s.estimate.TotalBytes()))
}

// abort ends the sync because of an engine-level error.
func (s *Sync) abort(err error) {
	s.mu.Lock()
	if s.runErr == nil {
		s.runErr = err
	}
	cancel := s.cancelEnum
	s.mu.Unlock()

	s.aborted.Store(true)
	s.logger.Error("sync aborted", zap.Error(err))
	if cancel != nil {
		cancel()
	}
	for _, e := range s.executors() {
		e.Stop()
	}
	s.awaitingRetry.Store(0)
}

// Pause stops new tasks from starting. In-flight tasks finish.
func (s *Sync) Pause() error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	if !s.paused.CompareAndSwap(false, true) {
		return nil
	}
	for _, e := range s.executors() {
		e.Pause()
	}
	s.tracker.Pause()
	s.logger.Info("sync paused")
	return nil
}

func (s *Sync) Resume() error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	if !s.paused.CompareAndSwap(true, false) {
		return nil
	}
	for _, e := range s.executors() {
		e.Resume()
	}
	s.tracker.Resume()
	s.logger.Info("sync resumed")
	return nil
}

// Terminate stops enumeration and discards queued work. In-flight tasks run
// to completion. It is safe to call more than once.
func (s *Sync) Terminate() {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	cancel := s.cancelEnum
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.paused.CompareAndSwap(true, false) {
		s.tracker.Resume()
	}
	discarded := 0
	for _, e := range s.executors() {
		discarded += e.Stop()
	}
	// Retries dropped with the queues will never start.
	s.awaitingRetry.Store(0)
	s.logger.Info("sync terminated", zap.Int("discarded_tasks", discarded))
}

// SetThreadCount resizes the sync and retry executors.
func (s *Sync) SetThreadCount(n int) error {
	if n < 1 {
		return fmt.Errorf("thread count must be positive, got %d", n)
	}
	s.threadCount.Store(int32(n))
	for _, e := range s.executors() {
		if e.Name() == "list" {
			continue
		}
		if err := e.ResizeThreadPool(n); err != nil {
			return err
		}
	}
	s.logger.Info("thread count changed", zap.Int("thread_count", n))
	return nil
}

func (s *Sync) Config() *models.SyncConfig     { return s.cfg }
func (s *Sync) ThreadCount() int               { return int(s.threadCount.Load()) }
func (s *Sync) Stats() progress.Stats          { return s.tracker.GetStats() }
func (s *Sync) Estimate() *models.SyncEstimate { return s.estimate }
func (s *Sync) Store() state.Store             { return s.store }
func (s *Sync) Source() storage.Storage        { return s.source }
func (s *Sync) Target() storage.Storage        { return s.target }
func (s *Sync) ObjectsAwaitingRetry() int64    { return max(0, s.awaitingRetry.Load()) }

// IsRunning reports whether the sync is processing objects: started, not
// finished, not terminated and not aborted.
func (s *Sync) IsRunning() bool {
	return s.running.Load() && !s.terminated.Load() && !s.aborted.Load()
}

func (s *Sync) IsPaused() bool     { return s.paused.Load() }
func (s *Sync) IsTerminated() bool { return s.terminated.Load() }

func (s *Sync) ActiveSyncTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncExec == nil {
		return 0
	}
	return s.syncExec.ActiveCount()
}

// ActiveQueryTasks counts list tasks plus the enumeration itself.
func (s *Sync) ActiveQueryTasks() int {
	n := 0
	if s.enumerating.Load() {
		n++
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listExec != nil {
		n += s.listExec.ActiveCount()
	}
	return n
}

func (s *Sync) RunError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

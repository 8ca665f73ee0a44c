package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"ecssync/pkg/config"
	"ecssync/pkg/core"
	"ecssync/pkg/filter"
	"ecssync/pkg/log"
	"ecssync/pkg/models"
	"ecssync/pkg/pool"
	"ecssync/pkg/state"
	"ecssync/pkg/storage"
)

// MaxJobs is the default limit on jobs held by a manager.
const MaxJobs = 10

var (
	ErrInvalidConfig  = errors.New("invalid sync config")
	ErrInvalidControl = errors.New("invalid job control")
	ErrTooManyJobs    = errors.New("too many jobs")
	ErrJobNotFound    = errors.New("job not found")
	ErrJobNotFinished = errors.New("job is not finished")
)

// Config holds what the manager needs to turn a SyncConfig into a job.
type Config struct {
	MaxJobs    int
	Passphrase string
	DataDir    string
	S3         config.S3Settings
	Storages   *storage.Registry
	Filters    *filter.Registry
	Logger     *log.Logger
}

type job struct {
	id    int
	cfg   *models.SyncConfig
	sync  *core.Sync
	store state.Store
	done  chan struct{}
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Manager owns every job of the process. It is created once at startup and
// handed to the REST layer.
type Manager struct {
	cfg    Config
	logger *log.Logger

	mu     sync.RWMutex
	jobs   map[int]*job
	nextID atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = MaxJobs
	}
	if cfg.Storages == nil {
		cfg.Storages = storage.NewRegistry()
	}
	if cfg.Filters == nil {
		cfg.Filters = filter.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.Named("jobs"),
		jobs:   make(map[int]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// CreateJob validates cfg, resolves its plugins and status store and starts
// the job in the background.
func (m *Manager) CreateJob(ctx context.Context, cfg *models.SyncConfig) (int, error) {
	if cfg == nil {
		return 0, fmt.Errorf("%w: empty config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if m.full() {
		return 0, ErrTooManyJobs
	}

	j, err := m.build(ctx, cfg)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if len(m.jobs) >= m.cfg.MaxJobs {
		m.mu.Unlock()
		m.release(j)
		return 0, ErrTooManyJobs
	}
	j.id = int(m.nextID.Add(1))
	m.jobs[j.id] = j
	m.mu.Unlock()

	logger := m.logger.With(zap.Int("job_id", j.id), zap.String("job_name", cfg.JobName))
	logger.Info("job created", zap.String("source", cfg.Source), zap.String("target", cfg.Target))
	go func() {
		defer close(j.done)
		if err := j.sync.Run(m.ctx); err != nil {
			logger.Error("job failed", zap.Error(err))
			return
		}
		logger.Info("job ended", zap.String("status", string(deriveStatus(j.sync))))
	}()
	return j.id, nil
}

func (m *Manager) full() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs) >= m.cfg.MaxJobs
}

func (m *Manager) build(ctx context.Context, cfg *models.SyncConfig) (*job, error) {
	deps := storage.Deps{
		Buffers: pool.NewBufferPool(cfg.Options.BufferSize),
		S3:      m.cfg.S3,
		Logger:  m.cfg.Logger,
	}

	source, err := m.cfg.Storages.Resolve(ctx, cfg.Source, deps)
	if err != nil {
		return nil, fmt.Errorf("%w: source: %w", ErrInvalidConfig, err)
	}
	target, err := m.cfg.Storages.Resolve(ctx, cfg.Target, deps)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("%w: target: %w", ErrInvalidConfig, err)
	}
	filters, err := m.cfg.Filters.Build(cfg.Filters)
	if err != nil {
		source.Close()
		target.Close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	store, err := state.Open(cfg.Options, state.OpenParams{
		Passphrase: m.cfg.Passphrase,
		DataDir:    m.cfg.DataDir,
		Logger:     m.cfg.Logger,
	})
	if err != nil {
		source.Close()
		target.Close()
		return nil, fmt.Errorf("%w: status store: %w", ErrInvalidConfig, err)
	}

	s := core.New(cfg, core.Deps{
		Source:  source,
		Target:  target,
		Filters: filters,
		Store:   store,
		Logger:  m.cfg.Logger,
	})
	return &job{cfg: cfg, sync: s, store: store, done: make(chan struct{})}, nil
}

// release disposes of a job that never ran.
func (m *Manager) release(j *job) {
	j.sync.Terminate()
	_ = j.sync.Run(m.ctx)
	close(j.done)
	j.store.Close()
}

func (m *Manager) get(id int) (*job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return j, nil
}

func (m *Manager) GetJob(id int) (*models.JobInfo, error) {
	j, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return info(j), nil
}

func info(j *job) *models.JobInfo {
	return &models.JobInfo{
		JobID:   j.id,
		JobName: j.cfg.JobName,
		Status:  deriveStatus(j.sync),
		Config:  j.cfg,
	}
}

// ListJobs returns every job ordered by id.
func (m *Manager) ListJobs() []models.JobInfo {
	m.mu.RLock()
	list := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		list = append(list, j)
	}
	m.mu.RUnlock()

	slices.SortFunc(list, func(a, b *job) int { return a.id - b.id })
	out := make([]models.JobInfo, 0, len(list))
	for _, j := range list {
		out = append(out, *info(j))
	}
	return out
}

// DeleteJob forgets a finished job. Unless keepDatabase is set its status
// store is wiped as well.
func (m *Manager) DeleteJob(ctx context.Context, id int, keepDatabase bool) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if status := deriveStatus(j.sync); !status.IsFinal() || !j.finished() {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %d is %s", ErrJobNotFinished, id, status)
	}
	delete(m.jobs, id)
	m.mu.Unlock()

	if err := j.store.Close(); err != nil {
		m.logger.Warn("failed to close status store", zap.Int("job_id", id), zap.Error(err))
	}
	if !keepDatabase {
		if err := j.store.DeleteDatabase(ctx); err != nil {
			return fmt.Errorf("job %d deleted but its database remains: %w", id, err)
		}
	}
	m.logger.Info("job deleted", zap.Int("job_id", id), zap.Bool("keep_database", keepDatabase))
	return nil
}

func (m *Manager) GetJobControl(id int) (*models.JobControl, error) {
	j, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return &models.JobControl{Status: deriveStatus(j.sync), ThreadCount: j.sync.ThreadCount()}, nil
}

// SetJobControl applies a partial control request: a positive thread count
// resizes the job and a status pauses, resumes or stops it.
func (m *Manager) SetJobControl(id int, ctl models.JobControl) error {
	j, err := m.get(id)
	if err != nil {
		return err
	}
	switch ctl.Status {
	case "", models.JobStopped, models.JobPaused, models.JobRunning:
	default:
		return fmt.Errorf("%w: cannot request status %s", ErrInvalidControl, ctl.Status)
	}

	if ctl.ThreadCount > 0 {
		if err := j.sync.SetThreadCount(ctl.ThreadCount); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidControl, err)
		}
	}

	switch ctl.Status {
	case "":
	case models.JobStopped:
		j.sync.Terminate()
	case models.JobPaused:
		err = j.sync.Pause()
	case models.JobRunning:
		err = j.sync.Resume()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidControl, err)
	}
	m.logger.Info("job control changed",
		zap.Int("job_id", id),
		zap.String("status", string(ctl.Status)),
		zap.Int("thread_count", ctl.ThreadCount))
	return nil
}

// Close stops every job. In-flight objects may finish until ctx expires,
// after which their context is cancelled.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	list := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		list = append(list, j)
	}
	m.mu.RUnlock()

	for _, j := range list {
		j.sync.Terminate()
	}
	var err error
	for _, j := range list {
		select {
		case <-j.done:
		case <-ctx.Done():
			m.cancel()
			<-j.done
			err = ctx.Err()
		}
	}
	m.cancel()

	for _, j := range list {
		if cerr := j.store.Close(); cerr != nil {
			m.logger.Warn("failed to close status store", zap.Int("job_id", j.id), zap.Error(cerr))
		}
	}
	return err
}

// deriveStatus maps the engine flags onto a job status. Nothing else stores it.
// Enumeration blocks on a paused queue, so only sync tasks count as active.
func deriveStatus(s *core.Sync) models.JobControlStatus {
	active := s.ActiveSyncTasks() > 0
	stopped := !s.Stats().StopTime.IsZero()
	switch {
	case s.IsPaused():
		if active {
			return models.JobPausing
		}
		return models.JobPaused
	case s.IsRunning():
		return models.JobRunning
	case s.IsTerminated():
		if active || !stopped {
			return models.JobStopping
		}
		return models.JobStopped
	case stopped:
		if s.RunError() != nil {
			return models.JobFailed
		}
		return models.JobComplete
	case s.RunError() != nil:
		return models.JobStopping
	}
	return models.JobInitializing
}

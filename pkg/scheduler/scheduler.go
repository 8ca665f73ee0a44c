package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ecssync/pkg/log"
	"ecssync/pkg/models"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleExists   = errors.New("schedule already exists")
	ErrInvalidSchedule  = errors.New("invalid schedule")
)

// Schedule launches a sync job from Config every time CronExpr fires.
type Schedule struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	CronExpr  string             `json:"cron_expr"`
	Enabled   bool               `json:"enabled"`
	Config    *models.SyncConfig `json:"config"`
	LastRun   time.Time          `json:"last_run"`
	NextRun   time.Time          `json:"next_run"`
	LastJobID int                `json:"last_job_id,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	RunCount  int                `json:"run_count"`
	FailCount int                `json:"fail_count"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// JobLauncher starts a sync job. The job manager implements it.
type JobLauncher interface {
	CreateJob(ctx context.Context, cfg *models.SyncConfig) (int, error)
}

// Scheduler manages scheduled sync jobs
type Scheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	schedules map[string]*Schedule
	entries   map[string]cron.EntryID
	launcher  JobLauncher
	logger    *log.Logger
	running   bool
	wg        sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(launcher JobLauncher, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Scheduler{
		cron:      cron.New(),
		schedules: make(map[string]*Schedule),
		entries:   make(map[string]cron.EntryID),
		launcher:  launcher,
		logger:    logger.Named("scheduler"),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops the scheduler and waits for launches in progress.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	ctx := s.cron.Stop()
	s.running = false
	s.mu.Unlock()

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

func validate(schedule *Schedule) (cron.Schedule, error) {
	if strings.TrimSpace(schedule.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if schedule.Config == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidSchedule)
	}
	if err := schedule.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression: %w", ErrInvalidSchedule, err)
	}
	return cronSchedule, nil
}

func (s *Scheduler) addEntryLocked(id, expr string) error {
	entryID, err := s.cron.AddFunc(expr, func() {
		s.executeSchedule(id)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entries[id] = entryID
	return nil
}

func (s *Scheduler) removeEntryLocked(id string) {
	if entryID, exists := s.entries[id]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// AddSchedule adds a new scheduled job
func (s *Scheduler) AddSchedule(schedule *Schedule) error {
	cronSchedule, err := validate(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrScheduleExists, schedule.ID)
	}

	now := time.Now()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	schedule.NextRun = cronSchedule.Next(now)

	if schedule.Enabled {
		if err := s.addEntryLocked(schedule.ID, schedule.CronExpr); err != nil {
			return err
		}
	}

	s.schedules[schedule.ID] = schedule
	s.logger.Info("schedule added",
		zap.String("schedule_id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("cron", schedule.CronExpr),
		zap.Bool("enabled", schedule.Enabled))
	return nil
}

// RemoveSchedule removes a scheduled job
func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[id]; !exists {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.removeEntryLocked(id)
	delete(s.schedules, id)
	return nil
}

// UpdateSchedule replaces the definition of a schedule, keeping its counters.
func (s *Scheduler) UpdateSchedule(schedule *Schedule) error {
	cronSchedule, err := validate(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.schedules[schedule.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, schedule.ID)
	}

	schedule.CreatedAt = old.CreatedAt
	schedule.RunCount = old.RunCount
	schedule.FailCount = old.FailCount
	schedule.LastRun = old.LastRun
	schedule.LastJobID = old.LastJobID
	schedule.LastError = old.LastError
	schedule.UpdatedAt = time.Now()
	schedule.NextRun = cronSchedule.Next(schedule.UpdatedAt)

	s.removeEntryLocked(schedule.ID)
	if schedule.Enabled {
		if err := s.addEntryLocked(schedule.ID, schedule.CronExpr); err != nil {
			return err
		}
	}

	s.schedules[schedule.ID] = schedule
	return nil
}

// GetSchedule returns a copy of a schedule.
func (s *Scheduler) GetSchedule(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	cp := *schedule
	return &cp, nil
}

// ListSchedules returns copies of all schedules ordered by name.
func (s *Scheduler) ListSchedules() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		cp := *schedule
		schedules = append(schedules, &cp)
	}
	slices.SortFunc(schedules, func(a, b *Schedule) int { return strings.Compare(a.Name, b.Name) })
	return schedules
}

// EnableSchedule enables a schedule
func (s *Scheduler) EnableSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if schedule.Enabled {
		return nil
	}
	if err := s.addEntryLocked(id, schedule.CronExpr); err != nil {
		return err
	}
	schedule.Enabled = true
	schedule.UpdatedAt = time.Now()
	if cronSchedule, err := cron.ParseStandard(schedule.CronExpr); err == nil {
		schedule.NextRun = cronSchedule.Next(schedule.UpdatedAt)
	}
	return nil
}

// DisableSchedule disables a schedule
func (s *Scheduler) DisableSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if !schedule.Enabled {
		return nil
	}
	s.removeEntryLocked(id)
	schedule.Enabled = false
	schedule.UpdatedAt = time.Now()
	return nil
}

// RunNow launches a schedule's job immediately.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	_, exists := s.schedules[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeSchedule(id)
	}()
	return nil
}

func (s *Scheduler) executeSchedule(id string) {
	s.mu.Lock()
	schedule, exists := s.schedules[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	schedule.LastRun = time.Now()
	schedule.RunCount++
	cfg := *schedule.Config
	cfg.Filters = slices.Clone(cfg.Filters)
	cfg.Options.SourceList = slices.Clone(cfg.Options.SourceList)
	if cfg.JobName == "" {
		cfg.JobName = schedule.Name
	}
	cfg.JobName = fmt.Sprintf("%s-%d", cfg.JobName, schedule.RunCount)
	expr := schedule.CronExpr
	s.mu.Unlock()

	jobID, err := s.launcher.CreateJob(context.Background(), &cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		schedule.FailCount++
		schedule.LastError = err.Error()
		s.logger.Warn("scheduled job not started", zap.String("schedule_id", id), zap.Error(err))
	} else {
		schedule.LastJobID = jobID
		schedule.LastError = ""
		s.logger.Info("scheduled job started", zap.String("schedule_id", id), zap.Int("job_id", jobID))
	}

	if cronSchedule, parseErr := cron.ParseStandard(expr); parseErr == nil {
		schedule.NextRun = cronSchedule.Next(time.Now())
	}
}

// SchedulerStats summarizes the registered schedules.
type SchedulerStats struct {
	TotalSchedules    int       `json:"total_schedules"`
	ActiveSchedules   int       `json:"active_schedules"`
	DisabledSchedules int       `json:"disabled_schedules"`
	NextRun           time.Time `json:"next_run"`
}

func (s *Scheduler) GetStats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SchedulerStats{
		TotalSchedules: len(s.schedules),
	}

	var nextRun time.Time
	for _, schedule := range s.schedules {
		if schedule.Enabled {
			stats.ActiveSchedules++
			if nextRun.IsZero() || schedule.NextRun.Before(nextRun) {
				nextRun = schedule.NextRun
			}
		} else {
			stats.DisabledSchedules++
		}
	}

	stats.NextRun = nextRun
	return stats
}

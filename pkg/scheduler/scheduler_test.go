package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecssync/pkg/models"
)

type fakeLauncher struct {
	mu      sync.Mutex
	configs []*models.SyncConfig
	err     error
}

func (f *fakeLauncher) CreateJob(ctx context.Context, cfg *models.SyncConfig) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.configs = append(f.configs, cfg)
	return len(f.configs), nil
}

func (f *fakeLauncher) launched() []*models.SyncConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.SyncConfig(nil), f.configs...)
}

func newSchedule(id string) *Schedule {
	cfg := models.NewSyncConfig()
	cfg.Source = "mem://src"
	cfg.Target = "mem://dst"
	return &Schedule{ID: id, Name: "nightly-" + id, CronExpr: "0 2 * * *", Enabled: true, Config: cfg}
}

func TestScheduleLifecycle(t *testing.T) {
	s := NewScheduler(&fakeLauncher{}, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.AddSchedule(newSchedule("a")))
	assert.ErrorIs(t, s.AddSchedule(newSchedule("a")), ErrScheduleExists)

	got, err := s.GetSchedule("a")
	require.NoError(t, err)
	assert.True(t, got.NextRun.After(time.Now()))
	assert.Equal(t, 1, s.GetStats().ActiveSchedules)

	require.NoError(t, s.DisableSchedule("a"))
	stats := s.GetStats()
	assert.Equal(t, 0, stats.ActiveSchedules)
	assert.Equal(t, 1, stats.DisabledSchedules)
	require.NoError(t, s.EnableSchedule("a"))
	assert.Equal(t, 1, s.GetStats().ActiveSchedules)

	updated := newSchedule("a")
	updated.CronExpr = "*/5 * * * *"
	require.NoError(t, s.UpdateSchedule(updated))
	got, err = s.GetSchedule("a")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.CronExpr)

	require.NoError(t, s.RemoveSchedule("a"))
	_, err = s.GetSchedule("a")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	assert.ErrorIs(t, s.RemoveSchedule("a"), ErrScheduleNotFound)
	assert.ErrorIs(t, s.UpdateSchedule(newSchedule("a")), ErrScheduleNotFound)
}

func TestAddScheduleValidates(t *testing.T) {
	s := NewScheduler(&fakeLauncher{}, nil)

	bad := newSchedule("x")
	bad.CronExpr = "every day"
	assert.ErrorIs(t, s.AddSchedule(bad), ErrInvalidSchedule)

	noConfig := newSchedule("y")
	noConfig.Config = nil
	assert.ErrorIs(t, s.AddSchedule(noConfig), ErrInvalidSchedule)

	noTarget := newSchedule("z")
	noTarget.Config.Target = ""
	assert.ErrorIs(t, s.AddSchedule(noTarget), ErrInvalidSchedule)

	assert.Empty(t, s.ListSchedules())
}

func TestRunNowLaunchesJob(t *testing.T) {
	launcher := &fakeLauncher{}
	s := NewScheduler(launcher, nil)
	require.NoError(t, s.Start())

	require.NoError(t, s.AddSchedule(newSchedule("a")))
	require.NoError(t, s.RunNow("a"))
	require.NoError(t, s.RunNow("a"))
	assert.ErrorIs(t, s.RunNow("missing"), ErrScheduleNotFound)
	require.NoError(t, s.Stop())

	launched := launcher.launched()
	require.Len(t, launched, 2)
	names := []string{launched[0].JobName, launched[1].JobName}
	assert.ElementsMatch(t, []string{"nightly-a-1", "nightly-a-2"}, names)

	got, err := s.GetSchedule("a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
	assert.Equal(t, 0, got.FailCount)
	assert.NotZero(t, got.LastJobID)
	assert.Empty(t, got.Config.JobName)
}

func TestRunNowRecordsFailure(t *testing.T) {
	s := NewScheduler(&fakeLauncher{err: errors.New("too many jobs")}, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.AddSchedule(newSchedule("a")))
	require.NoError(t, s.RunNow("a"))
	require.NoError(t, s.Stop())

	got, err := s.GetSchedule("a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailCount)
	assert.Equal(t, "too many jobs", got.LastError)
}

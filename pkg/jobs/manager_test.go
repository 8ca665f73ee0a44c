package jobs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecssync/pkg/filter"
	"ecssync/pkg/models"
	"ecssync/pkg/state"
	"ecssync/pkg/storage"
)

// slowStorage is a memory storage whose writes take a while.
type slowStorage struct {
	*storage.MemoryStorage
}

func (s *slowStorage) Create(ctx context.Context, obj *models.SyncObject) (string, error) {
	time.Sleep(20 * time.Millisecond)
	return s.MemoryStorage.Create(ctx, obj)
}

type corruptFilter struct{}

func (corruptFilter) Name() string { return "corrupt" }
func (corruptFilter) Apply(ctx context.Context, obj *models.SyncObject) (*models.SyncObject, error) {
	stream, err := obj.DataStream()
	if err != nil {
		return nil, err
	}
	obj.SetDataStream(io.MultiReader(stream, bytes.NewReader([]byte("!"))))
	return obj, nil
}

func newManager(t *testing.T, maxJobs int) *Manager {
	t.Helper()
	storages := storage.NewRegistry()
	storages.Register("slow://", func(ctx context.Context, uri string, deps storage.Deps) (storage.Storage, error) {
		m, err := storage.NewMemoryStorage(storages.Memory(), "mem://"+strings.TrimPrefix(uri, "slow://"))
		if err != nil {
			return nil, err
		}
		return &slowStorage{m}, nil
	})
	filters := filter.NewRegistry()
	filters.Register("corrupt", func(map[string]string) (filter.Filter, error) { return corruptFilter{}, nil })

	m := NewManager(Config{
		MaxJobs:    maxJobs,
		Passphrase: "test",
		DataDir:    t.TempDir(),
		Storages:   storages,
		Filters:    filters,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func syncConfig(source, target string) *models.SyncConfig {
	cfg := models.NewSyncConfig()
	cfg.JobName = "unit"
	cfg.Source = source
	cfg.Target = target
	cfg.Options.ThreadCount = 2
	return cfg
}

func waitForStatus(t *testing.T, m *Manager, id int, want models.JobControlStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctl, err := m.GetJobControl(id)
		return err == nil && ctl.Status == want
	}, 10*time.Second, 10*time.Millisecond)
}

func TestJobCompletes(t *testing.T) {
	m := newManager(t, 0)
	cfg := syncConfig("mem://src?objects=10&maxSize=10240&seed=1", "mem://dst")
	cfg.Options.Verify = true

	id, err := m.CreateJob(context.Background(), cfg)
	require.NoError(t, err)
	waitForStatus(t, m, id, models.JobComplete)

	p, err := m.GetProgress(id)
	require.NoError(t, err)
	assert.EqualValues(t, 10, p.ObjectsComplete)
	assert.EqualValues(t, 0, p.ObjectsFailed)
	assert.EqualValues(t, 10, p.TotalObjectsExpected)
	assert.False(t, p.EstimatingTotals)
	assert.NotZero(t, p.SyncStartTime)
	assert.GreaterOrEqual(t, p.SyncStopTime, p.SyncStartTime)
	assert.Empty(t, p.RunError)
	assert.Equal(t, 0, p.ActiveSyncTasks)

	info, err := m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, "unit", info.JobName)
	assert.Equal(t, models.JobComplete, info.Status)
	assert.Len(t, m.ListJobs(), 1)
}

func TestCreateJobRejectsBadConfig(t *testing.T) {
	m := newManager(t, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  *models.SyncConfig
	}{
		{name: "nil config"},
		{name: "missing target", cfg: syncConfig("mem://a", "")},
		{name: "unknown scheme", cfg: syncConfig("cas://host", "mem://b")},
		{name: "bad storage uri", cfg: syncConfig("mem://a?objects=x", "mem://b")},
		{
			name: "unknown filter",
			cfg: func() *models.SyncConfig {
				c := syncConfig("mem://a", "mem://b")
				c.Filters = []models.FilterConfig{{Type: "encryption"}}
				return c
			}(),
		},
		{
			name: "undecryptable password",
			cfg: func() *models.SyncConfig {
				c := syncConfig("mem://a", "mem://b")
				c.Options.DbConnectString = "postgres://sync@localhost/sync"
				c.Options.DbEncPassword = "not-base64!"
				return c
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateJob(ctx, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	assert.Empty(t, m.ListJobs())
}

func TestTooManyJobs(t *testing.T) {
	m := newManager(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := m.CreateJob(ctx, syncConfig("mem://src?objects=1", "mem://dst"))
		require.NoError(t, err)
	}
	_, err := m.CreateJob(ctx, syncConfig("mem://src", "mem://dst"))
	assert.ErrorIs(t, err, ErrTooManyJobs)
}

func TestDeleteRequiresFinishedJob(t *testing.T) {
	m := newManager(t, 0)
	ctx := context.Background()

	id, err := m.CreateJob(ctx, syncConfig("mem://src?objects=200&maxSize=64&seed=2", "slow://dst"))
	require.NoError(t, err)
	waitForStatus(t, m, id, models.JobRunning)

	err = m.DeleteJob(ctx, id, false)
	assert.ErrorIs(t, err, ErrJobNotFinished)
	_, err = m.GetJob(id)
	require.NoError(t, err)
	assert.Len(t, m.ListJobs(), 1)

	require.NoError(t, m.SetJobControl(id, models.JobControl{Status: models.JobStopped}))
	waitForStatus(t, m, id, models.JobStopped)
	require.NoError(t, m.DeleteJob(ctx, id, false))

	_, err = m.GetJob(id)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, m.DeleteJob(ctx, id, false), ErrJobNotFound)
}

func TestJobControl(t *testing.T) {
	m := newManager(t, 0)
	id, err := m.CreateJob(context.Background(), syncConfig("mem://src?objects=200&maxSize=64&seed=3", "slow://dst"))
	require.NoError(t, err)
	waitForStatus(t, m, id, models.JobRunning)

	require.NoError(t, m.SetJobControl(id, models.JobControl{ThreadCount: 4}))
	ctl, err := m.GetJobControl(id)
	require.NoError(t, err)
	assert.Equal(t, 4, ctl.ThreadCount)
	assert.Equal(t, models.JobRunning, ctl.Status)

	require.NoError(t, m.SetJobControl(id, models.JobControl{Status: models.JobPaused}))
	waitForStatus(t, m, id, models.JobPaused)
	p1, err := m.GetProgress(id)
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	p2, err := m.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, p1.ObjectsComplete, p2.ObjectsComplete)

	require.NoError(t, m.SetJobControl(id, models.JobControl{Status: models.JobRunning}))
	waitForStatus(t, m, id, models.JobRunning)

	assert.ErrorIs(t, m.SetJobControl(id, models.JobControl{ThreadCount: 7, Status: models.JobComplete}), ErrInvalidControl)
	ctl, err = m.GetJobControl(id)
	require.NoError(t, err)
	assert.Equal(t, 4, ctl.ThreadCount)
	assert.ErrorIs(t, m.SetJobControl(99, models.JobControl{ThreadCount: 1}), ErrJobNotFound)

	require.NoError(t, m.SetJobControl(id, models.JobControl{Status: models.JobStopped}))
	waitForStatus(t, m, id, models.JobStopped)
	assert.ErrorIs(t, m.SetJobControl(id, models.JobControl{Status: models.JobPaused}), ErrInvalidControl)
}

func TestErrorReportAndDatabaseCleanup(t *testing.T) {
	m := newManager(t, 0)
	ctx := context.Background()

	cfg := syncConfig("mem://src?objects=4&maxSize=512&seed=4", "mem://dst")
	cfg.Options.Verify = true
	cfg.Options.RetryAttempts = 0
	cfg.Options.DbFile = "job.db"
	cfg.Filters = []models.FilterConfig{{Type: "corrupt"}}

	id, err := m.CreateJob(ctx, cfg)
	require.NoError(t, err)
	waitForStatus(t, m, id, models.JobComplete)

	p, err := m.GetProgress(id)
	require.NoError(t, err)
	assert.EqualValues(t, 4, p.ObjectsFailed)

	it, err := m.ErrorReport(ctx, id)
	require.NoError(t, err)
	errs, err := state.Collect(it)
	require.NoError(t, err)
	assert.Len(t, errs, 4)

	it, err = m.RetryReport(ctx, id)
	require.NoError(t, err)
	retries, err := state.Collect(it)
	require.NoError(t, err)
	assert.Empty(t, retries)

	it, err = m.AllObjectsReport(ctx, id)
	require.NoError(t, err)
	all, err := state.Collect(it)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	dbFile := filepath.Join(m.cfg.DataDir, "job.db")
	_, err = os.Stat(dbFile)
	require.NoError(t, err)
	require.NoError(t, m.DeleteJob(ctx, id, false))
	_, err = os.Stat(dbFile)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteJobKeepsDatabase(t *testing.T) {
	m := newManager(t, 0)
	ctx := context.Background()

	cfg := syncConfig("mem://src?objects=2&seed=5", "mem://dst")
	cfg.Options.DbFile = "keep.db"
	id, err := m.CreateJob(ctx, cfg)
	require.NoError(t, err)
	waitForStatus(t, m, id, models.JobComplete)

	require.NoError(t, m.DeleteJob(ctx, id, true))
	_, err = os.Stat(filepath.Join(m.cfg.DataDir, "keep.db"))
	assert.NoError(t, err)
}

func TestCloseStopsJobs(t *testing.T) {
	m := newManager(t, 0)
	id, err := m.CreateJob(context.Background(), syncConfig("mem://src?objects=500&maxSize=64&seed=6", "slow://dst"))
	require.NoError(t, err)
	waitForStatus(t, m, id, models.JobRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
	ctl, err := m.GetJobControl(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStopped, ctl.Status)
}

package jobs

import (
	"context"

	"ecssync/pkg/models"
	"ecssync/pkg/progress"
	"ecssync/pkg/state"
	"ecssync/pkg/storage"
)

// GetProgress returns a snapshot of a job's counters and rates.
func (m *Manager) GetProgress(id int) (*models.SyncProgress, error) {
	j, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s := j.sync
	st := s.Stats()
	est := s.Estimate()

	p := &models.SyncProgress{
		JobName:              j.cfg.JobName,
		Status:               deriveStatus(s),
		EstimatingTotals:     est.Running(),
		TotalObjectsExpected: est.TotalObjects(),
		TotalBytesExpected:   est.TotalBytes(),
		BytesComplete:        st.BytesComplete,
		BytesSkipped:         st.BytesSkipped,
		ObjectsComplete:      st.ObjectsComplete,
		ObjectsSkipped:       st.ObjectsSkipped,
		ObjectsFailed:        st.ObjectsFailed,
		ObjectsAwaitingRetry: s.ObjectsAwaitingRetry(),
		RuntimeMs:            st.Runtime.Milliseconds(),
		ActiveQueryTasks:     s.ActiveQueryTasks(),
		ActiveSyncTasks:      s.ActiveSyncTasks(),
		CPUTimeMs:            progress.CPUTime().Milliseconds(),
		ProcessMemoryUsed:    progress.MemoryUsed(),
		ObjectCompleteRate:   st.ObjectCompleteRate,
		ObjectSkipRate:       st.ObjectSkipRate,
		ObjectErrorRate:      st.ObjectErrorRate,
	}
	if !st.StartTime.IsZero() {
		p.SyncStartTime = st.StartTime.UnixMilli()
	}
	if !st.StopTime.IsZero() {
		p.SyncStopTime = st.StopTime.UnixMilli()
	}
	if rr, ok := s.Source().(storage.RateReporter); ok {
		p.SourceReadRate = rr.ReadRate()
		p.SourceWriteRate = rr.WriteRate()
	}
	if rr, ok := s.Target().(storage.RateReporter); ok {
		p.TargetReadRate = rr.ReadRate()
		p.TargetWriteRate = rr.WriteRate()
	}
	if err := s.RunError(); err != nil {
		p.RunError = err.Error()
	}
	return p, nil
}

// RetryReport iterates the objects waiting for a retry.
func (m *Manager) RetryReport(ctx context.Context, id int) (state.RecordIterator, error) {
	j, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return j.store.SyncRetries(ctx)
}

// ErrorReport iterates the objects that failed for good.
func (m *Manager) ErrorReport(ctx context.Context, id int) (state.RecordIterator, error) {
	j, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return j.store.SyncErrors(ctx)
}

// AllObjectsReport iterates every object the job recorded.
func (m *Manager) AllObjectsReport(ctx context.Context, id int) (state.RecordIterator, error) {
	j, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return j.store.AllRecords(ctx)
}

package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker accumulates the counters of one sync run. Counters are atomics so
// workers update them without coordination.
type Tracker struct {
	objectsComplete atomic.Int64
	objectsSkipped  atomic.Int64
	objectsFailed   atomic.Int64
	bytesComplete   atomic.Int64
	bytesSkipped    atomic.Int64

	completeRate *Window
	skipRate     *Window
	errorRate    *Window

	mu          sync.RWMutex
	startTime   time.Time
	stopTime    time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	now         func() time.Time
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{
		completeRate: NewDefaultWindow(),
		skipRate:     NewDefaultWindow(),
		errorRate:    NewDefaultWindow(),
		now:          time.Now,
	}
}

// Start marks the beginning of the run.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTime = t.now()
}

// Stop marks the end of the run. Only the first call counts.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopTime.IsZero() {
		return
	}
	t.stopTime = t.now()
	if !t.pausedAt.IsZero() {
		t.pausedTotal += t.stopTime.Sub(t.pausedAt)
		t.pausedAt = time.Time{}
	}
}

// Pause stops the runtime clock.
func (t *Tracker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pausedAt.IsZero() {
		t.pausedAt = t.now()
	}
}

// Resume restarts the runtime clock.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pausedAt.IsZero() {
		t.pausedTotal += t.now().Sub(t.pausedAt)
		t.pausedAt = time.Time{}
	}
}

func (t *Tracker) IncObjectsComplete(bytes int64) {
	t.objectsComplete.Add(1)
	t.bytesComplete.Add(bytes)
	t.completeRate.Add(1)
}

func (t *Tracker) IncObjectsSkipped(bytes int64) {
	t.objectsSkipped.Add(1)
	t.bytesSkipped.Add(bytes)
	t.skipRate.Add(1)
}

func (t *Tracker) IncObjectsFailed() {
	t.objectsFailed.Add(1)
	t.errorRate.Add(1)
}

func (t *Tracker) StartTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startTime
}

func (t *Tracker) StopTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopTime
}

// Runtime is the time spent running, pauses excluded.
func (t *Tracker) Runtime() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.startTime.IsZero() {
		return 0
	}
	end := t.stopTime
	if end.IsZero() {
		end = t.now()
	}
	paused := t.pausedTotal
	if !t.pausedAt.IsZero() {
		paused += end.Sub(t.pausedAt)
	}
	return end.Sub(t.startTime) - paused
}

// Stats is a snapshot of the tracker.
type Stats struct {
	ObjectsComplete    int64
	ObjectsSkipped     int64
	ObjectsFailed      int64
	BytesComplete      int64
	BytesSkipped       int64
	ObjectCompleteRate float64
	ObjectSkipRate     float64
	ObjectErrorRate    float64
	StartTime          time.Time
	StopTime           time.Time
	Runtime            time.Duration
}

// GetStats returns current statistics
func (t *Tracker) GetStats() Stats {
	return Stats{
		ObjectsComplete:    t.objectsComplete.Load(),
		ObjectsSkipped:     t.objectsSkipped.Load(),
		ObjectsFailed:      t.objectsFailed.Load(),
		BytesComplete:      t.bytesComplete.Load(),
		BytesSkipped:       t.bytesSkipped.Load(),
		ObjectCompleteRate: t.completeRate.Rate(),
		ObjectSkipRate:     t.skipRate.Rate(),
		ObjectErrorRate:    t.errorRate.Rate(),
		StartTime:          t.StartTime(),
		StopTime:           t.StopTime(),
		Runtime:            t.Runtime(),
	}
}

// FormatProgress renders a one-line summary.
func (t *Tracker) FormatProgress() string {
	s := t.GetStats()
	return fmt.Sprintf(
		"complete: %d (%.1f MB) | skipped: %d | failed: %d | %.1f obj/s | runtime: %s",
		s.ObjectsComplete,
		float64(s.BytesComplete)/(1024*1024),
		s.ObjectsSkipped,
		s.ObjectsFailed,
		s.ObjectCompleteRate,
		s.Runtime.Truncate(time.Millisecond),
	)
}

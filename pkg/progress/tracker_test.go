package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestWindowRate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := NewWindow(time.Second, 6)
	w.now = clock.now

	for i := 0; i < 5; i++ {
		w.Add(10)
		clock.advance(time.Second)
	}
	// five completed seconds of 10 units each
	assert.InDelta(t, 10.0, w.Rate(), 0.001)

	w.Add(1000)
	assert.InDelta(t, 10.0, w.Rate(), 0.001, "the current interval is not counted yet")

	clock.advance(10 * time.Second)
	assert.Zero(t, w.Rate())
}

func TestTrackerCounters(t *testing.T) {
	tr := NewTracker()
	tr.IncObjectsComplete(100)
	tr.IncObjectsComplete(50)
	tr.IncObjectsSkipped(7)
	tr.IncObjectsFailed()

	s := tr.GetStats()
	assert.Equal(t, int64(2), s.ObjectsComplete)
	assert.Equal(t, int64(150), s.BytesComplete)
	assert.Equal(t, int64(1), s.ObjectsSkipped)
	assert.Equal(t, int64(7), s.BytesSkipped)
	assert.Equal(t, int64(1), s.ObjectsFailed)
	assert.Contains(t, tr.FormatProgress(), "complete: 2")
}

func TestTrackerRuntimeExcludesPauses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := NewTracker()
	tr.now = clock.now

	assert.Zero(t, tr.Runtime())
	tr.Start()
	clock.advance(10 * time.Second)

	tr.Pause()
	clock.advance(5 * time.Second)
	assert.Equal(t, 10*time.Second, tr.Runtime())
	tr.Resume()

	clock.advance(3 * time.Second)
	tr.Pause()
	clock.advance(time.Minute)
	tr.Stop()
	clock.advance(time.Hour)

	assert.Equal(t, 13*time.Second, tr.Runtime())
	tr.Stop()
	assert.Equal(t, time.Unix(1_700_000_000, 0).Add(78*time.Second), tr.StopTime())
}

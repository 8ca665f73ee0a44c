package progress

import (
	"sync"
	"time"
)

// Window measures a per-second rate over the last few completed intervals.
type Window struct {
	mu       sync.Mutex
	interval time.Duration
	counts   []int64
	stamps   []int64
	now      func() time.Time
}

// NewWindow averages over slots-1 completed intervals of the given length.
func NewWindow(interval time.Duration, slots int) *Window {
	if slots < 2 {
		slots = 2
	}
	return &Window{
		interval: interval,
		counts:   make([]int64, slots),
		stamps:   make([]int64, slots),
		now:      time.Now,
	}
}

// NewDefaultWindow is a five second window.
func NewDefaultWindow() *Window {
	return NewWindow(time.Second, 6)
}

func (w *Window) tick() int64 {
	return w.now().UnixNano() / int64(w.interval)
}

// Add records n units at the current instant.
func (w *Window) Add(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := w.tick()
	slot := idx % int64(len(w.counts))
	if w.stamps[slot] != idx {
		w.stamps[slot] = idx
		w.counts[slot] = 0
	}
	w.counts[slot] += n
}

// Rate returns units per second over the completed intervals in the window.
func (w *Window) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := w.tick()
	oldest := idx - int64(len(w.counts)) + 1
	var sum int64
	for i, stamp := range w.stamps {
		if stamp >= oldest && stamp < idx {
			sum += w.counts[i]
		}
	}
	span := w.interval * time.Duration(len(w.counts)-1)
	return float64(sum) / span.Seconds()
}

package fetch

import (
	"sync"
	"time"

	"github.com/limnetic/sonde/internal/measure"
)

// ProgressFunc receives aggregated chunk progress. Implementations must
// not retain the Progress value past the call; it is a snapshot.
type ProgressFunc func(p *measure.Progress)

// tracker aggregates per-site progress and emits snapshots at a bounded
// rate so chunk loops cannot flood listeners. Emission is a design
// parameter of the fetcher, not an incidental detail: at most one update
// per interval, plus a forced final update per site.
type tracker struct {
	mu       sync.Mutex
	progress *measure.Progress
	emit     ProgressFunc
	interval time.Duration
	lastEmit time.Time
}

func newTracker(emit ProgressFunc, interval time.Duration) *tracker {
	return &tracker{
		progress: measure.NewProgress(),
		emit:     emit,
		interval: interval,
	}
}

// update records a site's progress and emits a snapshot unless one was
// emitted within the throttle interval. force bypasses the throttle, used
// for each site's terminal update.
func (t *tracker) update(site string, loaded, total int64, force bool) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.Set(site, loaded, total)

	if t.emit == nil {
		return
	}

	now := time.Now()
	if !force && now.Sub(t.lastEmit) < t.interval {
		return
	}
	t.lastEmit = now
	t.emit(t.progress.Clone())
}

// snapshot returns a copy of the current aggregate.
func (t *tracker) snapshot() *measure.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress.Clone()
}

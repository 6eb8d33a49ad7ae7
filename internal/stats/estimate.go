package stats

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// maxEstimate bounds how far ahead an estimate may lie; slower progress
// yields no estimate.
const maxEstimate = 10 * 365 * 24 * time.Hour

// Estimator extrapolates when a folder will be fully in sync from the
// progress between successive observations of the average percentage.
type Estimator struct {
	clock clockwork.Clock

	mu     sync.Mutex
	lastAt time.Time
	lastPc float64
	seen   bool
}

// NewEstimator creates an estimator; nil uses the real clock.
func NewEstimator(clock clockwork.Clock) *Estimator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Estimator{clock: clock}
}

// Observe records the current average percentage and returns the estimated
// sync date. It returns now when the folder is in sync and the zero time
// when there is no forward progress to extrapolate from, or the estimate
// lies more than maxEstimate ahead.
func (e *Estimator) Observe(percent float64) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	prevAt, prevPc, seen := e.lastAt, e.lastPc, e.seen
	e.lastAt, e.lastPc, e.seen = now, percent, true

	if percent >= 100 {
		return now
	}

	elapsed := now.Sub(prevAt)
	if !seen || elapsed <= 0 || percent <= prevPc {
		return time.Time{}
	}

	rate := (percent - prevPc) / elapsed.Seconds()

	remaining := (100 - percent) / rate
	if remaining > maxEstimate.Seconds() {
		return time.Time{}
	}

	return now.Add(time.Duration(remaining * float64(time.Second)))
}

// Apply stamps the estimate for s from its average percentage.
func (e *Estimator) Apply(a *Aggregator, s *FolderSyncStats) {
	s.EstimatedSyncDate = e.Observe(a.AveragePercentage(s))
}

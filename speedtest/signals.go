package speedtest

import (
	"sync/atomic"
	"time"
)

const pausePollInterval = 50 * time.Millisecond

// runSignals carries the pause and cancel flags shared by every concurrent
// subtask of one run. Both flags are written only by the run's control
// listener and read by every loop once per iteration, so cancellation
// latency is bounded by the longest loop interval.
type runSignals struct {
	paused    atomic.Bool
	cancelled atomic.Bool
}

// waitWhilePaused sleeps in short increments while the run is paused. Pause
// stays promptly cancellable because the poll rechecks the cancel flag every
// step. Reports whether the run has been cancelled.
func (s *runSignals) waitWhilePaused() bool {
	for s.paused.Load() && !s.cancelled.Load() {
		time.Sleep(pausePollInterval)
	}
	return s.cancelled.Load()
}

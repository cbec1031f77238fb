package speedtest

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

// fakeStarter is a RunStarter that behaves like a long run: it reacts to
// Cancel, tracks how many runs are in flight simultaneously, and reports
// every lifecycle transition.
type fakeStarter struct {
	launched  atomic.Uint64
	active    atomic.Int64
	maxActive atomic.Int64
	sawPause  atomic.Bool
	runtime   time.Duration
}

func (f *fakeStarter) start(events chan<- TestEvent, control <-chan EngineControl) (*RunResult, error) {
	n := f.active.Add(1)
	for {
		max := f.maxActive.Load()
		if n <= max || f.maxActive.CompareAndSwap(max, n) {
			break
		}
	}
	defer f.active.Add(-1)
	f.launched.Add(1)

	emit(events, PhaseStarted{Phase: PhaseIdleLatency})

	deadline := time.After(f.runtime)
	for {
		select {
		case msg, ok := <-control:
			if !ok {
				return &RunResult{MeasID: "closed"}, nil
			}
			switch m := msg.(type) {
			case Cancel:
				return &RunResult{MeasID: "cancelled"}, nil
			case Pause:
				if m.Paused {
					f.sawPause.Store(true)
				}
			}
		case <-deadline:
			return &RunResult{MeasID: "finished"}, nil
		}
	}
}

func runControllerAsync(t *testing.T, starter *fakeStarter, events chan TestEvent, autoStart bool) (chan Command, chan error) {
	t.Helper()

	commands := make(chan Command, 16)
	errs := make(chan error, 1)
	go func() {
		errs <- RunController(starter.start, events, commands, autoStart)
	}()
	return commands, errs
}

func awaitControllerExit(t *testing.T, errs chan error) {
	t.Helper()
	select {
	case err := <-errs:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not terminate")
	}
}

func TestControllerQuitCancelsActiveRun(t *testing.T) {
	starter := &fakeStarter{runtime: 10 * time.Second}
	events := make(chan TestEvent, 256)
	commands, errs := runControllerAsync(t, starter, events, true)

	time.Sleep(50 * time.Millisecond)
	commands <- CmdQuit{}

	awaitControllerExit(t, errs)
	assert.Equal(t, starter.launched.Load(), uint64(1))

	completed := 0
	for _, ev := range drainEvents(events) {
		if done, ok := ev.(RunCompleted); ok {
			assert.Equal(t, done.Result.MeasID, "cancelled")
			completed++
		}
	}
	assert.Equal(t, completed, 1)
}

func TestControllerQuitWhileIdle(t *testing.T) {
	starter := &fakeStarter{runtime: 50 * time.Millisecond}
	events := make(chan TestEvent, 256)
	commands, errs := runControllerAsync(t, starter, events, false)

	commands <- CmdQuit{}
	awaitControllerExit(t, errs)
	assert.Equal(t, starter.launched.Load(), uint64(0))
}

func TestControllerClosedCommandsTerminate(t *testing.T) {
	starter := &fakeStarter{runtime: 10 * time.Second}
	events := make(chan TestEvent, 256)
	commands, errs := runControllerAsync(t, starter, events, true)

	time.Sleep(50 * time.Millisecond)
	close(commands)
	awaitControllerExit(t, errs)
}

func TestControllerRestartSerializesRuns(t *testing.T) {
	starter := &fakeStarter{runtime: 10 * time.Second}
	events := make(chan TestEvent, 256)
	commands, errs := runControllerAsync(t, starter, events, true)

	time.Sleep(50 * time.Millisecond)
	commands <- CmdRestart{}
	time.Sleep(200 * time.Millisecond)
	commands <- CmdQuit{}
	awaitControllerExit(t, errs)

	// The restart waited for the first run's completion before launching.
	assert.Equal(t, starter.launched.Load(), uint64(2))
	assert.Equal(t, starter.maxActive.Load(), int64(1))

	// The cancelled run's completion is observed strictly before the next
	// run's first event.
	firstCompletion, secondStart := -1, -1
	for i, ev := range drainEvents(events) {
		switch ev := ev.(type) {
		case RunCompleted:
			if firstCompletion < 0 {
				assert.Equal(t, ev.Result.MeasID, "cancelled")
				firstCompletion = i
			}
		case PhaseStarted:
			if i > 0 && secondStart < 0 && firstCompletion >= 0 {
				secondStart = i
			}
		}
	}
	assert.Assert(t, firstCompletion >= 0)
	assert.Assert(t, secondStart > firstCompletion)
}

func TestControllerRestartWhileIdleStartsRun(t *testing.T) {
	starter := &fakeStarter{runtime: 10 * time.Second}
	events := make(chan TestEvent, 256)
	commands, errs := runControllerAsync(t, starter, events, false)

	commands <- CmdRestart{}
	time.Sleep(100 * time.Millisecond)
	commands <- CmdQuit{}
	awaitControllerExit(t, errs)

	assert.Equal(t, starter.launched.Load(), uint64(1))

	restarting := false
	for _, ev := range drainEvents(events) {
		if info, ok := ev.(Info); ok && strings.Contains(info.Message, "Restarting") {
			restarting = true
		}
	}
	assert.Assert(t, restarting)
}

func TestControllerDoubleRestartNeverOverlapsRuns(t *testing.T) {
	starter := &fakeStarter{runtime: 10 * time.Second}
	events := make(chan TestEvent, 256)
	commands, errs := runControllerAsync(t, starter, events, true)

	time.Sleep(50 * time.Millisecond)
	commands <- CmdRestart{}
	commands <- CmdRestart{}
	time.Sleep(200 * time.Millisecond)
	commands <- CmdQuit{}
	awaitControllerExit(t, errs)

	assert.Equal(t, starter.maxActive.Load(), int64(1))
}

func TestControllerForwardsPause(t *testing.T) {
	starter := &fakeStarter{runtime: 10 * time.Second}
	events := make(chan TestEvent, 256)
	commands, errs := runControllerAsync(t, starter, events, true)

	time.Sleep(50 * time.Millisecond)
	commands <- CmdPause{Paused: true}
	time.Sleep(100 * time.Millisecond)
	commands <- CmdQuit{}
	awaitControllerExit(t, errs)

	assert.Assert(t, starter.sawPause.Load())
}

func TestControllerReportsRunFailure(t *testing.T) {
	failing := func(events chan<- TestEvent, control <-chan EngineControl) (*RunResult, error) {
		return nil, errors.New("boom")
	}
	events := make(chan TestEvent, 256)
	commands := make(chan Command, 16)

	errs := make(chan error, 1)
	go func() {
		errs <- RunController(failing, events, commands, true)
	}()
	time.Sleep(100 * time.Millisecond)
	commands <- CmdQuit{}
	awaitControllerExit(t, errs)

	failed := false
	for _, ev := range drainEvents(events) {
		if info, ok := ev.(Info); ok && strings.Contains(info.Message, "Run failed: boom") {
			failed = true
		}
	}
	assert.Assert(t, failed)
}

func TestControllerRecoversPanickingRun(t *testing.T) {
	panicking := func(events chan<- TestEvent, control <-chan EngineControl) (*RunResult, error) {
		panic("kaboom")
	}
	events := make(chan TestEvent, 256)
	commands := make(chan Command, 16)

	errs := make(chan error, 1)
	go func() {
		errs <- RunController(panicking, events, commands, true)
	}()
	time.Sleep(100 * time.Millisecond)
	commands <- CmdQuit{}
	awaitControllerExit(t, errs)

	recovered := false
	for _, ev := range drainEvents(events) {
		if info, ok := ev.(Info); ok && strings.Contains(info.Message, "run panicked: kaboom") {
			recovered = true
		}
	}
	assert.Assert(t, recovered)
}

func TestControllerStalledCancelWarnsOnce(t *testing.T) {
	savedDelay, savedTick := cancelWatchdogDelay, watchdogTick
	cancelWatchdogDelay = 50 * time.Millisecond
	watchdogTick = 10 * time.Millisecond
	t.Cleanup(func() {
		cancelWatchdogDelay, watchdogTick = savedDelay, savedTick
	})

	// A run that ignores Cancel entirely, standing in for a stalled network
	// operation.
	stubborn := func(events chan<- TestEvent, control <-chan EngineControl) (*RunResult, error) {
		time.Sleep(400 * time.Millisecond)
		return &RunResult{}, nil
	}
	events := make(chan TestEvent, 256)
	commands := make(chan Command, 16)

	errs := make(chan error, 1)
	go func() {
		errs <- RunController(stubborn, events, commands, true)
	}()
	time.Sleep(20 * time.Millisecond)
	commands <- CmdQuit{}
	awaitControllerExit(t, errs)

	warnings := 0
	for _, ev := range drainEvents(events) {
		if info, ok := ev.(Info); ok && strings.Contains(info.Message, "Still cancelling...") {
			warnings++
		}
	}
	assert.Equal(t, warnings, 1)
}

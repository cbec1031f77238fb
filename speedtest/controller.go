package speedtest

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Watchdog cadence for stalled cancellations. Variables so tests can shrink
// them.
var (
	cancelWatchdogDelay = 3 * time.Second
	watchdogTick        = 500 * time.Millisecond
)

// Command is the closed set of lifecycle-level commands, one step above the
// per-run EngineControl messages.
type Command interface {
	command()
}

// CmdPause forwards a pause/resume to the active run, if any.
type CmdPause struct {
	Paused bool
}

// CmdRestart cancels the active run and starts a new one once the old run's
// completion has been observed. With no active run it starts one right away.
type CmdRestart struct{}

// CmdQuit cancels the active run and terminates the controller once it
// completes.
type CmdQuit struct{}

func (CmdPause) command()   {}
func (CmdRestart) command() {}
func (CmdQuit) command()    {}

// RunStarter launches one run to completion. The controller calls it once
// per run in a goroutine of its own; the default starter wraps Engine.Run
// with a fresh config.
type RunStarter func(events chan<- TestEvent, control <-chan EngineControl) (*RunResult, error)

// EngineStarter adapts a config factory into a RunStarter, building a fresh
// engine (and thus a fresh measurement id) per run.
func EngineStarter(newConfig func() RunConfig) RunStarter {
	return func(events chan<- TestEvent, control <-chan EngineControl) (*RunResult, error) {
		return NewEngine(newConfig()).Run(events, control)
	}
}

type runOutcome struct {
	result *RunResult
	err    error
}

// activeRun is the controller's handle on one in-flight run.
type activeRun struct {
	control chan EngineControl
	done    chan runOutcome
}

func launchRun(start RunStarter, events chan<- TestEvent) *activeRun {
	run := &activeRun{
		control: make(chan EngineControl, 8),
		done:    make(chan runOutcome, 1),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				run.done <- runOutcome{err: errors.Errorf("run panicked: %v", r)}
			}
		}()
		result, err := start(events, run.control)
		run.done <- runOutcome{result: result, err: err}
	}()

	return run
}

// sendControl never blocks: once the run's listener has exited (after a
// Cancel) further messages would otherwise wedge the controller.
func (r *activeRun) sendControl(msg EngineControl) {
	select {
	case r.control <- msg:
	default:
	}
}

// RunController serializes run lifecycles: at most one run is active at any
// time, and a restart starts its new run only after the prior run's
// completion has been observed, never eagerly. It returns once a quit has
// been requested (command or closed channel) and no run remains active.
func RunController(start RunStarter, events chan<- TestEvent, commands <-chan Command, autoStart bool) error {
	var active *activeRun
	if autoStart {
		active = launchRun(start, events)
	}

	restartPending := false
	quitPending := false
	var cancelDeadline time.Time

	watchdog := time.NewTicker(watchdogTick)
	defer watchdog.Stop()

	for {
		var done <-chan runOutcome
		if active != nil {
			done = active.done
		}

		select {
		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				if active == nil {
					return nil
				}
				quitPending = true
				active.sendControl(Cancel{})
				continue
			}
			switch c := cmd.(type) {
			case CmdPause:
				if active != nil {
					active.sendControl(Pause{Paused: c.Paused})
				}
			case CmdRestart:
				if active != nil {
					restartPending = true
					active.sendControl(Cancel{})
					emit(events, Info{Message: "Cancelling..."})
					cancelDeadline = time.Now().Add(cancelWatchdogDelay)
				} else {
					active = launchRun(start, events)
					emit(events, Info{Message: "Restarting..."})
				}
			case CmdQuit:
				if active == nil {
					return nil
				}
				quitPending = true
				active.sendControl(Cancel{})
				emit(events, Info{Message: "Cancelling..."})
				cancelDeadline = time.Now().Add(cancelWatchdogDelay)
			}

		case out := <-done:
			if out.err != nil {
				emit(events, Info{Message: fmt.Sprintf("Run failed: %v", out.err)})
			} else {
				emit(events, RunCompleted{Result: out.result})
			}
			active = nil
			cancelDeadline = time.Time{}
			if quitPending {
				return nil
			}
			if restartPending {
				active = launchRun(start, events)
				restartPending = false
			}

		case <-watchdog.C:
			// Cancellation is cooperative, so a network operation in flight
			// can delay it; tell the user once instead of spamming.
			if !cancelDeadline.IsZero() && time.Now().After(cancelDeadline) && active != nil {
				emit(events, Info{Message: "Still cancelling..."})
				cancelDeadline = time.Time{}
			}
		}
	}
}

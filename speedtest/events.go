package speedtest

import "encoding/json"

// TestEvent is the closed set of events an engine run emits, in emission
// order of the single owning task per phase. Consumers switch exhaustively
// over the concrete types; the unexported marker keeps the set closed.
type TestEvent interface {
	testEvent()
}

// PhaseStarted marks the beginning of a phase.
type PhaseStarted struct {
	Phase Phase
}

// LatencySample reports one probe attempt. RTTMillis is meaningful only when
// OK is true. During carries the concurrent throughput phase for loaded
// probes and PhaseNone otherwise.
type LatencySample struct {
	Phase     Phase
	During    Phase
	RTTMillis float64
	OK        bool
}

// ThroughputTick reports the sampler's instantaneous throughput reading.
type ThroughputTick struct {
	Phase       Phase
	BytesTotal  uint64
	InstantMbps float64
}

// Info carries free-form status text for presentation layers.
type Info struct {
	Message string
}

// MetaInfo forwards server-provided metadata as raw JSON.
type MetaInfo struct {
	Meta json.RawMessage
}

// UDPProgress reports one attempt of the UDP-like loss probe.
type UDPProgress struct {
	Sent      uint64
	Received  uint64
	Total     uint64
	RTTMillis float64
	OK        bool
}

// RunCompleted carries the final result of a run.
type RunCompleted struct {
	Result *RunResult
}

func (PhaseStarted) testEvent()   {}
func (LatencySample) testEvent()  {}
func (ThroughputTick) testEvent() {}
func (Info) testEvent()           {}
func (MetaInfo) testEvent()       {}
func (UDPProgress) testEvent()    {}
func (RunCompleted) testEvent()   {}

// EngineControl is the closed set of mutations a caller may apply to a
// running engine.
type EngineControl interface {
	engineControl()
}

// Pause suspends (true) or resumes (false) the run's measurement loops.
type Pause struct {
	Paused bool
}

// Cancel stops the run cooperatively.
type Cancel struct{}

func (Pause) engineControl()  {}
func (Cancel) engineControl() {}

func emit(events chan<- TestEvent, ev TestEvent) {
	if events != nil {
		events <- ev
	}
}

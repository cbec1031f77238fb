package speedtest

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Engine executes one full measurement run. Instances are single-use; the
// lifecycle controller creates a fresh one per run.
type Engine struct {
	cfg RunConfig
}

func NewEngine(cfg RunConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Run sequences the phases strictly: idle latency, download with loaded
// latency, upload with loaded latency, then the optional TURN/UDP probe. It
// owns the run's pause/cancel flags and the background listener translating
// control messages into flag updates. Cancellation leaves the partially
// measured result intact; only client construction and a loaded-latency
// collection timeout are fatal.
func (e *Engine) Run(events chan<- TestEvent, control <-chan EngineControl) (*RunResult, error) {
	client, err := NewClient(&e.cfg, events)
	if err != nil {
		return nil, errors.Wrap(err, "could not construct HTTP client")
	}

	signals := &runSignals{}

	stopListener := make(chan struct{})
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		for {
			select {
			case msg, ok := <-control:
				if !ok {
					return
				}
				switch m := msg.(type) {
				case Pause:
					signals.paused.Store(m.Paused)
				case Cancel:
					signals.cancelled.Store(true)
					return
				}
			case <-stopListener:
				return
			}
		}
	}()
	// The listener is stopped and joined explicitly: a goroutine left
	// blocked on the control channel would outlive the run.
	defer func() {
		close(stopListener)
		<-listenerDone
	}()

	// Best effort: the dedicated metadata endpoint first, then header
	// extraction. Absent metadata never aborts the run.
	var meta json.RawMessage
	if m, err := client.FetchMeta(); err == nil {
		meta = m
	} else if m, err := client.FetchMetaFromResponse(); err == nil {
		meta = m
	}

	var server string
	if meta != nil {
		if locations, err := client.FetchLocations(); err == nil {
			_, colo, _, _ := extractMetadata(meta)
			server = mapColoToServer(locations, colo)
		}
	}

	emit(events, PhaseStarted{Phase: PhaseIdleLatency})
	idleLatency := runLatencyProbes(latencyProbeParams{
		client:        client,
		phase:         PhaseIdleLatency,
		during:        PhaseNone,
		totalDuration: e.cfg.IdleLatencyDuration,
		interval:      e.cfg.ProbeInterval,
		timeout:       e.cfg.ProbeTimeout,
		events:        events,
		signals:       signals,
	})

	if e.cfg.Experimental {
		emit(events, Info{Message: "Fetching TURN info (experimental)"})
	}

	emit(events, PhaseStarted{Phase: PhaseDownload})
	download, loadedLatencyDownload, err := RunDownloadWithLoadedLatency(client, &e.cfg, events, signals)
	if err != nil {
		return nil, err
	}

	emit(events, PhaseStarted{Phase: PhaseUpload})
	upload, loadedLatencyUpload, err := RunUploadWithLoadedLatency(client, &e.cfg, events, signals)
	if err != nil {
		return nil, err
	}

	var turn *TurnInfo
	var experimentalUDP *ExperimentalUDPSummary
	if e.cfg.Experimental {
		if info, err := client.FetchTurn(); err == nil {
			if summary, err := RunUDPLossProbe(&e.cfg, info, events, nil); err == nil {
				experimentalUDP = summary
			}
			turn = info
		}
	}

	return &RunResult{
		TimestampUTC:          time.Now().UTC().Format(time.RFC3339),
		BaseURL:               e.cfg.BaseURL,
		MeasID:                e.cfg.MeasID,
		Comment:               e.cfg.Comment,
		Meta:                  meta,
		Server:                server,
		IdleLatency:           idleLatency,
		Download:              download,
		Upload:                upload,
		LoadedLatencyDownload: loadedLatencyDownload,
		LoadedLatencyUpload:   loadedLatencyUpload,
		Turn:                  turn,
		ExperimentalUDP:       experimentalUDP,
	}, nil
}

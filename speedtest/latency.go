package speedtest

import "time"

// latencyProbeParams parameterizes one probe loop. The same loop serves the
// idle phase standalone and the loaded phase concurrently with throughput
// workers, distinguished only by phase/during tagging.
type latencyProbeParams struct {
	client        *Client
	phase         Phase
	during        Phase
	totalDuration time.Duration
	interval      time.Duration
	timeout       time.Duration
	events        chan<- TestEvent
	signals       *runSignals
}

// runLatencyProbes sends one probe per interval for the configured duration,
// emitting a LatencySample per attempt. Failed probes count against loss and
// never abort the loop. The idle-phase instance forwards inline server
// metadata from its first successful probe, covering servers without a
// dedicated metadata endpoint.
func runLatencyProbes(p latencyProbeParams) LatencySummary {
	start := time.Now()
	var sent, received uint64
	var samples []float64
	metaSent := false

	for time.Since(start) < p.totalDuration {
		if p.signals.waitWhilePaused() {
			break
		}

		sent++
		ms, meta, err := p.client.probeLatency(p.during, p.timeout)
		if err != nil {
			emit(p.events, LatencySample{Phase: p.phase, During: p.during, OK: false})
		} else {
			received++
			samples = append(samples, ms)

			if !metaSent && p.phase == PhaseIdleLatency && meta != nil {
				emit(p.events, MetaInfo{Meta: meta})
				metaSent = true
			}

			emit(p.events, LatencySample{Phase: p.phase, During: p.during, RTTMillis: ms, OK: true})
		}

		time.Sleep(p.interval)
	}

	return latencySummaryFromSamples(sent, received, samples)
}

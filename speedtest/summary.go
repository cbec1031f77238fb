package speedtest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// Collector folds the event stream into the raw sample series the text
// summary is computed from, and renders live status lines along the way.
// It is driven by a single consumer goroutine and needs no locking.
type Collector struct {
	runStart time.Time

	IdleLatencySamples    []float64
	LoadedDownloadLatency []float64
	LoadedUploadLatency   []float64
	DownloadPoints        [][2]float64
	UploadPoints          [][2]float64

	downloadStats OnlineStats
	uploadStats   OnlineStats

	Meta   json.RawMessage
	Result *RunResult
}

func NewCollector() *Collector {
	return &Collector{runStart: time.Now()}
}

// Observe folds one event into the collector and returns the status line to
// print for it, or "" when the event produces no output. The switch covers
// every event variant; adding one without handling it here is a test
// failure, not a silent drop.
func (c *Collector) Observe(ev TestEvent) string {
	switch e := ev.(type) {
	case PhaseStarted:
		return fmt.Sprintf("== %s ==", e.Phase)

	case LatencySample:
		if !e.OK {
			return ""
		}
		switch {
		case e.Phase == PhaseIdleLatency && e.During == PhaseNone:
			c.IdleLatencySamples = append(c.IdleLatencySamples, e.RTTMillis)
			return fmt.Sprintf("Idle latency: %.1f ms", e.RTTMillis)
		case e.Phase == PhaseDownload && e.During == PhaseDownload:
			c.LoadedDownloadLatency = append(c.LoadedDownloadLatency, e.RTTMillis)
		case e.Phase == PhaseUpload && e.During == PhaseUpload:
			c.LoadedUploadLatency = append(c.LoadedUploadLatency, e.RTTMillis)
		}
		return ""

	case ThroughputTick:
		elapsed := time.Since(c.runStart).Seconds()
		switch e.Phase {
		case PhaseDownload:
			c.DownloadPoints = append(c.DownloadPoints, [2]float64{elapsed, e.InstantMbps})
			c.downloadStats.Push(e.InstantMbps)
			return fmt.Sprintf("Download: %.2f Mbps (avg %.2f)", e.InstantMbps, c.downloadStats.Mean())
		case PhaseUpload:
			c.UploadPoints = append(c.UploadPoints, [2]float64{elapsed, e.InstantMbps})
			c.uploadStats.Push(e.InstantMbps)
			return fmt.Sprintf("Upload: %.2f Mbps (avg %.2f)", e.InstantMbps, c.uploadStats.Mean())
		}
		return ""

	case Info:
		return e.Message

	case MetaInfo:
		c.Meta = e.Meta
		return ""

	case UDPProgress:
		if e.OK {
			return fmt.Sprintf("UDP probe %d/%d: %.1f ms", e.Sent, e.Total, e.RTTMillis)
		}
		return fmt.Sprintf("UDP probe %d/%d: lost", e.Sent, e.Total)

	case RunCompleted:
		c.Result = e.Result
		return ""
	}

	return ""
}

func pointValues(points [][2]float64) []float64 {
	values := make([]float64, 0, len(points))
	for _, p := range points {
		values = append(values, p[1])
	}
	return values
}

func jitterOrNaN(summary LatencySummary) float64 {
	if summary.JitterMillis == nil {
		return math.NaN()
	}
	return *summary.JitterMillis
}

// BuildTextSummary renders the final human-readable summary from the
// enriched result and the collected raw samples.
func BuildTextSummary(result *RunResult, c *Collector) ([]string, error) {
	bold := color.New(color.Bold)
	lines := []string{}

	if result.Meta != nil {
		ip, colo, asn, asOrg := extractMetadata(result.Meta)
		lines = append(lines, fmt.Sprintf("IP/Colo/ASN: %s / %s / %s (%s)",
			orDash(ip), orDash(colo), orDash(asn), orDash(asOrg)))
	}
	if result.Server != "" {
		lines = append(lines, fmt.Sprintf("Server: %s", result.Server))
	}
	if result.Comment != "" {
		lines = append(lines, fmt.Sprintf("Comments: %s", result.Comment))
	}

	download, ok := ComputeMetrics(pointValues(c.DownloadPoints))
	if !ok {
		return nil, errors.New("insufficient download throughput data to compute metrics")
	}
	lines = append(lines, fmt.Sprintf("%s avg %s med %.2f p25 %.2f p75 %.2f Mbps",
		bold.Sprint("Download:"), bold.Sprintf("%.2f", download.Mean), download.Median, download.P25, download.P75))

	upload, ok := ComputeMetrics(pointValues(c.UploadPoints))
	if !ok {
		return nil, errors.New("insufficient upload throughput data to compute metrics")
	}
	lines = append(lines, fmt.Sprintf("%s   avg %s med %.2f p25 %.2f p75 %.2f Mbps",
		bold.Sprint("Upload:"), bold.Sprintf("%.2f", upload.Mean), upload.Median, upload.P25, upload.P75))

	idle, ok := ComputeMetrics(c.IdleLatencySamples)
	if !ok {
		return nil, errors.New("insufficient idle latency data to compute metrics")
	}
	lines = append(lines, fmt.Sprintf("Idle latency: avg %.1f med %.1f p25 %.1f p75 %.1f ms (loss %.1f%%, jitter %.1f ms)",
		idle.Mean, idle.Median, idle.P25, idle.P75,
		result.IdleLatency.Loss*100, jitterOrNaN(result.IdleLatency)))

	loadedDL, ok := ComputeMetrics(c.LoadedDownloadLatency)
	if !ok {
		return nil, errors.New("insufficient loaded download latency data to compute metrics")
	}
	lines = append(lines, fmt.Sprintf("Loaded latency (download): avg %.1f med %.1f p25 %.1f p75 %.1f ms (loss %.1f%%, jitter %.1f ms)",
		loadedDL.Mean, loadedDL.Median, loadedDL.P25, loadedDL.P75,
		result.LoadedLatencyDownload.Loss*100, jitterOrNaN(result.LoadedLatencyDownload)))

	loadedUL, ok := ComputeMetrics(c.LoadedUploadLatency)
	if !ok {
		return nil, errors.New("insufficient loaded upload latency data to compute metrics")
	}
	lines = append(lines, fmt.Sprintf("Loaded latency (upload): avg %.1f med %.1f p25 %.1f p75 %.1f ms (loss %.1f%%, jitter %.1f ms)",
		loadedUL.Mean, loadedUL.Median, loadedUL.P25, loadedUL.P75,
		result.LoadedLatencyUpload.Loss*100, jitterOrNaN(result.LoadedLatencyUpload)))

	if exp := result.ExperimentalUDP; exp != nil {
		median := math.NaN()
		if exp.Latency.MedianMillis != nil {
			median = *exp.Latency.MedianMillis
		}
		line := fmt.Sprintf("UDP-like loss probe: loss %.1f%% med %.1f ms ooo %.1f%%",
			exp.Latency.Loss*100, median, exp.OutOfOrderPct)
		if exp.MOS != nil {
			line += fmt.Sprintf(" MOS %.2f (%s)", *exp.MOS, exp.QualityLabel)
		}
		line += fmt.Sprintf(" (target %s)", exp.Target)
		lines = append(lines, line)
	}

	return lines, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package speedtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	uploadChunkSize        = 64 * 1024
	minDownloadBytesPerReq = 100_000
	samplerInterval        = 200 * time.Millisecond
	errorRetryDelay        = 100 * time.Millisecond
)

// loadedLatencyCollectTimeout bounds how long a throughput phase waits for
// its concurrent latency prober after the workers have been joined. This is
// independent of the prober's own per-probe timeout and guards against a
// stuck subtask.
var loadedLatencyCollectTimeout = 30 * time.Second

// byteSample is one sampler reading of the shared byte counter.
type byteSample struct {
	at    time.Time
	bytes uint64
}

// workerFunc is one throughput worker loop. Workers stop issuing new
// requests once stop is set but let in-flight requests resolve naturally.
type workerFunc func(stop *atomic.Bool, total, errCount *atomic.Uint64)

// RunDownloadWithLoadedLatency drives the download phase together with its
// concurrent loaded-latency prober.
func RunDownloadWithLoadedLatency(client *Client, cfg *RunConfig, events chan<- TestEvent, signals *runSignals) (ThroughputSummary, LatencySummary, error) {
	worker := func(stop *atomic.Bool, total, errCount *atomic.Uint64) {
		downloadWorker(client, cfg.DownloadBytesPerReq, stop, total, errCount, events)
	}
	return runThroughputPhase(client, cfg, PhaseDownload, cfg.DownloadDuration, worker, events, signals)
}

// RunUploadWithLoadedLatency drives the upload phase together with its
// concurrent loaded-latency prober.
func RunUploadWithLoadedLatency(client *Client, cfg *RunConfig, events chan<- TestEvent, signals *runSignals) (ThroughputSummary, LatencySummary, error) {
	worker := func(stop *atomic.Bool, total, errCount *atomic.Uint64) {
		uploadWorker(client, cfg.UploadBytesPerReq, stop, total, errCount)
	}
	return runThroughputPhase(client, cfg, PhaseUpload, cfg.UploadDuration, worker, events, signals)
}

// runThroughputPhase spawns the worker pool and the loaded-latency prober,
// runs the 200ms sampler loop until the phase duration elapses or the run is
// cancelled, then joins the workers and assembles the summaries. A prober
// that fails to report within the collection timeout is fatal to the phase.
func runThroughputPhase(client *Client, cfg *RunConfig, phase Phase, duration time.Duration, worker workerFunc, events chan<- TestEvent, signals *runSignals) (ThroughputSummary, LatencySummary, error) {
	var stop atomic.Bool
	var total, errCount atomic.Uint64

	workers := &errgroup.Group{}
	for i := 0; i < cfg.Concurrency; i++ {
		workers.Go(func() error {
			worker(&stop, &total, &errCount)
			return nil
		})
	}

	latencyCh := make(chan LatencySummary, 1)
	go func() {
		latencyCh <- runLatencyProbes(latencyProbeParams{
			client:        client,
			phase:         phase,
			during:        phase,
			totalDuration: duration,
			interval:      cfg.ProbeInterval,
			timeout:       cfg.ProbeTimeout,
			events:        events,
			signals:       signals,
		})
	}()

	start := time.Now()
	lastTick := start
	lastBytes := uint64(0)
	samples := make([]byteSample, 0, 256)
	mbpsSamples := make([]float64, 0, 256)

	for time.Since(start) < duration {
		if signals.waitWhilePaused() {
			break
		}

		now := time.Now()
		bytesTotal := total.Load()
		dt := now.Sub(lastTick).Seconds()
		if dt < 1e-9 {
			dt = 1e-9
		}
		instantMbps := float64(bytesTotal-lastBytes) * 8 / dt / 1e6
		lastTick = now
		lastBytes = bytesTotal

		samples = append(samples, byteSample{at: now, bytes: bytesTotal})
		mbpsSamples = append(mbpsSamples, instantMbps)
		emit(events, ThroughputTick{Phase: phase, BytesTotal: bytesTotal, InstantMbps: instantMbps})

		time.Sleep(samplerInterval)
	}

	stop.Store(true)
	_ = workers.Wait()

	elapsed := time.Since(start)
	bytesTotal := total.Load()
	if n := errCount.Load(); n > 0 {
		emit(events, Info{Message: fmt.Sprintf("%s: %d request(s) failed", phaseLabel(phase), n)})
	}

	bytes, window, ok := estimateSteadyWindow(samples, elapsed)
	if !ok {
		bytes, window = bytesTotal, elapsed
	}
	summary := throughputSummary(bytes, window, mbpsSamples)

	loaded, err := awaitLatencySummary(latencyCh, loadedLatencyCollectTimeout)
	if err != nil {
		return ThroughputSummary{}, LatencySummary{}, errors.Wrapf(err, "%s phase", phaseLabel(phase))
	}

	return summary, loaded, nil
}

// downloadWorker issues sustained GETs until stopped, crediting bytes as the
// response body streams in so a mid-stream failure still counts its partial
// transfer. A 429 halves this worker's request size down to a floor.
func downloadWorker(client *Client, bytesPerReq uint64, stop *atomic.Bool, total, errCount *atomic.Uint64, events chan<- TestEvent) {
	buf := make([]byte, 64*1024)

	for !stop.Load() {
		req, err := client.newRequest(context.Background(), http.MethodGet, client.downURL(bytesPerReq), nil)
		if err != nil {
			errCount.Add(1)
			return
		}

		resp, err := client.http.Do(req)
		if err != nil {
			errCount.Add(1)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errCount.Add(1)
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				if next := halveRequestBytes(bytesPerReq); next < bytesPerReq {
					bytesPerReq = next
					emit(events, Info{Message: fmt.Sprintf("Download: 429 from server, reducing bytes per request to %d", bytesPerReq)})
				}
			}
			time.Sleep(errorRetryDelay)
			continue
		}

		for {
			n, err := resp.Body.Read(buf)
			total.Add(uint64(n))
			if err != nil || stop.Load() {
				break
			}
		}
		resp.Body.Close()
	}
}

// halveRequestBytes is the 429 backoff step: halve, floored at the minimum
// request size. Returns the input unchanged once the floor is reached.
func halveRequestBytes(cur uint64) uint64 {
	next := cur / 2
	if next < minDownloadBytesPerReq {
		next = minDownloadBytesPerReq
	}
	if next > cur {
		return cur
	}
	return next
}

// uploadWorker issues sustained POSTs until stopped. Bytes are credited as
// the body produces chunks, an approximation of wire bytes chosen for stable
// realtime throughput readouts over exact wire accounting.
func uploadWorker(client *Client, bytesPerReq uint64, stop *atomic.Bool, total, errCount *atomic.Uint64) {
	postURL := client.upURL()

	for !stop.Load() {
		req, err := client.newRequest(context.Background(), http.MethodPost, postURL, newUploadBody(bytesPerReq, total))
		if err != nil {
			errCount.Add(1)
			return
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.ContentLength = int64(bytesPerReq)

		resp, err := client.http.Do(req)
		if err != nil {
			errCount.Add(1)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// uploadBody streams a fixed-size zero payload in 64 KiB chunks plus a
// remainder, crediting the shared byte counter as each chunk is produced.
type uploadBody struct {
	remaining uint64
	chunk     []byte
	total     *atomic.Uint64
}

func newUploadBody(size uint64, total *atomic.Uint64) *uploadBody {
	return &uploadBody{
		remaining: size,
		chunk:     make([]byte, uploadChunkSize),
		total:     total,
	}
}

func (b *uploadBody) Read(p []byte) (int, error) {
	if b.remaining == 0 {
		return 0, io.EOF
	}

	n := uint64(len(p))
	if n > uploadChunkSize {
		n = uploadChunkSize
	}
	if n > b.remaining {
		n = b.remaining
	}

	copy(p[:n], b.chunk[:n])
	b.remaining -= n
	b.total.Add(n)

	return int(n), nil
}

// estimateSteadyWindow drops the ramp-up portion of the sampler series (TCP
// slow start, connection setup) and reports bytes moved over the remaining
// window. Reports false when fewer than two samples exist or the remaining
// window is under 200ms; callers then fall back to raw totals.
func estimateSteadyWindow(samples []byteSample, totalDuration time.Duration) (uint64, time.Duration, bool) {
	if len(samples) < 2 {
		return 0, 0, false
	}

	ignore := time.Duration(float64(totalDuration) * 0.20)
	if ignore < time.Second {
		ignore = time.Second
	}

	cutoff := samples[0].at.Add(ignore)
	startIdx := 0
	for i, s := range samples {
		if !s.at.Before(cutoff) {
			startIdx = i
			break
		}
	}

	first := samples[startIdx]
	last := samples[len(samples)-1]
	window := last.at.Sub(first.at)
	if window < 200*time.Millisecond {
		return 0, 0, false
	}

	return last.bytes - first.bytes, window, true
}

// throughputSummary assembles the phase summary. Bytes and duration describe
// the steady window while the headline mbps and the four statistics come
// from the per-tick series; with fewer than two ticks every statistic falls
// back to the single aggregate bytes/duration figure.
func throughputSummary(bytes uint64, duration time.Duration, mbpsSamples []float64) ThroughputSummary {
	secs := duration.Seconds()
	if secs < 1e-9 {
		secs = 1e-9
	}
	aggregate := float64(bytes) * 8 / secs / 1e6

	m, ok := ComputeMetrics(mbpsSamples)
	if !ok {
		m = Metrics{Mean: aggregate, Median: aggregate, P25: aggregate, P75: aggregate}
	}

	return ThroughputSummary{
		Bytes:          bytes,
		DurationMillis: uint64(duration.Milliseconds()),
		Mbps:           m.Mean,
		MeanMbps:       f64Ptr(m.Mean),
		MedianMbps:     f64Ptr(m.Median),
		P25Mbps:        f64Ptr(m.P25),
		P75Mbps:        f64Ptr(m.P75),
	}
}

// awaitLatencySummary collects the loaded-latency result with an outer
// deadline so a wedged prober cannot hang the phase.
func awaitLatencySummary(ch <-chan LatencySummary, timeout time.Duration) (LatencySummary, error) {
	select {
	case summary := <-ch:
		return summary, nil
	case <-time.After(timeout):
		return LatencySummary{}, errors.New("timed out waiting for loaded latency results")
	}
}

func phaseLabel(p Phase) string {
	switch p {
	case PhaseDownload:
		return "Download"
	case PhaseUpload:
		return "Upload"
	case PhaseIdleLatency:
		return "Idle latency"
	default:
		return "Summary"
	}
}

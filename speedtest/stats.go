package speedtest

import (
	"math"
	"sort"
)

// OnlineStats accumulates count, mean and variance of a stream using
// Welford's algorithm, which stays numerically stable over long streams.
type OnlineStats struct {
	n    int
	mean float64
	m2   float64
}

func (s *OnlineStats) Push(x float64) {
	s.n++
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (x - s.mean)
}

func (s *OnlineStats) Count() int {
	return s.n
}

func (s *OnlineStats) Mean() float64 {
	return s.mean
}

// StdDev returns the population standard deviation, or 0 with fewer than
// two samples.
func (s *OnlineStats) StdDev() float64 {
	if s.n < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.n))
}

// Metrics is the summary shape shared by latency and throughput series.
type Metrics struct {
	Mean   float64
	Median float64
	P25    float64
	P75    float64
}

// ComputeMetrics computes mean, median, p25 and p75 over samples. The
// percentiles are nearest-rank: the sorted slice is indexed at n/2, n/4 and
// 3n/4 with truncating division, not interpolated. Callers depend on this
// exact indexing for reproducible output. Reports false with fewer than two
// samples.
func ComputeMetrics(samples []float64) (Metrics, bool) {
	if len(samples) < 2 {
		return Metrics{}, false
	}

	sum := float64(0)
	for _, x := range samples {
		sum += x
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	n := len(sorted)

	return Metrics{
		Mean:   sum / float64(n),
		Median: sorted[n/2],
		P25:    sorted[n/4],
		P75:    sorted[3*n/4],
	}, true
}

// ComputeJitter returns the mean absolute difference between consecutive
// samples in input order, or 0 with fewer than two samples.
func ComputeJitter(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}

	sum := float64(0)
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(samples[i] - samples[i-1])
	}

	return sum / float64(len(samples)-1)
}

// latencySummaryFromSamples assembles a LatencySummary from the attempt
// counters and the successful RTT samples of one probe loop.
func latencySummaryFromSamples(sent, received uint64, samples []float64) LatencySummary {
	summary := LatencySummary{
		Sent:     sent,
		Received: received,
	}
	if sent > 0 {
		summary.Loss = float64(sent-received) / float64(sent)
	}

	if len(samples) > 0 {
		min := samples[0]
		max := samples[0]
		for _, x := range samples[1:] {
			if x < min {
				min = x
			}
			if x > max {
				max = x
			}
		}
		summary.MinMillis = f64Ptr(min)
		summary.MaxMillis = f64Ptr(max)
	}

	if m, ok := ComputeMetrics(samples); ok {
		summary.MeanMillis = f64Ptr(m.Mean)
		summary.MedianMillis = f64Ptr(m.Median)
		summary.P25Millis = f64Ptr(m.P25)
		summary.P75Millis = f64Ptr(m.P75)
		summary.JitterMillis = f64Ptr(ComputeJitter(samples))
	}

	return summary
}

func f64Ptr(x float64) *float64 {
	return &x
}

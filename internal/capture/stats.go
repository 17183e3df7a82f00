package capture

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// defaultLatencyWindow is how many recent estimation calls feed the
// latency summary.
const defaultLatencyWindow = 256

// LatencyStats summarises recent estimation call latencies in milliseconds.
type LatencyStats struct {
	Count    int     `json:"count"`
	MeanMs   float64 `json:"mean_ms"`
	StdDevMs float64 `json:"stddev_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
}

// latencyRing is a fixed-size ring of recent latency observations.
type latencyRing struct {
	vals  []float64
	next  int
	total int
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{vals: make([]float64, 0, size)}
}

func (r *latencyRing) add(ms float64) {
	if len(r.vals) < cap(r.vals) {
		r.vals = append(r.vals, ms)
	} else {
		r.vals[r.next] = ms
	}
	r.next = (r.next + 1) % cap(r.vals)
	r.total++
}

func (r *latencyRing) stats() LatencyStats {
	if len(r.vals) == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, len(r.vals))
	copy(sorted, r.vals)
	sort.Float64s(sorted)

	s := LatencyStats{
		Count:  r.total,
		MeanMs: stat.Mean(sorted, nil),
		P50Ms:  stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95Ms:  stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
	if len(sorted) > 1 {
		s.StdDevMs = stat.StdDev(sorted, nil)
	}
	return s
}

// Package stats provides bounded rolling-window latency aggregation for the
// voice pipeline. A [LatencyWindow] keeps the most recent N samples of one
// metric and answers min/max/mean and percentile queries over that window,
// counting samples that exceed a configured budget as violations.
package stats

import (
	"sort"
	"sync"
	"time"
)

// defaultWindowSize bounds the number of retained samples when none is given.
const defaultWindowSize = 256

// Snapshot is a point-in-time aggregate of a [LatencyWindow].
type Snapshot struct {
	Count      int
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Violations int
}

// LatencyWindow is a fixed-capacity ring of latency samples. The zero value
// is not usable; construct with [NewLatencyWindow]. Safe for concurrent use.
type LatencyWindow struct {
	mu         sync.Mutex
	samples    []time.Duration
	next       int
	filled     bool
	budget     time.Duration
	violations int
}

// NewLatencyWindow creates a window retaining the last size samples. A
// non-zero budget marks samples above it as violations; zero disables
// violation counting. size <= 0 falls back to a default capacity.
func NewLatencyWindow(size int, budget time.Duration) *LatencyWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &LatencyWindow{
		samples: make([]time.Duration, size),
		budget:  budget,
	}
}

// Record adds one sample, evicting the oldest when the window is full.
func (w *LatencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
	if w.budget > 0 && d > w.budget {
		w.violations++
	}
}

// Snapshot computes the current aggregate. An empty window yields a zero
// Snapshot.
func (w *LatencyWindow) Snapshot() Snapshot {
	w.mu.Lock()
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		v := w.violations
		w.mu.Unlock()
		return Snapshot{Violations: v}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	violations := w.violations
	w.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return Snapshot{
		Count:      n,
		Min:        sorted[0],
		Max:        sorted[n-1],
		Mean:       sum / time.Duration(n),
		P50:        percentile(sorted, 50),
		P95:        percentile(sorted, 95),
		P99:        percentile(sorted, 99),
		Violations: violations,
	}
}

// percentile returns the p-th percentile of sorted using nearest-rank.
// sorted must be non-empty and ascending.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

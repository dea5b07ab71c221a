package stats_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sitespeak/voicecore/pkg/stats"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestSnapshot_EmptyWindow(t *testing.T) {
	t.Parallel()

	w := stats.NewLatencyWindow(16, 0)
	snap := w.Snapshot()
	if snap.Count != 0 || snap.Min != 0 || snap.P99 != 0 {
		t.Fatalf("empty snapshot not zero: %+v", snap)
	}
}

func TestSnapshot_Aggregates(t *testing.T) {
	t.Parallel()

	w := stats.NewLatencyWindow(16, 0)
	for _, d := range []int{10, 20, 30, 40} {
		w.Record(ms(d))
	}

	snap := w.Snapshot()
	if snap.Count != 4 {
		t.Fatalf("Count = %d, want 4", snap.Count)
	}
	if snap.Min != ms(10) || snap.Max != ms(40) {
		t.Fatalf("Min/Max = %v/%v, want 10ms/40ms", snap.Min, snap.Max)
	}
	if snap.Mean != ms(25) {
		t.Fatalf("Mean = %v, want 25ms", snap.Mean)
	}
	if snap.P50 != ms(20) {
		t.Fatalf("P50 = %v, want 20ms", snap.P50)
	}
	if snap.P99 != ms(40) {
		t.Fatalf("P99 = %v, want 40ms", snap.P99)
	}
}

func TestRecord_EvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	w := stats.NewLatencyWindow(3, 0)
	for _, d := range []int{100, 1, 2, 3} {
		w.Record(ms(d))
	}

	// The 100ms sample fell out of the window.
	snap := w.Snapshot()
	if snap.Count != 3 {
		t.Fatalf("Count = %d, want 3", snap.Count)
	}
	if snap.Max != ms(3) {
		t.Fatalf("Max = %v, want 3ms", snap.Max)
	}
}

func TestRecord_CountsBudgetViolations(t *testing.T) {
	t.Parallel()

	w := stats.NewLatencyWindow(8, ms(20))
	for _, d := range []int{10, 21, 19, 50} {
		w.Record(ms(d))
	}

	if got := w.Snapshot().Violations; got != 2 {
		t.Fatalf("Violations = %d, want 2", got)
	}
}

func TestRecord_ViolationsSurviveEviction(t *testing.T) {
	t.Parallel()

	w := stats.NewLatencyWindow(2, ms(5))
	w.Record(ms(10)) // violation, later evicted
	w.Record(ms(1))
	w.Record(ms(1))

	if got := w.Snapshot().Violations; got != 1 {
		t.Fatalf("Violations = %d, want 1 (violations are cumulative)", got)
	}
}

func TestRecord_ConcurrentUse(t *testing.T) {
	t.Parallel()

	w := stats.NewLatencyWindow(64, ms(10))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Record(ms(j % 20))
				_ = w.Snapshot()
			}
		}()
	}
	wg.Wait()

	if snap := w.Snapshot(); snap.Count != 64 {
		t.Fatalf("Count = %d, want full window of 64", snap.Count)
	}
}

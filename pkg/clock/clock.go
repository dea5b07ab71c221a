// Package clock abstracts wall-clock time behind an injectable interface so
// that deadline-driven logic (silence hang timers, connection TTLs, session
// sweeps) can be tested deterministically against a mock clock instead of
// real sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock provides the time operations the voice pipeline depends on. All
// implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the elapsed time since t.
	Since(t time.Time) time.Duration

	// AfterFunc schedules fn to run after d and returns a Timer that can
	// stop or reschedule it. fn runs in its own goroutine on the real
	// clock; the mock clock runs it synchronously from Advance.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the handle returned by [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool

	// Reset reschedules the timer to fire after d, replacing any pending
	// deadline.
	Reset(d time.Duration) bool
}

// Real is a [Clock] backed by the time package.
type Real struct{}

// New returns the real wall clock.
func New() Real { return Real{} }

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// Mock is a manually advanced [Clock] for tests. Time only moves when
// [Mock.Advance] or [Mock.Set] is called; pending AfterFunc callbacks whose
// deadlines are reached run synchronously, in deadline order, before Advance
// returns.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

// NewMock creates a mock clock starting at a fixed, arbitrary instant.
func NewMock() *Mock {
	return &Mock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Mock) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{
		clock:    m,
		deadline: m.now.Add(d),
		fn:       fn,
	}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (m *Mock) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set jumps the clock to t, firing every pending timer whose deadline is at
// or before t. Moving backwards is not supported and only updates now.
func (m *Mock) Set(t time.Time) {
	for {
		next := m.popDue(t)
		if next == nil {
			break
		}
		next.fn()
	}
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// popDue removes and returns the earliest pending timer due at or before t,
// advancing now to its deadline so nested AfterFunc calls observe a
// consistent clock. Returns nil when no timer is due.
func (m *Mock) popDue(t time.Time) *mockTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest *mockTimer
	idx := -1
	for i, tm := range m.timers {
		if tm.stopped || tm.deadline.After(t) {
			continue
		}
		if earliest == nil || tm.deadline.Before(earliest.deadline) {
			earliest = tm
			idx = i
		}
	}
	if earliest == nil {
		return nil
	}
	m.timers = append(m.timers[:idx], m.timers[idx+1:]...)
	earliest.stopped = true
	if earliest.deadline.After(m.now) {
		m.now = earliest.deadline
	}
	return earliest
}

type mockTimer struct {
	clock    *Mock
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped
	t.stopped = false
	t.deadline = t.clock.now.Add(d)
	if !wasPending {
		t.clock.timers = append(t.clock.timers, t)
	}
	return wasPending
}

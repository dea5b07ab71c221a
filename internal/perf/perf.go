// Package perf is the offline performance harness for the voice pipeline.
//
// The harness runs phased scenarios against the real pipeline components
// wired to mock collaborators: baseline memory, session creation timing,
// synthetic first-token timing, VAD and barge-in timing, per-frame encode
// timing, pipeline attachment overhead, leak detection and an optional
// concurrent stress run. It produces a scored report with violations
// tagged critical or warning.
//
// Two budget classes apply. Critical ceilings are absolute: a single VAD
// decision over its ceiling or a single barge-in over its deadline fails
// the run regardless of percentiles. Softer budgets (first token, session
// creation, encode) are judged on p95 aggregates.
//
// The harness runs on the wall clock and off the serving path. It is meant
// for CI and pre-release checks, not production.
package perf

import (
	"fmt"
	"sort"
	"time"

	"github.com/sitespeak/voicecore/pkg/audio/opusframer"
	"github.com/sitespeak/voicecore/pkg/stats"
	"github.com/sitespeak/voicecore/pkg/vad"
	vadmock "github.com/sitespeak/voicecore/pkg/vad/mock"
)

// Severity classifies a budget violation.
type Severity int

const (
	// Warning marks a soft budget miss. The run can still pass.
	Warning Severity = iota

	// Critical marks an absolute ceiling breach. The run fails.
	Critical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	if s == Critical {
		return "critical"
	}
	return "warning"
}

// Budgets are the latency and memory ceilings the harness enforces.
type Budgets struct {
	// VADDecisionMax is the absolute per-sample ceiling for one VAD
	// decision. Any sample over it is critical.
	VADDecisionMax time.Duration

	// BargeInMax is the absolute per-sample ceiling from speech-over-
	// playback detection to barge-in emission. Any sample over it is
	// critical.
	BargeInMax time.Duration

	// EncodeP95 is the soft p95 budget for one frame encode.
	EncodeP95 time.Duration

	// SessionCreateP95 is the soft p95 budget for StartSession.
	SessionCreateP95 time.Duration

	// FirstTokenP95 is the soft p95 budget from turn final to first
	// response audio.
	FirstTokenP95 time.Duration

	// AttachP95 is the soft p95 budget for wiring one pipeline
	// (framer init plus turn manager start).
	AttachP95 time.Duration

	// LeakGrowthMax is the heap growth allowed across the leak phase
	// after forced GC, in bytes.
	LeakGrowthMax uint64
}

// DefaultBudgets returns the production budget set.
func DefaultBudgets() Budgets {
	return Budgets{
		VADDecisionMax:   20 * time.Millisecond,
		BargeInMax:       50 * time.Millisecond,
		EncodeP95:        10 * time.Millisecond,
		SessionCreateP95: 50 * time.Millisecond,
		FirstTokenP95:    300 * time.Millisecond,
		AttachP95:        20 * time.Millisecond,
		LeakGrowthMax:    8 << 20,
	}
}

// Violation is one budget breach found during a run.
type Violation struct {
	// Phase names the scenario that found the breach.
	Phase string

	// Metric names the budget breached (e.g. "vad.decision").
	Metric string

	// Severity is Critical for absolute ceiling breaches.
	Severity Severity

	// Detail is a human-readable description with observed and budget
	// values.
	Detail string
}

// PhaseResult summarises one scenario.
type PhaseResult struct {
	// Name of the phase.
	Name string

	// Latency holds the phase's timing distribution, zero for phases
	// that measure something other than latency.
	Latency stats.Snapshot

	// Violations found by this phase.
	Violations int

	// Notes carries phase-specific observations (memory figures,
	// throughput).
	Notes []string
}

// Report is the outcome of one harness run.
type Report struct {
	// Score is 0-100: 100 minus 25 per critical and 5 per warning,
	// floored at 0.
	Score int

	// Passed is true when no critical violation occurred.
	Passed bool

	// Phases in execution order.
	Phases []PhaseResult

	// Violations across all phases.
	Violations []Violation

	// Recommendations are deduplicated remediation hints, one per
	// violated metric.
	Recommendations []string
}

// EngineFactory builds the detector a timing phase drives. The script is
// the per-frame event sequence the phase expects; wrapping the default
// engine lets tests inject artificial decision latency.
type EngineFactory func(script []vad.Event) vad.Engine

// Config controls a harness run.
type Config struct {
	// Sessions is the sample count for the creation, first-token and
	// attachment phases. Default: 20.
	Sessions int

	// Frames is the sample count for the VAD, barge-in and encode
	// phases. Default: 200.
	Frames int

	// LeakCycles is how many create/destroy cycles the leak phase runs.
	// Default: 50.
	LeakCycles int

	// StressSessions is the concurrent session count for the stress
	// phase. Zero disables the phase.
	StressSessions int

	// StressFrames is how many frames each stress session routes.
	// Default: 50.
	StressFrames int

	// Budgets to enforce. Zero value means DefaultBudgets.
	Budgets Budgets

	// Engines builds the VAD engine for timing phases. Default: the
	// scriptable mock engine.
	Engines EngineFactory

	// Encoder overrides the framer codec. Nil uses the production Opus
	// encoder.
	Encoder opusframer.EncoderFactory
}

func (c *Config) fillDefaults() {
	if c.Sessions <= 0 {
		c.Sessions = 20
	}
	if c.Frames <= 0 {
		c.Frames = 200
	}
	if c.LeakCycles <= 0 {
		c.LeakCycles = 50
	}
	if c.StressFrames <= 0 {
		c.StressFrames = 50
	}
	if c.Budgets == (Budgets{}) {
		c.Budgets = DefaultBudgets()
	}
	if c.Engines == nil {
		c.Engines = func(script []vad.Event) vad.Engine {
			return &vadmock.Engine{Script: script}
		}
	}
}

// Validator runs the phased performance scenarios.
type Validator struct {
	cfg Config
}

// New creates a Validator. Zero Config fields take defaults.
func New(cfg Config) *Validator {
	cfg.fillDefaults()
	return &Validator{cfg: cfg}
}

// recommendations maps a violated metric to its remediation hint.
var recommendations = map[string]string{
	"vad.decision":    "reduce per-frame VAD work or shrink the analysis window; the decision must fit inside one frame interval",
	"bargein.latency": "keep the barge-in path free of allocation and I/O; the stop signal must be fire-and-forget",
	"encode.duration": "lower encoder complexity or bitrate, or verify the codec is not falling back to a slower path",
	"session.create":  "pre-warm pooled connections so StartSession does not pay the dial cost",
	"first_token":     "check speech endpoint proximity and connection reuse; first audio must arrive promptly after the turn closes",
	"attach.overhead": "move one-time codec setup out of the session path or cache encoder state",
	"memory.growth":   "profile the create/destroy path for retained sessions, unsubscribed handlers or unreleased connections",
	"stress":          "raise pool caps or session limits, or shed load earlier under concurrency",
}

// score folds the violation list into the 0-100 score.
func score(violations []Violation) (int, bool) {
	s, passed := 100, true
	for _, v := range violations {
		if v.Severity == Critical {
			s -= 25
			passed = false
		} else {
			s -= 5
		}
	}
	if s < 0 {
		s = 0
	}
	return s, passed
}

// buildReport assembles the final report from completed phases.
func buildReport(phases []PhaseResult, violations []Violation) *Report {
	sc, passed := score(violations)

	seen := make(map[string]bool)
	var recs []string
	for _, v := range violations {
		if r, ok := recommendations[v.Metric]; ok && !seen[v.Metric] {
			seen[v.Metric] = true
			recs = append(recs, r)
		}
	}
	sort.Strings(recs)

	return &Report{
		Score:           sc,
		Passed:          passed,
		Phases:          phases,
		Violations:      violations,
		Recommendations: recs,
	}
}

// exceeded formats a budget-breach detail line.
func exceeded(observed, budget time.Duration, samples int) string {
	if samples > 1 {
		return fmt.Sprintf("worst sample %v over budget %v (%d samples over)", observed, budget, samples)
	}
	return fmt.Sprintf("observed %v over budget %v", observed, budget)
}

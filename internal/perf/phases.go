package perf

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sitespeak/voicecore/internal/orchestrator"
	"github.com/sitespeak/voicecore/internal/pool"
	"github.com/sitespeak/voicecore/internal/turn"
	"github.com/sitespeak/voicecore/pkg/audio"
	"github.com/sitespeak/voicecore/pkg/audio/opusframer"
	"github.com/sitespeak/voicecore/pkg/speech"
	speechmock "github.com/sitespeak/voicecore/pkg/speech/mock"
	"github.com/sitespeak/voicecore/pkg/stats"
	transportmock "github.com/sitespeak/voicecore/pkg/transport/mock"
	"github.com/sitespeak/voicecore/pkg/vad"
)

// frameBudget is one frame interval of the harness audio format. Encode
// samples over it are critical: the codec cannot keep up with real time.
const frameBudget = 20 * time.Millisecond

func framerConfig() opusframer.Config {
	return opusframer.Config{SampleRate: 48000, FrameDurationMs: 20, Channels: 1}
}

func turnConfig() turn.Config {
	return turn.Config{
		VAD: vad.Config{
			SampleRate:          48000,
			FrameSizeMs:         20,
			ActivateThreshold:   0.5,
			DeactivateThreshold: 0.35,
		},
		Hang:          800 * time.Millisecond,
		DuckOnBargeIn: true,
	}
}

// pcmFrame is one 20ms 48kHz mono chunk.
func pcmFrame() audio.PCMFrame {
	return audio.PCMFrame{
		Data:       make([]byte, 1920),
		SampleRate: 48000,
		Channels:   1,
		Captured:   time.Now(),
	}
}

// heapInUse forces a collection and reads the live heap size.
func heapInUse() uint64 {
	runtime.GC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Run executes every phase and assembles the report. A phase that cannot
// be set up at all aborts the run with an error; budget breaches inside a
// phase land in the report instead.
func (v *Validator) Run(ctx context.Context) (*Report, error) {
	var (
		phases     []PhaseResult
		violations []Violation
	)
	add := func(p PhaseResult, vs []Violation) {
		p.Violations = len(vs)
		phases = append(phases, p)
		violations = append(violations, vs...)
	}

	phases = append(phases, PhaseResult{
		Name:  "baseline",
		Notes: []string{fmt.Sprintf("heap in use: %d bytes", heapInUse())},
	})

	p, vs, err := v.vadPhase()
	if err != nil {
		return nil, err
	}
	add(p, vs)

	p, vs, err = v.bargeInPhase()
	if err != nil {
		return nil, err
	}
	add(p, vs)

	p, vs, err = v.encodePhase()
	if err != nil {
		return nil, err
	}
	add(p, vs)

	p, vs, err = v.sessionPhase(ctx)
	if err != nil {
		return nil, err
	}
	add(p, vs)

	p, vs, err = v.firstTokenPhase(ctx)
	if err != nil {
		return nil, err
	}
	add(p, vs)

	p, vs, err = v.attachPhase()
	if err != nil {
		return nil, err
	}
	add(p, vs)

	p, vs, err = v.leakPhase(ctx)
	if err != nil {
		return nil, err
	}
	add(p, vs)

	if v.cfg.StressSessions > 0 {
		p, vs, err = v.stressPhase(ctx)
		if err != nil {
			return nil, err
		}
		add(p, vs)
	}

	return buildReport(phases, violations), nil
}

// newManager wires a standalone framer + turn manager pipeline.
func (v *Validator) newManager(script []vad.Event) (*turn.Manager, error) {
	var fopts []opusframer.Option
	if v.cfg.Encoder != nil {
		fopts = append(fopts, opusframer.WithEncoderFactory(v.cfg.Encoder))
	}
	fr, err := opusframer.New(framerConfig(), fopts...)
	if err != nil {
		return nil, fmt.Errorf("perf: create framer: %w", err)
	}
	if err := fr.Initialize(); err != nil {
		return nil, fmt.Errorf("perf: initialize framer: %w", err)
	}
	m, err := turn.New(turnConfig(), v.cfg.Engines(script), fr)
	if err != nil {
		return nil, fmt.Errorf("perf: create turn manager: %w", err)
	}
	if err := m.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("perf: start turn manager: %w", err)
	}
	return m, nil
}

// ── Component timing phases ─────────────────────────────────────────────────

func (v *Validator) vadPhase() (PhaseResult, []Violation, error) {
	m, err := v.newManager(nil) // empty script holds Silence
	if err != nil {
		return PhaseResult{}, nil, err
	}
	defer m.Stop()

	f := pcmFrame()
	for i := 0; i < v.cfg.Frames; i++ {
		if _, err := m.ProcessFrame(f); err != nil {
			return PhaseResult{}, nil, fmt.Errorf("perf: vad phase frame %d: %w", i, err)
		}
	}

	snap := m.VADLatency()
	var vs []Violation
	if snap.Max > v.cfg.Budgets.VADDecisionMax {
		vs = append(vs, Violation{
			Phase:    "vad",
			Metric:   "vad.decision",
			Severity: Critical,
			Detail:   exceeded(snap.Max, v.cfg.Budgets.VADDecisionMax, snap.Violations),
		})
	} else if snap.P95 > v.cfg.Budgets.VADDecisionMax/2 {
		vs = append(vs, Violation{
			Phase:    "vad",
			Metric:   "vad.decision",
			Severity: Warning,
			Detail:   fmt.Sprintf("p95 %v above half the %v ceiling", snap.P95, v.cfg.Budgets.VADDecisionMax),
		})
	}
	return PhaseResult{Name: "vad", Latency: snap}, vs, nil
}

func (v *Validator) bargeInPhase() (PhaseResult, []Violation, error) {
	m, err := v.newManager([]vad.Event{{Type: vad.SpeechStart, Probability: 0.9}})
	if err != nil {
		return PhaseResult{}, nil, err
	}
	defer m.Stop()

	f := pcmFrame()
	for i := 0; i < v.cfg.Frames; i++ {
		m.SetTTSPlaying(true)
		if _, err := m.ProcessFrame(f); err != nil {
			return PhaseResult{}, nil, fmt.Errorf("perf: barge-in phase frame %d: %w", i, err)
		}
		m.SetTTSPlaying(false)
		select {
		case <-m.BargeIn():
		default:
		}
	}

	snap := m.BargeInLatency()
	var vs []Violation
	if snap.Count == 0 {
		vs = append(vs, Violation{
			Phase:    "bargein",
			Metric:   "bargein.latency",
			Severity: Critical,
			Detail:   "no barge-in was emitted for speech over active playback",
		})
	} else if snap.Max > v.cfg.Budgets.BargeInMax {
		vs = append(vs, Violation{
			Phase:    "bargein",
			Metric:   "bargein.latency",
			Severity: Critical,
			Detail:   exceeded(snap.Max, v.cfg.Budgets.BargeInMax, snap.Violations),
		})
	}
	return PhaseResult{Name: "bargein", Latency: snap}, vs, nil
}

func (v *Validator) encodePhase() (PhaseResult, []Violation, error) {
	var fopts []opusframer.Option
	if v.cfg.Encoder != nil {
		fopts = append(fopts, opusframer.WithEncoderFactory(v.cfg.Encoder))
	}
	fr, err := opusframer.New(framerConfig(), fopts...)
	if err != nil {
		return PhaseResult{}, nil, fmt.Errorf("perf: create framer: %w", err)
	}
	if err := fr.Initialize(); err != nil {
		return PhaseResult{}, nil, fmt.Errorf("perf: initialize framer: %w", err)
	}

	f := pcmFrame()
	for i := 0; i < v.cfg.Frames; i++ {
		if _, err := fr.Ingest(f); err != nil {
			return PhaseResult{}, nil, fmt.Errorf("perf: encode phase frame %d: %w", i, err)
		}
	}

	snap := fr.EncodeLatency()
	var vs []Violation
	if snap.Max > frameBudget {
		vs = append(vs, Violation{
			Phase:    "encode",
			Metric:   "encode.duration",
			Severity: Critical,
			Detail:   exceeded(snap.Max, frameBudget, 1),
		})
	} else if snap.P95 > v.cfg.Budgets.EncodeP95 {
		vs = append(vs, Violation{
			Phase:    "encode",
			Metric:   "encode.duration",
			Severity: Warning,
			Detail:   fmt.Sprintf("p95 %v over budget %v", snap.P95, v.cfg.Budgets.EncodeP95),
		})
	}
	return PhaseResult{Name: "encode", Latency: snap}, vs, nil
}

// ── Orchestrated phases ─────────────────────────────────────────────────────

// bench is a full pipeline against mock collaborators.
type bench struct {
	orc      *orchestrator.Orchestrator
	pool     *pool.Pool
	provider *speechmock.Provider
}

func (b *bench) close() {
	b.orc.Close()
	b.pool.Close()
}

func (v *Validator) newBench() (*bench, error) {
	provider := &speechmock.Provider{}
	p, err := pool.New(pool.Config{
		MaxPerTenant: 256,
		MaxTotal:     1024,
		TTL:          time.Hour,
		IdleTimeout:  time.Hour,
	}, provider, speech.ConnConfig{})
	if err != nil {
		return nil, fmt.Errorf("perf: create pool: %w", err)
	}

	var fopts []opusframer.Option
	if v.cfg.Encoder != nil {
		fopts = append(fopts, opusframer.WithEncoderFactory(v.cfg.Encoder))
	}
	orc, err := orchestrator.New(orchestrator.Config{
		MaxSessions:   1024,
		SessionTTL:    time.Hour,
		SweepInterval: time.Hour,
		Turn:          turnConfig(),
		Framer:        framerConfig(),
	}, p, v.cfg.Engines(nil), nil, orchestrator.WithFramerOptions(fopts...))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("perf: create orchestrator: %w", err)
	}
	return &bench{orc: orc, pool: p, provider: provider}, nil
}

func (v *Validator) sessionPhase(ctx context.Context) (PhaseResult, []Violation, error) {
	b, err := v.newBench()
	if err != nil {
		return PhaseResult{}, nil, err
	}
	defer b.close()

	win := stats.NewLatencyWindow(v.cfg.Sessions, v.cfg.Budgets.SessionCreateP95)
	var vs []Violation
	for i := 0; i < v.cfg.Sessions; i++ {
		start := time.Now()
		id, err := b.orc.StartSession(ctx, orchestrator.StartRequest{
			Tenant:    "perf",
			Transport: transportmock.New(),
		})
		if err != nil {
			vs = append(vs, Violation{
				Phase:    "session",
				Metric:   "session.create",
				Severity: Critical,
				Detail:   fmt.Sprintf("StartSession failed: %v", err),
			})
			break
		}
		win.Record(time.Since(start))
		b.orc.StopSession(id)
	}

	snap := win.Snapshot()
	if snap.P95 > v.cfg.Budgets.SessionCreateP95 {
		vs = append(vs, Violation{
			Phase:    "session",
			Metric:   "session.create",
			Severity: Warning,
			Detail:   fmt.Sprintf("p95 %v over budget %v", snap.P95, v.cfg.Budgets.SessionCreateP95),
		})
	}
	return PhaseResult{Name: "session", Latency: snap}, vs, nil
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func (v *Validator) firstTokenPhase(ctx context.Context) (PhaseResult, []Violation, error) {
	b, err := v.newBench()
	if err != nil {
		return PhaseResult{}, nil, err
	}
	defer b.close()

	id, err := b.orc.StartSession(ctx, orchestrator.StartRequest{
		Tenant:    "perf",
		Transport: transportmock.New(),
	})
	if err != nil {
		return PhaseResult{}, nil, fmt.Errorf("perf: first-token session: %w", err)
	}
	conns := b.provider.Conns()
	if len(conns) == 0 {
		return PhaseResult{}, nil, fmt.Errorf("perf: first-token phase: no speech connection dialed")
	}
	conn := conns[0]

	for i := 1; i <= v.cfg.Sessions; i++ {
		if err := b.orc.PushText(id, "ping"); err != nil {
			return PhaseResult{}, nil, fmt.Errorf("perf: first-token turn %d: %w", i, err)
		}
		n := i
		if !waitUntil(func() bool { return len(conn.SentText()) >= n }) {
			return PhaseResult{}, nil, fmt.Errorf("perf: first-token turn %d: text never reached speech connection", i)
		}
		conn.Emit(speech.Event{Type: speech.AudioDelta, Audio: []byte{0x01}})
		if !waitUntil(func() bool {
			st, ok := b.orc.Stats(id)
			return ok && st.FirstToken.Count >= n
		}) {
			return PhaseResult{}, nil, fmt.Errorf("perf: first-token turn %d: no response audio observed", i)
		}
	}

	st, ok := b.orc.Stats(id)
	if !ok {
		return PhaseResult{}, nil, fmt.Errorf("perf: first-token phase: session vanished")
	}
	snap := st.FirstToken
	var vs []Violation
	if snap.P95 > v.cfg.Budgets.FirstTokenP95 {
		vs = append(vs, Violation{
			Phase:    "first_token",
			Metric:   "first_token",
			Severity: Warning,
			Detail:   fmt.Sprintf("p95 %v over budget %v", snap.P95, v.cfg.Budgets.FirstTokenP95),
		})
	}
	return PhaseResult{Name: "first_token", Latency: snap}, vs, nil
}

func (v *Validator) attachPhase() (PhaseResult, []Violation, error) {
	win := stats.NewLatencyWindow(v.cfg.Sessions, v.cfg.Budgets.AttachP95)
	for i := 0; i < v.cfg.Sessions; i++ {
		start := time.Now()
		m, err := v.newManager(nil)
		if err != nil {
			return PhaseResult{}, nil, err
		}
		win.Record(time.Since(start))
		m.Stop()
	}

	snap := win.Snapshot()
	var vs []Violation
	if snap.P95 > v.cfg.Budgets.AttachP95 {
		vs = append(vs, Violation{
			Phase:    "attach",
			Metric:   "attach.overhead",
			Severity: Warning,
			Detail:   fmt.Sprintf("p95 %v over budget %v", snap.P95, v.cfg.Budgets.AttachP95),
		})
	}
	return PhaseResult{Name: "attach", Latency: snap}, vs, nil
}

func (v *Validator) leakPhase(ctx context.Context) (PhaseResult, []Violation, error) {
	b, err := v.newBench()
	if err != nil {
		return PhaseResult{}, nil, err
	}

	baseline := heapInUse()
	f := pcmFrame()
	for i := 0; i < v.cfg.LeakCycles; i++ {
		id, err := b.orc.StartSession(ctx, orchestrator.StartRequest{
			Tenant:    "perf",
			Transport: transportmock.New(),
		})
		if err != nil {
			b.close()
			return PhaseResult{}, nil, fmt.Errorf("perf: leak cycle %d: %w", i, err)
		}
		for j := 0; j < 5; j++ {
			b.orc.RouteInboundAudio(id, f)
		}
		b.orc.StopSession(id)
	}
	b.close()

	final := heapInUse()
	var growth uint64
	if final > baseline {
		growth = final - baseline
	}

	var vs []Violation
	switch {
	case growth > 4*v.cfg.Budgets.LeakGrowthMax:
		vs = append(vs, Violation{
			Phase:    "leak",
			Metric:   "memory.growth",
			Severity: Critical,
			Detail:   fmt.Sprintf("heap grew %d bytes over %d create/destroy cycles (budget %d)", growth, v.cfg.LeakCycles, v.cfg.Budgets.LeakGrowthMax),
		})
	case growth > v.cfg.Budgets.LeakGrowthMax:
		vs = append(vs, Violation{
			Phase:    "leak",
			Metric:   "memory.growth",
			Severity: Warning,
			Detail:   fmt.Sprintf("heap grew %d bytes over %d create/destroy cycles (budget %d)", growth, v.cfg.LeakCycles, v.cfg.Budgets.LeakGrowthMax),
		})
	}
	res := PhaseResult{
		Name: "leak",
		Notes: []string{
			fmt.Sprintf("baseline: %d bytes", baseline),
			fmt.Sprintf("after %d cycles: %d bytes (growth %d)", v.cfg.LeakCycles, final, growth),
		},
	}
	return res, vs, nil
}

func (v *Validator) stressPhase(ctx context.Context) (PhaseResult, []Violation, error) {
	b, err := v.newBench()
	if err != nil {
		return PhaseResult{}, nil, err
	}
	defer b.close()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < v.cfg.StressSessions; i++ {
		g.Go(func() error {
			id, err := b.orc.StartSession(ctx, orchestrator.StartRequest{
				Tenant:    "perf",
				Transport: transportmock.New(),
			})
			if err != nil {
				return fmt.Errorf("perf: stress start: %w", err)
			}
			f := pcmFrame()
			for j := 0; j < v.cfg.StressFrames; j++ {
				b.orc.RouteInboundAudio(id, f)
			}
			return b.orc.StopSession(id)
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)

	var vs []Violation
	if err != nil {
		vs = append(vs, Violation{
			Phase:    "stress",
			Metric:   "stress",
			Severity: Critical,
			Detail:   fmt.Sprintf("concurrent run failed: %v", err),
		})
	}
	res := PhaseResult{
		Name: "stress",
		Notes: []string{
			fmt.Sprintf("%d sessions, %d frames each, completed in %v", v.cfg.StressSessions, v.cfg.StressFrames, elapsed),
		},
	}
	return res, vs, nil
}

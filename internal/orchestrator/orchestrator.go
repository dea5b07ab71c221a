// Package orchestrator owns the session registry and wires each session's
// pipeline: turn manager and framer on the inbound side, a pooled speech
// connection upstream, and the client transport downstream.
//
// The registry is exclusively owned by the Orchestrator; sessions are
// mutated only through StartSession, StopSession, the routing methods, and
// the TTL sweep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitespeak/voicecore/internal/observe"
	"github.com/sitespeak/voicecore/internal/pool"
	"github.com/sitespeak/voicecore/internal/turn"
	"github.com/sitespeak/voicecore/pkg/audio"
	"github.com/sitespeak/voicecore/pkg/audio/opusframer"
	"github.com/sitespeak/voicecore/pkg/clock"
	"github.com/sitespeak/voicecore/pkg/stats"
	"github.com/sitespeak/voicecore/pkg/transport"
	"github.com/sitespeak/voicecore/pkg/vad"
)

// ErrCapacity is the match target for *CapacityError.
var ErrCapacity = errors.New("orchestrator: at capacity")

// ErrClosed is returned by operations on a closed orchestrator.
var ErrClosed = errors.New("orchestrator: closed")

// CapacityError reports a session rejected at the session limit.
type CapacityError struct {
	Tenant string
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("orchestrator: session limit %d reached (tenant %s)", e.Limit, e.Tenant)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// Config holds the orchestrator limits and the per-session pipeline
// templates.
type Config struct {
	// MaxSessions caps concurrent sessions. Default: 100.
	MaxSessions int

	// SessionTTL expires sessions with no activity. Default: 30m.
	SessionTTL time.Duration

	// SweepInterval is the cadence of the expiry sweep. Default: 1m.
	SweepInterval time.Duration

	// SendTimeout bounds one transport delivery. Default: 5s.
	SendTimeout time.Duration

	// Turn is the per-session turn-taking template.
	Turn turn.Config

	// Framer is the per-session codec template.
	Framer opusframer.Config
}

func (c *Config) validate() error {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	return nil
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects the clock driving session TTLs and latency
// measurement. Tests use a mock.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clk = c }
}

// WithFramerOptions appends options applied to every session framer, such
// as an injected codec for tests and the performance harness.
func WithFramerOptions(opts ...opusframer.Option) Option {
	return func(o *Orchestrator) { o.framerOpts = opts }
}

// StartRequest carries the identity, transport, and optional per-session
// settings for one new session.
type StartRequest struct {
	Tenant    string
	Site      string
	User      string
	Transport transport.Transport

	// Settings overrides the server's audio and turn-taking templates for
	// this session. Nil keeps the defaults.
	Settings *SessionSettings
}

// SessionSettings is the per-session subset of the pipeline configuration
// a caller may override. Zero-valued fields keep the server defaults; a
// nil DuckOnBargeIn keeps the default ducking behaviour.
type SessionSettings struct {
	SampleRate      int
	FrameDurationMs int
	Channels        int
	VADThreshold    float64
	Hang            time.Duration
	DuckOnBargeIn   *bool
}

// sessionConfigs resolves the framer and turn configs for one session by
// layering the request's overrides onto the server templates. Validation
// happens in the component constructors.
func (o *Orchestrator) sessionConfigs(st *SessionSettings) (opusframer.Config, turn.Config) {
	fcfg, tcfg := o.cfg.Framer, o.cfg.Turn
	if st == nil {
		return fcfg, tcfg
	}
	if st.SampleRate > 0 {
		fcfg.SampleRate = st.SampleRate
		tcfg.VAD.SampleRate = st.SampleRate
	}
	if st.FrameDurationMs > 0 {
		fcfg.FrameDurationMs = st.FrameDurationMs
		tcfg.VAD.FrameSizeMs = st.FrameDurationMs
	}
	if st.Channels > 0 {
		fcfg.Channels = st.Channels
	}
	if st.VADThreshold > 0 {
		tcfg.VAD.ActivateThreshold = st.VADThreshold
		if tcfg.VAD.DeactivateThreshold > st.VADThreshold {
			tcfg.VAD.DeactivateThreshold = st.VADThreshold
		}
	}
	if st.Hang > 0 {
		tcfg.Hang = st.Hang
	}
	if st.DuckOnBargeIn != nil {
		tcfg.DuckOnBargeIn = *st.DuckOnBargeIn
	}
	return fcfg, tcfg
}

// Orchestrator is the session registry and pipeline factory. Safe for
// concurrent use.
type Orchestrator struct {
	cfg     Config
	pool    *pool.Pool
	engine  vad.Engine
	metrics *observe.Metrics
	clk     clock.Clock

	framerOpts []opusframer.Option

	mu       sync.Mutex
	sessions map[string]*session
	seq      uint64
	closed   bool

	sweepTimer clock.Timer
}

// New creates an Orchestrator and starts its expiry sweep.
func New(cfg Config, p *pool.Pool, engine vad.Engine, metrics *observe.Metrics, opts ...Option) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	o := &Orchestrator{
		cfg:      cfg,
		pool:     p,
		engine:   engine,
		metrics:  metrics,
		clk:      clock.New(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sweepTimer = o.clk.AfterFunc(o.cfg.SweepInterval, o.sweep)
	return o, nil
}

// StartSession creates, wires, and publishes one session, returning its
// ID. At MaxSessions it rejects with *CapacityError; any wiring failure
// rolls back fully.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (string, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	if len(o.sessions) >= o.cfg.MaxSessions {
		o.mu.Unlock()
		o.metrics.RecordError(ctx, "orchestrator", "capacity")
		return "", &CapacityError{Tenant: req.Tenant, Limit: o.cfg.MaxSessions}
	}
	o.seq++
	id := fmt.Sprintf("sess-%d", o.seq)
	now := o.clk.Now()
	s := &session{
		id:         id,
		tenant:     req.Tenant,
		site:       req.Site,
		user:       req.User,
		transport:  req.Transport,
		settings:   req.Settings,
		state:      SessionInitializing,
		created:    now,
		lastActive: now,
		firstToken: stats.NewLatencyWindow(64, firstTokenBudget),
		done:       make(chan struct{}),
	}
	// Publish under Initializing so the slot counts against capacity
	// while wiring proceeds outside the lock.
	o.sessions[id] = s
	o.mu.Unlock()

	if err := o.buildPipeline(ctx, s); err != nil {
		o.mu.Lock()
		delete(o.sessions, id)
		o.mu.Unlock()
		return "", err
	}

	s.setState(SessionReady)
	o.metrics.ActiveSessions.Add(ctx, 1)
	o.send(s, transport.Message{Type: transport.MessageSessionReady, SessionID: id})
	slog.Info("session started", "session", id, "tenant", req.Tenant, "site", req.Site)
	return id, nil
}

// buildPipeline constructs the framer, turn manager, and pooled connection
// for one session. On error everything already built is released.
func (o *Orchestrator) buildPipeline(ctx context.Context, s *session) error {
	fcfg, tcfg := o.sessionConfigs(s.settings)
	fopts := append([]opusframer.Option{opusframer.WithClock(o.clk)}, o.framerOpts...)
	framer, err := opusframer.New(fcfg, fopts...)
	if err != nil {
		return fmt.Errorf("orchestrator: session %s framer: %w", s.id, err)
	}
	if err := framer.Initialize(); err != nil {
		return fmt.Errorf("orchestrator: session %s codec init: %w", s.id, err)
	}
	s.framerCfg = framer.Config()

	mgr, err := turn.New(tcfg, o.engine, framer, turn.WithClock(o.clk))
	if err != nil {
		return fmt.Errorf("orchestrator: session %s turn manager: %w", s.id, err)
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: session %s: %w", s.id, err)
	}
	s.mgr = mgr
	s.conv = &audio.FormatConverter{Target: audio.Format{
		SampleRate: s.framerCfg.SampleRate,
		Channels:   s.framerCfg.Channels,
	}}

	acquireStart := o.clk.Now()
	conn, err := o.pool.Acquire(ctx, s.tenant, s.id)
	if err != nil {
		mgr.Stop()
		o.metrics.RecordError(ctx, "pool", "acquire")
		return fmt.Errorf("orchestrator: session %s: %w", s.id, err)
	}
	o.metrics.PoolAcquireDuration.Record(ctx, o.clk.Since(acquireStart).Seconds())
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	o.wire(s)
	return nil
}

// RouteInboundAudio forwards one PCM frame into a session's pipeline and
// ships the resulting encoded frames upstream. Frames are converted to the
// session's configured format before VAD. Absent or non-ready sessions log
// a warning and drop the frame.
func (o *Orchestrator) RouteInboundAudio(sessionID string, frame audio.PCMFrame) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		slog.Warn("audio for unknown session dropped", "session", sessionID)
		return
	}
	if !s.acceptingAudio() {
		slog.Warn("audio for non-ready session dropped",
			"session", sessionID, "state", s.getState())
		return
	}

	s.mu.Lock()
	if s.state == SessionReady {
		s.state = SessionListening
	}
	s.lastActive = o.clk.Now()
	s.mu.Unlock()

	frame = s.conv.Convert(frame)
	if frame.Data == nil {
		o.metrics.RecordFrameDrop(context.Background(), "corrupt")
		return
	}

	start := o.clk.Now()
	frames, err := s.mgr.ProcessFrame(frame)
	o.metrics.VADDecisionDuration.Record(context.Background(), o.clk.Since(start).Seconds())
	if err != nil {
		// Codec failure with fallback disabled kills the session; every
		// other frame error is a drop.
		var codecErr *opusframer.CodecError
		if errors.As(err, &codecErr) {
			o.metrics.RecordError(context.Background(), "codec", "encode")
			o.failSession(s, fmt.Errorf("orchestrator: encode for session %s: %w", s.id, err))
			return
		}
		o.metrics.RecordFrameDrop(context.Background(), "format")
		return
	}

	// Frames held back by a previous send failure go out first so audio
	// stays in order.
	s.mu.Lock()
	outgoing := append(s.sendPending, frames...)
	s.sendPending = nil
	s.mu.Unlock()
	if len(outgoing) == 0 {
		return
	}

	sc := s.speech()
	for i, ef := range outgoing {
		if d := ef.Encoded.Sub(start); d > 0 {
			o.metrics.EncodeDuration.Record(context.Background(), d.Seconds())
		}
		if err := sc.SendAudio(ef.Payload); err != nil {
			o.handleSendFailure(s, outgoing[i:], err)
			return
		}
		s.mgr.ReportDelivery(true)
	}
	s.mu.Lock()
	s.sendFails = 0
	s.mu.Unlock()
}

// handleSendFailure applies the delivery policy for upstream audio: the
// first failure holds the unsent frames for one retry at the next frame
// boundary; a second consecutive failure drops them, counts the drops, and
// swaps the pooled connection for a fresh one. Only a failed swap ends the
// session.
func (o *Orchestrator) handleSendFailure(s *session, unsent []audio.EncodedFrame, err error) {
	ctx := context.Background()
	o.metrics.RecordError(ctx, "speech", "send")

	s.mu.Lock()
	s.sendFails++
	first := s.sendFails == 1
	if first {
		s.sendPending = append([]audio.EncodedFrame(nil), unsent...)
	}
	s.mu.Unlock()

	if first {
		slog.Warn("audio send failed, holding frames for retry",
			"session", s.id, "frames", len(unsent), "error", err)
		return
	}

	for range unsent {
		o.metrics.RecordFrameDrop(ctx, "send")
		s.mgr.ReportDelivery(false)
	}
	slog.Warn("audio send failed twice, dropping frames and replacing connection",
		"session", s.id, "frames", len(unsent), "error", err)

	if rerr := o.replaceConn(s); rerr != nil {
		o.failSession(s, rerr)
		return
	}
	s.mu.Lock()
	s.sendFails = 0
	s.mu.Unlock()
}

// replaceConn evicts a session's broken pooled connection and acquires a
// fresh one, starting a new event pump bound to it.
func (o *Orchestrator) replaceConn(s *session) error {
	s.mu.Lock()
	old := s.conn
	s.mu.Unlock()
	o.pool.Remove(old)

	conn, err := o.pool.Acquire(context.Background(), s.tenant, s.id)
	if err != nil {
		o.metrics.RecordError(context.Background(), "pool", "acquire")
		return fmt.Errorf("orchestrator: replace connection for session %s: %w", s.id, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go o.pumpSpeechEvents(s)
	slog.Info("speech connection replaced", "session", s.id, "conn", conn.ID())
	return nil
}

// StopSession tears a session down and removes it from the registry.
// Idempotent: stopping an unknown or already-stopped session is a no-op.
// Teardown failures are logged, never returned, and never leave the entry
// registered.
func (o *Orchestrator) StopSession(sessionID string) error {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	alreadyEnded := s.state == SessionEnded
	s.state = SessionEnded
	conn := s.conn
	s.mu.Unlock()
	if alreadyEnded {
		return nil
	}
	close(s.done)

	for _, unsub := range s.unsubs {
		unsub()
	}
	if s.mgr != nil {
		if err := s.mgr.Stop(); err != nil {
			slog.Warn("turn manager stop failed", "session", s.id, "error", err)
		}
	}
	if conn != nil {
		o.pool.Release(conn)
	}
	o.send(s, transport.Message{Type: transport.MessageSessionEnded, SessionID: s.id})
	if err := s.transport.Disconnect(context.Background(), "session ended"); err != nil {
		slog.Warn("transport disconnect failed", "session", s.id, "error", err)
	}

	o.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session stopped", "session", s.id, "tenant", s.tenant)
	return nil
}

// failSession marks a session failed, notifies the client, and tears it
// down. Errors always force a stop.
func (o *Orchestrator) failSession(s *session, err error) {
	s.mu.Lock()
	if s.state == SessionEnded || s.state == SessionError {
		s.mu.Unlock()
		return
	}
	s.state = SessionError
	s.mu.Unlock()

	slog.Error("session failed", "session", s.id, "tenant", s.tenant, "error", err)
	o.metrics.RecordError(context.Background(), "session", "fatal")
	o.send(s, transport.Message{
		Type:      transport.MessageError,
		SessionID: s.id,
		Code:      "session_failed",
		Reason:    "The voice session hit an unrecoverable problem. Please reconnect.",
		Retryable: true,
	})
	if serr := o.StopSession(s.id); serr != nil {
		slog.Warn("teardown after failure", "session", s.id, "error", serr)
	}
}

// sweep expires idle and failed sessions.
func (o *Orchestrator) sweep() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	now := o.clk.Now()
	var victims []string
	for id, s := range o.sessions {
		s.mu.Lock()
		expired := now.Sub(s.lastActive) >= o.cfg.SessionTTL || s.state == SessionError
		s.mu.Unlock()
		if expired {
			victims = append(victims, id)
		}
	}
	o.sweepTimer.Reset(o.cfg.SweepInterval)
	o.mu.Unlock()

	for _, id := range victims {
		slog.Info("sweeping expired session", "session", id)
		if err := o.StopSession(id); err != nil {
			slog.Warn("sweep stop failed", "session", id, "error", err)
		}
	}
}

// SessionCount returns the number of registered sessions.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// DegradedSessionCount returns how many live sessions are running on the
// degraded codec fallback instead of Opus.
func (o *Orchestrator) DegradedSessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.sessions {
		if s.mgr != nil && s.mgr.Degraded() {
			n++
		}
	}
	return n
}

// SessionState returns the state of one session. The second return is
// false for unknown IDs.
func (o *Orchestrator) SessionState(sessionID string) (SessionState, bool) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return SessionEnded, false
	}
	return s.getState(), true
}

// Stats returns a session's rolling latency aggregates. The second return
// is false for unknown IDs.
func (o *Orchestrator) Stats(sessionID string) (SessionStats, bool) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return SessionStats{}, false
	}
	return SessionStats{
		State:      s.getState(),
		Turns:      s.mgr.TurnCount(),
		VAD:        s.mgr.VADLatency(),
		BargeIn:    s.mgr.BargeInLatency(),
		FirstToken: s.firstToken.Snapshot(),
	}, true
}

// PushText routes a typed user turn into a session, bypassing audio.
func (o *Orchestrator) PushText(sessionID, text string) error {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: unknown session %s", sessionID)
	}
	return s.mgr.PushText(text)
}

// Close stops the sweep and tears down every session.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.sweepTimer.Stop()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.StopSession(id); err != nil {
			slog.Warn("close: stop session", "session", id, "error", err)
		}
	}
	return nil
}

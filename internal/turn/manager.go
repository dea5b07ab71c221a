// Package turn implements the per-session voice turn state machine: VAD
// gating, silence-hang turn finalisation, and barge-in.
//
// The Manager sits on the single hottest path in the system. ProcessFrame
// runs synchronously inside the audio-callback context and is bound by the
// 20ms VAD-decision budget; the barge-in branch additionally by the 50ms
// reaction budget. That branch performs no allocation and no I/O — the
// "stop playback" signal is a non-blocking send on a pre-allocated channel
// that a background drainer turns into the actual network interrupt.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitespeak/voicecore/pkg/audio"
	"github.com/sitespeak/voicecore/pkg/audio/opusframer"
	"github.com/sitespeak/voicecore/pkg/clock"
	"github.com/sitespeak/voicecore/pkg/stats"
	"github.com/sitespeak/voicecore/pkg/vad"
)

// State is the manager's position in the turn lifecycle.
type State int

const (
	// StateIdle is the initial state and the resting state between turns.
	StateIdle State = iota

	// StateMicOpen means the audio source is acquired but no frame has
	// been processed yet.
	StateMicOpen

	// StateListening means frames are flowing and no user speech is
	// currently detected.
	StateListening

	// StateSpeaking means the user is speaking (or inside the silence
	// hang window after speaking).
	StateSpeaking

	// StateFinalizing is the transient state while the final-turn event
	// for the elapsed turn is emitted.
	StateFinalizing

	// StateError is entered on a session-fatal failure. Terminal except
	// for Stop.
	StateError

	// StateClosed is the terminal state after Stop.
	StateClosed
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMicOpen:
		return "mic-open"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateFinalizing:
		return "finalizing"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AudioAcquisitionError reports a failure to acquire the audio source.
// Session-fatal: the owning session must be torn down.
type AudioAcquisitionError struct {
	Err error
}

func (e *AudioAcquisitionError) Error() string {
	return fmt.Sprintf("turn: audio source acquisition failed: %v", e.Err)
}
func (e *AudioAcquisitionError) Unwrap() error { return e.Err }

// ErrClosed is returned by operations on a stopped manager.
var ErrClosed = fmt.Errorf("turn: manager is closed")

// Source is the audio-acquisition collaborator. For server deployments the
// microphone lives in the client and frames arrive over the transport, so
// the default source is a no-op; native deployments plug in a device here.
type Source interface {
	Open(ctx context.Context) error
	Close() error
}

// NopSource is a Source for transport-fed sessions.
type NopSource struct{}

func (NopSource) Open(context.Context) error { return nil }
func (NopSource) Close() error               { return nil }

// Config holds the turn-taking parameters for one session.
type Config struct {
	// VAD configures the per-frame detector, including hysteresis.
	VAD vad.Config

	// Hang is the continuous-silence duration after speech that closes a
	// turn.
	Hang time.Duration

	// DuckOnBargeIn enables interrupting playback when the user speaks
	// over it.
	DuckOnBargeIn bool
}

// validate fills defaults and rejects incoherent values.
func (c *Config) validate() error {
	if c.Hang <= 0 {
		c.Hang = 800 * time.Millisecond
	}
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the clock driving the hang timer and latency
// measurement. Tests use a mock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clk = c }
}

// WithSource replaces the no-op audio source.
func WithSource(s Source) Option {
	return func(m *Manager) { m.source = s }
}

// Manager is the per-session turn state machine. One Manager per session;
// ProcessFrame is driven from a single goroutine, the remaining methods are
// safe to call concurrently with it.
type Manager struct {
	cfg    Config
	clk    clock.Clock
	source Source
	framer *opusframer.Framer
	engine vad.Engine

	mu         sync.Mutex
	state      State
	vadSess    vad.Session
	ttsPlaying bool
	bargeSent  bool // one barge-in per playback
	turnSeq    uint64
	hangTimer  clock.Timer
	hangArmed  bool
	dispatch   *dispatcher

	// bargeCh carries the fire-and-forget stop-playback signal together
	// with the measured reaction latency. Buffered; the hot path never
	// blocks on it.
	bargeCh chan time.Duration

	vadLat   *stats.LatencyWindow
	bargeLat *stats.LatencyWindow
}

// Budgets for the hot path. Any sample above these counts as a violation
// in the rolling windows.
const (
	vadBudget     = 20 * time.Millisecond
	bargeInBudget = 50 * time.Millisecond
)

// New creates a Manager in StateIdle.
func New(cfg Config, engine vad.Engine, framer *opusframer.Framer, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		clk:      clock.New(),
		source:   NopSource{},
		framer:   framer,
		engine:   engine,
		dispatch: newDispatcher(),
		bargeCh:  make(chan time.Duration, 1),
		vadLat:   stats.NewLatencyWindow(256, vadBudget),
		bargeLat: stats.NewLatencyWindow(64, bargeInBudget),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start acquires the audio source and the VAD session and transitions
// Idle → MicOpen → Listening. Source failure is session-fatal and surfaces
// as *AudioAcquisitionError.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosed, StateError:
		return ErrClosed
	case StateIdle:
	default:
		return fmt.Errorf("turn: start from state %s", m.state)
	}

	if err := m.source.Open(ctx); err != nil {
		m.state = StateError
		aerr := &AudioAcquisitionError{Err: err}
		m.dispatch.dispatch(Event{Type: EventFailure, Err: aerr, At: m.clk.Now()})
		return aerr
	}
	m.state = StateMicOpen

	sess, err := m.engine.NewSession(m.cfg.VAD)
	if err != nil {
		m.state = StateError
		_ = m.source.Close()
		aerr := &AudioAcquisitionError{Err: err}
		m.dispatch.dispatch(Event{Type: EventFailure, Err: aerr, At: m.clk.Now()})
		return aerr
	}
	m.vadSess = sess
	m.state = StateListening
	return nil
}

// ProcessFrame runs the VAD decision, the turn state machine, and the
// framer on one PCM chunk. It returns the encoded frames that became
// complete. Frame-level errors (format mismatch, codec failure with
// fallback disabled) are non-fatal: the frame is retried once at the next
// boundary, then dropped and counted.
func (m *Manager) ProcessFrame(frame audio.PCMFrame) ([]audio.EncodedFrame, error) {
	start := m.clk.Now()

	m.mu.Lock()
	switch m.state {
	case StateListening, StateSpeaking:
	case StateIdle:
		// Re-arm after a finalised turn: mic is still open.
		if m.vadSess == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("turn: process frame in state %s", StateIdle)
		}
		m.state = StateListening
	default:
		st := m.state
		m.mu.Unlock()
		return nil, fmt.Errorf("turn: process frame in state %s", st)
	}

	evt, verr := m.vadSess.ProcessFrame(frame.Data)
	if verr == nil {
		m.applyVAD(evt, start)
	}
	m.vadLat.Record(m.clk.Since(start))
	m.mu.Unlock()

	if verr != nil {
		// Wrong-size or corrupt frame: dropped and counted, not fatal.
		return nil, verr
	}

	return m.ingest(frame)
}

// applyVAD advances the state machine for one detection result. Must be
// called with m.mu held. The barge-in branch allocates nothing and awaits
// nothing.
func (m *Manager) applyVAD(evt vad.Event, start time.Time) {
	switch evt.Type {
	case vad.SpeechStart:
		m.cancelHangLocked()
		if m.state == StateListening {
			m.state = StateSpeaking
		}
		if m.ttsPlaying && m.cfg.DuckOnBargeIn && !m.bargeSent {
			m.bargeSent = true
			now := m.clk.Now()
			reaction := now.Sub(start)
			select {
			case m.bargeCh <- reaction:
			default:
			}
			m.bargeLat.Record(reaction)
			m.dispatch.dispatch(Event{Type: EventBargeIn, Turn: m.turnSeq + 1, At: now})
		}
		m.dispatch.dispatch(Event{Type: EventSpeechActive, Turn: m.turnSeq + 1, At: m.clk.Now()})

	case vad.SpeechContinue:
		// Ongoing speech; the hang timer can only be armed after a
		// SpeechEnd, so there is nothing to cancel here.

	case vad.SpeechEnd:
		if m.state == StateSpeaking {
			m.armHangLocked()
		}
		m.dispatch.dispatch(Event{Type: EventSpeechInactive, Turn: m.turnSeq + 1, At: m.clk.Now()})

	case vad.Silence:
		// Nothing to do; hang timer (if armed) keeps counting.
	}
}

// armHangLocked starts (or restarts) the silence hang timer.
func (m *Manager) armHangLocked() {
	if m.hangArmed {
		m.hangTimer.Reset(m.cfg.Hang)
		return
	}
	m.hangArmed = true
	if m.hangTimer == nil {
		m.hangTimer = m.clk.AfterFunc(m.cfg.Hang, m.onSilenceTimeout)
		return
	}
	m.hangTimer.Reset(m.cfg.Hang)
}

// cancelHangLocked stops the hang timer if armed.
func (m *Manager) cancelHangLocked() {
	if m.hangArmed {
		m.hangTimer.Stop()
		m.hangArmed = false
	}
}

// onSilenceTimeout fires once the hang window elapses: Speaking →
// Finalizing, exactly one final-turn event, then back to Idle.
func (m *Manager) onSilenceTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hangArmed || m.state != StateSpeaking {
		return
	}
	m.hangArmed = false
	m.finalizeTurnLocked("", false)
}

// finalizeTurnLocked emits the single final-turn event for the current
// turn. Must be called with m.mu held.
func (m *Manager) finalizeTurnLocked(text string, synthetic bool) {
	m.state = StateFinalizing
	m.turnSeq++
	m.dispatch.dispatch(Event{
		Type:      EventTurnFinal,
		Turn:      m.turnSeq,
		Text:      text,
		Synthetic: synthetic,
		At:        m.clk.Now(),
	})
	m.state = StateIdle
	if m.vadSess != nil {
		m.vadSess.Reset()
	}
}

// ingest pushes the frame through the framer. The framer owns the
// retry-once-then-drop policy for encode failures; a returned error here is
// frame-level and never halts the session.
func (m *Manager) ingest(frame audio.PCMFrame) ([]audio.EncodedFrame, error) {
	out, err := m.framer.Ingest(frame)
	if err != nil {
		var formatErr *opusframer.FormatError
		if errors.As(err, &formatErr) {
			slog.Warn("mismatched audio frame dropped",
				"got", formatErr.Got, "want", formatErr.Want)
		}
		return out, err
	}
	return out, nil
}

// PushText bypasses audio and finalises a synthetic turn immediately.
func (m *Manager) PushText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosed, StateError:
		return ErrClosed
	}
	m.cancelHangLocked()
	m.finalizeTurnLocked(text, true)
	return nil
}

// SetTTSPlaying records whether synthesised playback is active. Re-arming
// playback re-enables the (single) barge-in signal for the new response.
func (m *Manager) SetTTSPlaying(playing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttsPlaying = playing
	if playing {
		m.bargeSent = false
	}
}

// BargeIn returns the stop-playback signal channel. Each signal carries
// the reaction latency from frame arrival to barge-in detection. The
// orchestrator drains it and forwards the interrupt to the speech
// connection off the hot path.
func (m *Manager) BargeIn() <-chan time.Duration { return m.bargeCh }

// Subscribe registers a handler for one event type and returns an
// unsubscribe func. Handlers run synchronously on the emitting goroutine
// and must not call back into the Manager.
func (m *Manager) Subscribe(typ EventType, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	unsub := m.dispatch.subscribe(typ, h)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		unsub()
	}
}

// Stop releases all resources. Idempotent and callable from any state,
// including concurrently with in-flight frame processing.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return nil
	}
	m.cancelHangLocked()
	if m.vadSess != nil {
		_ = m.vadSess.Close()
		m.vadSess = nil
	}
	err := m.source.Close()
	m.state = StateClosed
	return err
}

// Fail records a session-fatal error and moves the manager to StateError.
func (m *Manager) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed || m.state == StateError {
		return
	}
	m.cancelHangLocked()
	m.state = StateError
	m.dispatch.dispatch(Event{Type: EventFailure, Err: err, At: m.clk.Now()})
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TurnCount returns how many turns have been finalised.
func (m *Manager) TurnCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnSeq
}

// Degraded reports whether the codec fell back to the degraded encoding.
func (m *Manager) Degraded() bool { return m.framer.Degraded() }

// ReportDelivery forwards transport delivery feedback into the framer's
// redundancy decision.
func (m *Manager) ReportDelivery(delivered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framer.ReportDelivery(delivered)
}

// VADLatency returns the rolling VAD-decision latency aggregate.
func (m *Manager) VADLatency() stats.Snapshot { return m.vadLat.Snapshot() }

// BargeInLatency returns the rolling barge-in reaction aggregate.
func (m *Manager) BargeInLatency() stats.Snapshot { return m.bargeLat.Snapshot() }

// Package vad provides frame-level Voice Activity Detection for the voice
// pipeline.
//
// A VAD engine wraps a speech/non-speech classifier and surfaces it as a
// stateful, per-stream session. Each session maintains its own hysteresis
// state (consecutive-frame counters) so that multiple concurrent audio
// streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result and must not allocate or block, making it suitable for
// the hottest pipeline stage — the per-frame turn decision is bounded by a
// 20ms budget and the barge-in reaction it gates by 50ms.
//
// Engines must be safe for concurrent use across sessions. A single Session
// must not be shared across goroutines unless the implementation documents
// otherwise.
package vad

import (
	"errors"
	"fmt"
	"math"
)

// ErrClosed is returned by ProcessFrame after a session has been closed.
var ErrClosed = errors.New("vad: session is closed")

// EventType enumerates VAD detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended.
	SpeechEnd

	// Silence indicates no speech detected.
	Silence
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech-start"
	case SpeechContinue:
		return "speech-continue"
	case SpeechEnd:
		return "speech-end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// Event is the detection result for a single audio frame.
type Event struct {
	// Type is the detection result after hysteresis.
	Type EventType

	// Probability is the raw speech probability score (0.0–1.0) for this
	// frame, before hysteresis smoothing.
	Probability float64
}

// Active reports whether the event represents speech activity.
func (e Event) Active() bool {
	return e.Type == SpeechStart || e.Type == SpeechContinue
}

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of
	// the PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match.
	FrameSizeMs int

	// ActivateThreshold is the probability at or above which frames count
	// towards speech activation. Range (0.0, 1.0]. Typical: 0.5.
	ActivateThreshold float64

	// DeactivateThreshold is the probability below which frames count
	// towards deactivation. Must be ≤ ActivateThreshold; the gap between
	// the two prevents flapping around a single threshold. Typical: 0.35.
	DeactivateThreshold float64

	// ActivationFrames is how many consecutive frames must score at or
	// above ActivateThreshold before SpeechStart is emitted. Default: 2.
	ActivationFrames int

	// DeactivationFrames is how many consecutive frames must score below
	// DeactivateThreshold before SpeechEnd is emitted. Default: 3.
	DeactivationFrames int
}

// validate normalises defaults and rejects incoherent configs.
func (c *Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("vad: sample rate %d is invalid", c.SampleRate)
	}
	if c.FrameSizeMs <= 0 {
		return fmt.Errorf("vad: frame size %dms is invalid", c.FrameSizeMs)
	}
	if c.ActivateThreshold <= 0 || c.ActivateThreshold > 1 {
		return fmt.Errorf("vad: activate threshold %.2f is out of range (0, 1]", c.ActivateThreshold)
	}
	if c.DeactivateThreshold < 0 || c.DeactivateThreshold > c.ActivateThreshold {
		return fmt.Errorf("vad: deactivate threshold %.2f must be in [0, %.2f]", c.DeactivateThreshold, c.ActivateThreshold)
	}
	if c.ActivationFrames <= 0 {
		c.ActivationFrames = 2
	}
	if c.DeactivationFrames <= 0 {
		c.DeactivationFrames = 3
	}
	return nil
}

// Session is an active VAD session for a single audio stream. Reset clears
// accumulated state without closing the session; use it when the stream is
// interrupted so stale hysteresis counters do not bleed into the next
// segment.
type Session interface {
	// ProcessFrame analyses one frame of raw little-endian PCM at the
	// configured SampleRate and FrameSizeMs. It is called synchronously
	// from the audio loop and must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears all hysteresis state.
	Reset()

	// Close releases session resources. Closing twice is safe.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent NewSession calls.
type Engine interface {
	NewSession(cfg Config) (Session, error)
}

// ── Energy engine ──────────────────────────────────────────────────────────

// EnergyEngine is a dependency-free VAD backend that scores frames by
// normalised RMS energy. It is the default production detector for
// microphone-distance speech and the reference implementation for tests.
type EnergyEngine struct{}

// NewEnergyEngine creates the RMS-energy VAD engine.
func NewEnergyEngine() *EnergyEngine { return &EnergyEngine{} }

// NewSession implements [Engine].
func (e *EnergyEngine) NewSession(cfg Config) (Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &energySession{
		cfg:      cfg,
		frameLen: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
	}, nil
}

// energySession holds per-stream hysteresis state. Not goroutine-safe; the
// turn manager owns exactly one and drives it from the frame callback.
type energySession struct {
	cfg      Config
	frameLen int

	active         bool
	activeStreak   int
	inactiveStreak int
	closed         bool
}

// ProcessFrame implements [Session]. The hysteresis rule: crossing into
// activity requires ActivationFrames consecutive frames at or above
// ActivateThreshold; crossing out requires DeactivationFrames consecutive
// frames below DeactivateThreshold. Frames scoring between the two
// thresholds extend the current state without advancing either counter.
func (s *energySession) ProcessFrame(frame []byte) (Event, error) {
	if s.closed {
		return Event{}, ErrClosed
	}
	if len(frame) != s.frameLen {
		return Event{}, fmt.Errorf("vad: frame is %d bytes, want %d", len(frame), s.frameLen)
	}

	p := rmsProbability(frame)

	if s.active {
		if p < s.cfg.DeactivateThreshold {
			s.inactiveStreak++
			if s.inactiveStreak >= s.cfg.DeactivationFrames {
				s.active = false
				s.inactiveStreak = 0
				s.activeStreak = 0
				return Event{Type: SpeechEnd, Probability: p}, nil
			}
		} else {
			s.inactiveStreak = 0
		}
		return Event{Type: SpeechContinue, Probability: p}, nil
	}

	if p >= s.cfg.ActivateThreshold {
		s.activeStreak++
		if s.activeStreak >= s.cfg.ActivationFrames {
			s.active = true
			s.activeStreak = 0
			s.inactiveStreak = 0
			return Event{Type: SpeechStart, Probability: p}, nil
		}
	} else {
		s.activeStreak = 0
	}
	return Event{Type: Silence, Probability: p}, nil
}

// Reset implements [Session].
func (s *energySession) Reset() {
	s.active = false
	s.activeStreak = 0
	s.inactiveStreak = 0
}

// Close implements [Session].
func (s *energySession) Close() error {
	s.closed = true
	return nil
}

// rmsProbability maps the RMS amplitude of little-endian int16 PCM onto
// [0, 1]. The mapping is linear in dBFS over the -60..0 range, which puts
// conversational speech at a typical mic distance around 0.5–0.8 and room
// noise under 0.3.
func rmsProbability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768.0
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db + 60) / 60
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

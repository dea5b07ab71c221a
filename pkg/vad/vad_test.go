package vad_test

import (
	"math"
	"testing"

	"github.com/sitespeak/voicecore/pkg/audio"
	"github.com/sitespeak/voicecore/pkg/vad"
)

// testConfig is a 16kHz/20ms session with a 2-frame activation streak and
// 3-frame deactivation streak.
func testConfig() vad.Config {
	return vad.Config{
		SampleRate:          16000,
		FrameSizeMs:         20,
		ActivateThreshold:   0.5,
		DeactivateThreshold: 0.35,
		ActivationFrames:    2,
		DeactivationFrames:  3,
	}
}

// frame synthesises one 20ms 16kHz mono frame: a sine wave at the given
// amplitude (0..32767). Zero amplitude produces digital silence.
func frame(amplitude float64) []byte {
	const samples = 320 // 16000 * 20 / 1000
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(amplitude * math.Sin(2*math.Pi*float64(i)*440/16000))
	}
	return audio.Int16ToBytes(pcm)
}

var (
	loud  = frame(20000) // conversational speech level
	quiet = frame(0)     // digital silence
)

func newSession(t *testing.T, cfg vad.Config) vad.Session {
	t.Helper()
	s, err := vad.NewEnergyEngine().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func process(t *testing.T, s vad.Session, f []byte) vad.Event {
	t.Helper()
	evt, err := s.ProcessFrame(f)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return evt
}

func TestNewSession_ValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*vad.Config)
	}{
		{"zero sample rate", func(c *vad.Config) { c.SampleRate = 0 }},
		{"zero frame size", func(c *vad.Config) { c.FrameSizeMs = 0 }},
		{"activate threshold above 1", func(c *vad.Config) { c.ActivateThreshold = 1.5 }},
		{"deactivate above activate", func(c *vad.Config) { c.DeactivateThreshold = 0.9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := vad.NewEnergyEngine().NewSession(cfg); err == nil {
				t.Fatalf("want config error, got nil")
			}
		})
	}
}

func TestProcessFrame_RejectsWrongFrameSize(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	if _, err := s.ProcessFrame(make([]byte, 100)); err == nil {
		t.Fatalf("want frame size error, got nil")
	}
}

func TestProcessFrame_ActivationRequiresConsecutiveFrames(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())

	// First loud frame: streak of 1, still silence.
	if evt := process(t, s, loud); evt.Type != vad.Silence {
		t.Fatalf("frame 1: %v, want silence", evt.Type)
	}
	// Second consecutive loud frame crosses the activation streak.
	if evt := process(t, s, loud); evt.Type != vad.SpeechStart {
		t.Fatalf("frame 2: %v, want speech-start", evt.Type)
	}
	if evt := process(t, s, loud); evt.Type != vad.SpeechContinue {
		t.Fatalf("frame 3: %v, want speech-continue", evt.Type)
	}
}

func TestProcessFrame_SilentFrameResetsActivationStreak(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())

	process(t, s, loud)
	process(t, s, quiet) // breaks the streak
	if evt := process(t, s, loud); evt.Type != vad.Silence {
		t.Fatalf("streak should restart after a quiet frame, got %v", evt.Type)
	}
	if evt := process(t, s, loud); evt.Type != vad.SpeechStart {
		t.Fatalf("want speech-start after rebuilt streak, got %v", evt.Type)
	}
}

func TestProcessFrame_DeactivationHysteresis(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	process(t, s, loud)
	process(t, s, loud) // active now

	// Two quiet frames are not enough (DeactivationFrames = 3).
	if evt := process(t, s, quiet); evt.Type != vad.SpeechContinue {
		t.Fatalf("quiet frame 1: %v, want speech-continue", evt.Type)
	}
	if evt := process(t, s, quiet); evt.Type != vad.SpeechContinue {
		t.Fatalf("quiet frame 2: %v, want speech-continue", evt.Type)
	}
	if evt := process(t, s, quiet); evt.Type != vad.SpeechEnd {
		t.Fatalf("quiet frame 3: %v, want speech-end", evt.Type)
	}
	if evt := process(t, s, quiet); evt.Type != vad.Silence {
		t.Fatalf("after end: %v, want silence", evt.Type)
	}
}

func TestProcessFrame_LoudFrameResetsDeactivationStreak(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	process(t, s, loud)
	process(t, s, loud)

	process(t, s, quiet)
	process(t, s, quiet)
	process(t, s, loud) // speech resumes, deactivation streak resets
	process(t, s, quiet)
	process(t, s, quiet)
	if evt := process(t, s, quiet); evt.Type != vad.SpeechEnd {
		t.Fatalf("want speech-end after full fresh streak, got %v", evt.Type)
	}
}

func TestReset_ClearsHysteresisState(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	process(t, s, loud)
	process(t, s, loud) // active

	s.Reset()

	// After reset the session is inactive and needs a full activation streak.
	if evt := process(t, s, loud); evt.Type != vad.Silence {
		t.Fatalf("after reset: %v, want silence", evt.Type)
	}
}

func TestClose_ProcessFrameFails(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(loud); err == nil {
		t.Fatalf("want error after close, got nil")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEvent_Active(t *testing.T) {
	t.Parallel()

	active := []vad.EventType{vad.SpeechStart, vad.SpeechContinue}
	inactive := []vad.EventType{vad.SpeechEnd, vad.Silence}
	for _, typ := range active {
		if !(vad.Event{Type: typ}).Active() {
			t.Fatalf("%v should be active", typ)
		}
	}
	for _, typ := range inactive {
		if (vad.Event{Type: typ}).Active() {
			t.Fatalf("%v should be inactive", typ)
		}
	}
}

package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/sitespeak/voicecore/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug

speech:
  provider: openai-realtime
  api_key: sk-test
  model: gpt-4o-realtime-preview
  voice: alloy
  instructions: You are a concise site assistant.

session:
  max_sessions: 25
  ttl: 15m
  sweep_interval: 30s
  hang: 600ms
  duck_on_barge_in: true
  locale: de-DE
  audio:
    sample_rate: 24000
    frame_duration_ms: 20
    channels: 1
    bitrate: 24000
    complexity: 7
    fec: true
    dtx: true
    allow_degraded_codec: false
  vad:
    activate_threshold: 0.6
    deactivate_threshold: 0.4
    activation_frames: 3
    deactivation_frames: 4

pool:
  max_connections_per_tenant: 3
  max_total_connections: 12
  connection_ttl: 20m
  idle_timeout: 4m
  health_check_interval: 15s
  pre_warm_count: 2
`

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Speech.Provider != "openai-realtime" {
		t.Errorf("speech.provider: got %q", cfg.Speech.Provider)
	}
	if cfg.Speech.Model != "gpt-4o-realtime-preview" {
		t.Errorf("speech.model: got %q", cfg.Speech.Model)
	}
	if cfg.Session.MaxSessions != 25 {
		t.Errorf("session.max_sessions: got %d, want 25", cfg.Session.MaxSessions)
	}
	if cfg.Session.TTL.Std() != 15*time.Minute {
		t.Errorf("session.ttl: got %v, want 15m", cfg.Session.TTL.Std())
	}
	if cfg.Session.Hang.Std() != 600*time.Millisecond {
		t.Errorf("session.hang: got %v, want 600ms", cfg.Session.Hang.Std())
	}
	if cfg.Session.Locale != "de-DE" {
		t.Errorf("session.locale: got %q, want %q", cfg.Session.Locale, "de-DE")
	}
	if cfg.Session.Audio.SampleRate != 24000 {
		t.Errorf("session.audio.sample_rate: got %d", cfg.Session.Audio.SampleRate)
	}
	if cfg.Session.VAD.ActivationFrames != 3 {
		t.Errorf("session.vad.activation_frames: got %d", cfg.Session.VAD.ActivationFrames)
	}
	if cfg.Pool.MaxConnectionsPerTenant != 3 {
		t.Errorf("pool.max_connections_per_tenant: got %d", cfg.Pool.MaxConnectionsPerTenant)
	}
	if cfg.Pool.HealthCheckInterval.Std() != 15*time.Second {
		t.Errorf("pool.health_check_interval: got %v", cfg.Pool.HealthCheckInterval.Std())
	}
}

func TestLoadFromReader_DefaultsFillMinimalConfig(t *testing.T) {
	cfg := load(t, `
speech:
  api_key: sk-test
`)

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("default log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Session.Audio.SampleRate != 48000 {
		t.Errorf("default sample_rate: got %d, want 48000", cfg.Session.Audio.SampleRate)
	}
	if cfg.Session.Hang.Std() != 800*time.Millisecond {
		t.Errorf("default hang: got %v, want 800ms", cfg.Session.Hang.Std())
	}
	if !cfg.Session.DuckOnBargeIn {
		t.Error("default duck_on_barge_in should be true")
	}
	if cfg.Pool.MaxTotalConnections != 50 {
		t.Errorf("default max_total_connections: got %d, want 50", cfg.Pool.MaxTotalConnections)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`
speech:
  api_key: sk-test
  modle: typo
`))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`
speech:
  api_key: sk-test
session:
  hang: eight hundred
`))
	if err == nil {
		t.Fatal("expected error for malformed duration, got nil")
	}
	if !strings.Contains(err.Error(), "duration") {
		t.Errorf("error should mention the duration, got: %v", err)
	}
}

// ── Component config builders ────────────────────────────────────────────────

func TestFramerConfig(t *testing.T) {
	cfg := load(t, sampleYAML)

	fc := cfg.FramerConfig()
	if fc.SampleRate != 24000 || fc.FrameDurationMs != 20 || fc.Channels != 1 {
		t.Errorf("framer format: got %d/%dms/%dch", fc.SampleRate, fc.FrameDurationMs, fc.Channels)
	}
	if !fc.EnableFEC || !fc.EnableDTX {
		t.Error("fec and dtx should carry over")
	}
	if !fc.FailOnCodecError {
		t.Error("allow_degraded_codec: false should set FailOnCodecError")
	}
}

func TestFramerConfig_DegradedCodecAllowedByDefault(t *testing.T) {
	cfg := load(t, `
speech:
  api_key: sk-test
`)
	if cfg.FramerConfig().FailOnCodecError {
		t.Error("degraded codec should be allowed when allow_degraded_codec is unset")
	}
}

func TestTurnConfig(t *testing.T) {
	cfg := load(t, sampleYAML)

	tc := cfg.TurnConfig()
	if tc.Hang != 600*time.Millisecond {
		t.Errorf("hang: got %v, want 600ms", tc.Hang)
	}
	if !tc.DuckOnBargeIn {
		t.Error("duck_on_barge_in should carry over")
	}
	if tc.VAD.ActivateThreshold != 0.6 || tc.VAD.DeactivateThreshold != 0.4 {
		t.Errorf("vad thresholds: got %v/%v", tc.VAD.ActivateThreshold, tc.VAD.DeactivateThreshold)
	}
	if tc.VAD.SampleRate != 24000 || tc.VAD.FrameSizeMs != 20 {
		t.Errorf("vad format should follow audio format: got %d/%dms", tc.VAD.SampleRate, tc.VAD.FrameSizeMs)
	}
}

func TestPoolSettings(t *testing.T) {
	cfg := load(t, sampleYAML)

	pc := cfg.PoolSettings()
	if pc.MaxPerTenant != 3 || pc.MaxTotal != 12 {
		t.Errorf("pool caps: got %d/%d", pc.MaxPerTenant, pc.MaxTotal)
	}
	if pc.TTL != 20*time.Minute || pc.IdleTimeout != 4*time.Minute {
		t.Errorf("pool lifetimes: got %v/%v", pc.TTL, pc.IdleTimeout)
	}
	if pc.PreWarmCount != 2 {
		t.Errorf("pre_warm_count: got %d, want 2", pc.PreWarmCount)
	}
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := load(t, sampleYAML)

	oc := cfg.OrchestratorConfig()
	if oc.MaxSessions != 25 {
		t.Errorf("max_sessions: got %d, want 25", oc.MaxSessions)
	}
	if oc.SessionTTL != 15*time.Minute || oc.SweepInterval != 30*time.Second {
		t.Errorf("session lifetimes: got %v/%v", oc.SessionTTL, oc.SweepInterval)
	}
	if oc.Framer.SampleRate != 24000 {
		t.Errorf("framer sample_rate: got %d", oc.Framer.SampleRate)
	}
	if oc.Turn.Hang != 600*time.Millisecond {
		t.Errorf("turn hang: got %v", oc.Turn.Hang)
	}
}

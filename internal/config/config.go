// Package config provides the configuration schema and loader for the
// voicecore server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sitespeak/voicecore/internal/orchestrator"
	"github.com/sitespeak/voicecore/internal/pool"
	"github.com/sitespeak/voicecore/internal/turn"
	"github.com/sitespeak/voicecore/pkg/audio/opusframer"
	"github.com/sitespeak/voicecore/pkg/vad"
)

// LogLevel controls log verbosity for the voicecore server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration with YAML support for strings like "800ms"
// or "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string like \"800ms\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for voicecore.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Speech  SpeechConfig  `yaml:"speech"`
	Session SessionConfig `yaml:"session"`
	Pool    PoolConfig    `yaml:"pool"`
}

// ServerConfig holds network and logging settings for the voicecore server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SpeechConfig selects and configures the realtime speech provider.
type SpeechConfig struct {
	// Provider selects the implementation (e.g., "openai-realtime").
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the provider's API. Overridable
	// via VOICECORE_SPEECH_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Leave empty to
	// use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider-specific response voice identifier.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt applied to every session.
	Instructions string `yaml:"instructions"`
}

// SessionConfig holds the per-session pipeline defaults and the session
// limits.
type SessionConfig struct {
	// MaxSessions caps concurrent sessions.
	MaxSessions int `yaml:"max_sessions"`

	// TTL expires sessions with no activity.
	TTL Duration `yaml:"ttl"`

	// SweepInterval is the cadence of the session expiry sweep.
	SweepInterval Duration `yaml:"sweep_interval"`

	// Audio configures the per-session codec.
	Audio AudioConfig `yaml:"audio"`

	// VAD configures the per-session speech detector.
	VAD VADConfig `yaml:"vad"`

	// Hang is the post-speech silence that closes a turn.
	Hang Duration `yaml:"hang"`

	// DuckOnBargeIn interrupts playback when the user talks over it.
	DuckOnBargeIn bool `yaml:"duck_on_barge_in"`

	// Locale is a BCP 47 language tag hint passed to the speech provider
	// for transcription (e.g. "en-US"). Empty leaves language detection
	// to the provider.
	Locale string `yaml:"locale"`
}

// AudioConfig is the per-session codec configuration.
type AudioConfig struct {
	// SampleRate in Hz. Must be an Opus rate (8000, 12000, 16000, 24000,
	// 48000).
	SampleRate int `yaml:"sample_rate"`

	// FrameDurationMs is the frame length: 10, 20, 40, or 60.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// Channels: 1 or 2.
	Channels int `yaml:"channels"`

	// Bitrate in bits per second.
	Bitrate int `yaml:"bitrate"`

	// Complexity is the encoder effort, 0-10.
	Complexity int `yaml:"complexity"`

	// FEC enables redundant-frame loss protection.
	FEC bool `yaml:"fec"`

	// DTX suppresses frames during sustained silence.
	DTX bool `yaml:"dtx"`

	// AllowDegradedCodec keeps sessions alive on a lossy fallback
	// compressor when the Opus encoder fails. Defaults to true; set false
	// to fail such sessions instead.
	AllowDegradedCodec *bool `yaml:"allow_degraded_codec"`
}

// VADConfig is the per-session speech detector configuration.
type VADConfig struct {
	// ActivateThreshold is the probability above which speech starts,
	// in [0, 1].
	ActivateThreshold float64 `yaml:"activate_threshold"`

	// DeactivateThreshold is the probability below which speech ends.
	// Must be at or below ActivateThreshold (hysteresis).
	DeactivateThreshold float64 `yaml:"deactivate_threshold"`

	// ActivationFrames is the consecutive active frames required before
	// speech starts.
	ActivationFrames int `yaml:"activation_frames"`

	// DeactivationFrames is the consecutive inactive frames required
	// before speech ends.
	DeactivationFrames int `yaml:"deactivation_frames"`
}

// PoolConfig holds the speech connection pool limits.
type PoolConfig struct {
	// MaxConnectionsPerTenant caps live connections per tenant.
	MaxConnectionsPerTenant int `yaml:"max_connections_per_tenant"`

	// MaxTotalConnections caps live connections across all tenants.
	MaxTotalConnections int `yaml:"max_total_connections"`

	// ConnectionTTL is the maximum connection lifetime.
	ConnectionTTL Duration `yaml:"connection_ttl"`

	// IdleTimeout removes connections unused for this long.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// HealthCheckInterval is the liveness probe cadence.
	HealthCheckInterval Duration `yaml:"health_check_interval"`

	// PreWarmCount is how many connections to dial eagerly at startup.
	PreWarmCount int `yaml:"pre_warm_count"`

	// PreWarmTenants lists the tenants to pre-warm, PreWarmCount
	// connections each.
	PreWarmTenants []string `yaml:"pre_warm_tenants"`
}

// ── Component config builders ──────────────────────────────────────────────

// FramerConfig builds the per-session codec configuration.
func (c *Config) FramerConfig() opusframer.Config {
	a := c.Session.Audio
	degradedOK := a.AllowDegradedCodec == nil || *a.AllowDegradedCodec
	return opusframer.Config{
		SampleRate:       a.SampleRate,
		FrameDurationMs:  a.FrameDurationMs,
		Channels:         a.Channels,
		Bitrate:          a.Bitrate,
		Complexity:       a.Complexity,
		EnableFEC:        a.FEC,
		EnableDTX:        a.DTX,
		FailOnCodecError: !degradedOK,
	}
}

// VADEngineConfig builds the per-session detector configuration.
func (c *Config) VADEngineConfig() vad.Config {
	return vad.Config{
		SampleRate:          c.Session.Audio.SampleRate,
		FrameSizeMs:         c.Session.Audio.FrameDurationMs,
		ActivateThreshold:   c.Session.VAD.ActivateThreshold,
		DeactivateThreshold: c.Session.VAD.DeactivateThreshold,
		ActivationFrames:    c.Session.VAD.ActivationFrames,
		DeactivationFrames:  c.Session.VAD.DeactivationFrames,
	}
}

// TurnConfig builds the per-session turn-taking configuration.
func (c *Config) TurnConfig() turn.Config {
	return turn.Config{
		VAD:           c.VADEngineConfig(),
		Hang:          c.Session.Hang.Std(),
		DuckOnBargeIn: c.Session.DuckOnBargeIn,
	}
}

// PoolSettings builds the connection pool configuration.
func (c *Config) PoolSettings() pool.Config {
	return pool.Config{
		MaxPerTenant:        c.Pool.MaxConnectionsPerTenant,
		MaxTotal:            c.Pool.MaxTotalConnections,
		TTL:                 c.Pool.ConnectionTTL.Std(),
		IdleTimeout:         c.Pool.IdleTimeout.Std(),
		HealthCheckInterval: c.Pool.HealthCheckInterval.Std(),
		PreWarmCount:        c.Pool.PreWarmCount,
	}
}

// OrchestratorConfig builds the session orchestrator configuration.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxSessions:   c.Session.MaxSessions,
		SessionTTL:    c.Session.TTL.Std(),
		SweepInterval: c.Session.SweepInterval.Std(),
		Turn:          c.TurnConfig(),
		Framer:        c.FramerConfig(),
	}
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames enumerates the speech providers this build links.
// Unknown names produce a warning rather than an error so configs can
// reference providers added in newer builds.
var ValidProviderNames = map[string]bool{
	"openai-realtime": true,
	"mock":            true,
}

// Default returns a Config with production defaults. Loading merges the
// file over these, so a minimal config only needs credentials.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Speech: SpeechConfig{
			Provider: "openai-realtime",
		},
		Session: SessionConfig{
			MaxSessions:   100,
			TTL:           Duration(30 * time.Minute),
			SweepInterval: Duration(time.Minute),
			Audio: AudioConfig{
				SampleRate:      48000,
				FrameDurationMs: 20,
				Channels:        1,
				Bitrate:         32000,
				Complexity:      5,
				FEC:             true,
			},
			VAD: VADConfig{
				ActivateThreshold:   0.5,
				DeactivateThreshold: 0.35,
				ActivationFrames:    2,
				DeactivationFrames:  3,
			},
			Hang:          Duration(800 * time.Millisecond),
			DuckOnBargeIn: true,
		},
		Pool: PoolConfig{
			MaxConnectionsPerTenant: 5,
			MaxTotalConnections:     50,
			ConnectionTTL:           Duration(30 * time.Minute),
			IdleTimeout:             Duration(5 * time.Minute),
			HealthCheckInterval:     Duration(30 * time.Second),
		},
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes YAML configuration from r, merges it over
// [Default], applies environment overrides and validates the result.
// Unknown YAML fields are rejected to catch typos early.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values from the environment. Secrets in
// particular belong in the environment, not on disk.
func (c *Config) applyEnv() {
	if v := os.Getenv("VOICECORE_SPEECH_API_KEY"); v != "" {
		c.Speech.APIKey = v
	}
	if v := os.Getenv("VOICECORE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Validate checks the configuration for errors. All problems are collected
// and returned together so a bad config surfaces everything at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("config: server.listen_addr must not be empty"))
	}
	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}
	if tls := c.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("config: server.tls requires both cert_file and key_file"))
		}
	}

	if c.Speech.Provider == "" {
		errs = append(errs, errors.New("config: speech.provider must not be empty"))
	} else if !ValidProviderNames[c.Speech.Provider] {
		slog.Warn("unrecognized speech provider; sessions will fail if this build does not link it",
			"provider", c.Speech.Provider)
	}
	if c.Speech.APIKey == "" && c.Speech.Provider != "mock" {
		errs = append(errs, errors.New("config: speech.api_key must be set (or VOICECORE_SPEECH_API_KEY exported)"))
	}

	errs = append(errs, c.Session.validate()...)
	errs = append(errs, c.Pool.validate()...)

	return errors.Join(errs...)
}

func (s *SessionConfig) validate() []error {
	var errs []error

	if s.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("config: session.max_sessions must be at least 1, got %d", s.MaxSessions))
	}
	if s.TTL <= 0 {
		errs = append(errs, errors.New("config: session.ttl must be positive"))
	}
	if s.SweepInterval <= 0 {
		errs = append(errs, errors.New("config: session.sweep_interval must be positive"))
	}
	if s.Hang <= 0 {
		errs = append(errs, errors.New("config: session.hang must be positive"))
	}

	switch s.Audio.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("config: session.audio.sample_rate %d is not an Opus rate (8000, 12000, 16000, 24000, 48000)", s.Audio.SampleRate))
	}
	switch s.Audio.FrameDurationMs {
	case 10, 20, 40, 60:
	default:
		errs = append(errs, fmt.Errorf("config: session.audio.frame_duration_ms %d is not one of 10, 20, 40, 60", s.Audio.FrameDurationMs))
	}
	if s.Audio.Channels != 1 && s.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("config: session.audio.channels must be 1 or 2, got %d", s.Audio.Channels))
	}
	if s.Audio.Bitrate <= 0 {
		errs = append(errs, fmt.Errorf("config: session.audio.bitrate must be positive, got %d", s.Audio.Bitrate))
	}
	if s.Audio.Complexity < 0 || s.Audio.Complexity > 10 {
		errs = append(errs, fmt.Errorf("config: session.audio.complexity must be 0-10, got %d", s.Audio.Complexity))
	}

	if s.VAD.ActivateThreshold <= 0 || s.VAD.ActivateThreshold > 1 {
		errs = append(errs, fmt.Errorf("config: session.vad.activate_threshold must be in (0, 1], got %v", s.VAD.ActivateThreshold))
	}
	if s.VAD.DeactivateThreshold <= 0 || s.VAD.DeactivateThreshold > 1 {
		errs = append(errs, fmt.Errorf("config: session.vad.deactivate_threshold must be in (0, 1], got %v", s.VAD.DeactivateThreshold))
	}
	if s.VAD.DeactivateThreshold > s.VAD.ActivateThreshold {
		errs = append(errs, fmt.Errorf("config: session.vad.deactivate_threshold %v must not exceed activate_threshold %v", s.VAD.DeactivateThreshold, s.VAD.ActivateThreshold))
	}
	if s.VAD.ActivationFrames < 1 {
		errs = append(errs, fmt.Errorf("config: session.vad.activation_frames must be at least 1, got %d", s.VAD.ActivationFrames))
	}
	if s.VAD.DeactivationFrames < 1 {
		errs = append(errs, fmt.Errorf("config: session.vad.deactivation_frames must be at least 1, got %d", s.VAD.DeactivationFrames))
	}

	return errs
}

func (p *PoolConfig) validate() []error {
	var errs []error

	if p.MaxConnectionsPerTenant < 1 {
		errs = append(errs, fmt.Errorf("config: pool.max_connections_per_tenant must be at least 1, got %d", p.MaxConnectionsPerTenant))
	}
	if p.MaxTotalConnections < p.MaxConnectionsPerTenant {
		errs = append(errs, fmt.Errorf("config: pool.max_total_connections %d must be at least max_connections_per_tenant %d", p.MaxTotalConnections, p.MaxConnectionsPerTenant))
	}
	if p.ConnectionTTL <= 0 {
		errs = append(errs, errors.New("config: pool.connection_ttl must be positive"))
	}
	if p.IdleTimeout <= 0 {
		errs = append(errs, errors.New("config: pool.idle_timeout must be positive"))
	}
	if p.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("config: pool.health_check_interval must be positive"))
	}
	if p.PreWarmCount < 0 {
		errs = append(errs, fmt.Errorf("config: pool.pre_warm_count must not be negative, got %d", p.PreWarmCount))
	}
	if p.PreWarmCount > 0 && len(p.PreWarmTenants) == 0 {
		slog.Warn("pool.pre_warm_count is set but pool.pre_warm_tenants is empty; no connections will be warmed")
	}

	return errs
}

package config_test

import (
	"strings"
	"testing"

	"github.com/sitespeak/voicecore/internal/config"
)

func TestValidate_MissingAPIKey(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
speech:
  provider: openai-realtime
`))
	if err == nil {
		t.Fatal("expected error for missing api key, got nil")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error should mention api_key, got: %v", err)
	}
}

func TestValidate_MockProviderNeedsNoKey(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
speech:
  provider: mock
`))
	if err != nil {
		t.Fatalf("mock provider should not require an api key, got: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: verbose
speech:
  api_key: sk-test
`))
	if err == nil {
		t.Fatal("expected error for bad log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  tls:
    cert_file: /etc/voicecore/cert.pem
speech:
  api_key: sk-test
`))
	if err == nil {
		t.Fatal("expected error for tls without key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_BadSampleRate(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
speech:
  api_key: sk-test
session:
  audio:
    sample_rate: 44100
`))
	if err == nil {
		t.Fatal("expected error for non-Opus sample rate, got nil")
	}
	if !strings.Contains(err.Error(), "sample_rate") {
		t.Errorf("error should mention sample_rate, got: %v", err)
	}
}

func TestValidate_BadFrameDuration(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
speech:
  api_key: sk-test
session:
  audio:
    frame_duration_ms: 25
`))
	if err == nil {
		t.Fatal("expected error for unsupported frame duration, got nil")
	}
}

func TestValidate_InvertedVADThresholds(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
speech:
  api_key: sk-test
session:
  vad:
    activate_threshold: 0.3
    deactivate_threshold: 0.7
`))
	if err == nil {
		t.Fatal("expected error for deactivate above activate, got nil")
	}
	if !strings.Contains(err.Error(), "deactivate_threshold") {
		t.Errorf("error should mention deactivate_threshold, got: %v", err)
	}
}

func TestValidate_PoolCapsInverted(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
speech:
  api_key: sk-test
pool:
  max_connections_per_tenant: 10
  max_total_connections: 5
`))
	if err == nil {
		t.Fatal("expected error for per-tenant cap above total cap, got nil")
	}
	if !strings.Contains(err.Error(), "max_total_connections") {
		t.Errorf("error should mention max_total_connections, got: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: loud
speech:
  provider: openai-realtime
session:
  audio:
    sample_rate: 44100
    channels: 3
`))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "api_key", "sample_rate", "channels"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/voicecore.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "config: open") {
		t.Errorf("error should wrap the open failure, got: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICECORE_SPEECH_API_KEY", "sk-env")
	t.Setenv("VOICECORE_LISTEN_ADDR", ":7777")

	cfg, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_addr: ":8080"
speech:
  api_key: sk-file
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.APIKey != "sk-env" {
		t.Errorf("api key: got %q, want env override", cfg.Speech.APIKey)
	}
	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("listen addr: got %q, want env override", cfg.Server.ListenAddr)
	}
}

func TestEnvProvidesMissingAPIKey(t *testing.T) {
	t.Setenv("VOICECORE_SPEECH_API_KEY", "sk-env")

	cfg, err := config.LoadFromReader(strings.NewReader(`
speech:
  provider: openai-realtime
`))
	if err != nil {
		t.Fatalf("env-provided key should satisfy validation, got: %v", err)
	}
	if cfg.Speech.APIKey != "sk-env" {
		t.Errorf("api key: got %q", cfg.Speech.APIKey)
	}
}

// Package app wires the voicecore subsystems into a running server.
//
// New builds everything from config: telemetry, the speech provider, the
// connection pool, the session orchestrator, health checks and the HTTP
// surface (websocket voice ingress, Prometheus /metrics, health probes).
// Run serves until the context is cancelled; Shutdown tears the stack down
// in order.
//
// Tests inject a mock speech provider and a deterministic encoder via
// functional options. When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/sitespeak/voicecore/internal/config"
	"github.com/sitespeak/voicecore/internal/health"
	"github.com/sitespeak/voicecore/internal/observe"
	"github.com/sitespeak/voicecore/internal/orchestrator"
	"github.com/sitespeak/voicecore/internal/pool"
	"github.com/sitespeak/voicecore/pkg/audio/opusframer"
	"github.com/sitespeak/voicecore/pkg/speech"
	speechmock "github.com/sitespeak/voicecore/pkg/speech/mock"
	"github.com/sitespeak/voicecore/pkg/speech/openai"
	"github.com/sitespeak/voicecore/pkg/transport/ws"
	"github.com/sitespeak/voicecore/pkg/vad"
)

// App owns all subsystem lifetimes for one voicecore server process.
type App struct {
	cfg *config.Config

	// Injectable collaborators. Nil means New builds the real one.
	provider   speech.Provider
	engine     vad.Engine
	framerOpts []opusframer.Option

	metrics *observe.Metrics
	pool    *pool.Pool
	orc     *orchestrator.Orchestrator
	handler http.Handler
	srv     *http.Server

	// shutdownOTel flushes and closes the telemetry exporters.
	shutdownOTel func(context.Context) error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSpeechProvider injects a speech provider instead of building one from
// the config.
func WithSpeechProvider(p speech.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithVADEngine injects a detector engine instead of the energy engine.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithFramerOptions forwards options to every session's framer.
func WithFramerOptions(opts ...opusframer.Option) Option {
	return func(a *App) { a.framerOpts = opts }
}

// New constructs the full server from cfg. The returned App is ready to
// Run; call Shutdown when done even if Run was never called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	// Telemetry first so every later constructor can bind instruments.
	reg := prometheus.NewRegistry()
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicecore",
		Registry:    reg,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.shutdownOTel = shutdownOTel
	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	if a.provider == nil {
		a.provider, err = buildProvider(cfg.Speech)
		if err != nil {
			return nil, err
		}
	}
	if a.engine == nil {
		a.engine = vad.NewEnergyEngine()
	}

	connCfg := speech.ConnConfig{
		Voice:        cfg.Speech.Voice,
		Instructions: cfg.Speech.Instructions,
		InputFormat:  "pcm16",
		OutputFormat: "pcm16",
		SampleRate:   cfg.Session.Audio.SampleRate,
		Locale:       cfg.Session.Locale,
	}
	a.pool, err = pool.New(cfg.PoolSettings(), a.provider, connCfg, pool.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: create pool: %w", err)
	}

	a.orc, err = orchestrator.New(cfg.OrchestratorConfig(), a.pool, a.engine, a.metrics,
		orchestrator.WithFramerOptions(a.framerOpts...))
	if err != nil {
		a.pool.Close()
		return nil, fmt.Errorf("app: create orchestrator: %w", err)
	}

	for _, tenant := range cfg.Pool.PreWarmTenants {
		warmed := a.pool.PreWarm(ctx, tenant)
		slog.Info("pre-warmed speech connections", "tenant", tenant, "count", warmed)
	}

	hh := health.New(
		health.PoolChecker(a.pool),
		health.CodecChecker(a.orc),
		health.CapacityChecker(a.orc, cfg.Session.MaxSessions),
	)

	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/voice", a.handleVoice)
	a.handler = observe.Middleware(a.metrics)(mux)

	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// buildProvider constructs the configured speech provider.
func buildProvider(cfg config.SpeechConfig) (speech.Provider, error) {
	switch cfg.Provider {
	case "openai-realtime":
		var opts []openai.Option
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, opts...), nil
	case "mock":
		return &speechmock.Provider{}, nil
	default:
		return nil, fmt.Errorf("app: unknown speech provider %q", cfg.Provider)
	}
}

// Handler returns the HTTP surface. Exposed for tests.
func (a *App) Handler() http.Handler { return a.handler }

// handleVoice upgrades the request to a websocket and runs one voice
// session over it. The handler blocks for the lifetime of the connection.
func (a *App) handleVoice(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "missing tenant query parameter", http.StatusBadRequest)
		return
	}
	settings, err := sessionSettings(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := ws.Accept(w, r)
	if err != nil {
		log.Warn("websocket accept failed", "tenant", tenant, "err", err)
		return
	}

	id, err := a.orc.StartSession(r.Context(), orchestrator.StartRequest{
		Tenant:    tenant,
		Site:      r.URL.Query().Get("site"),
		User:      r.URL.Query().Get("user"),
		Transport: conn,
		Settings:  settings,
	})
	if err != nil {
		reason := "session unavailable, please retry"
		if errors.Is(err, orchestrator.ErrCapacity) {
			reason = "server at capacity, retry shortly"
		}
		log.Warn("session rejected", "tenant", tenant, "err", err)
		conn.Disconnect(r.Context(), reason)
		return
	}
	defer a.orc.StopSession(id)

	if err := conn.ReadLoop(r.Context()); err != nil {
		log.Debug("voice session finished", "session_id", id, "err", err)
	}
}

// sessionSettings parses the optional per-session override query
// parameters. Returns nil when no override is present; a malformed value
// is a client error.
func sessionSettings(q url.Values) (*orchestrator.SessionSettings, error) {
	var (
		st  orchestrator.SessionSettings
		set bool
	)
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid sample_rate %q", v)
		}
		st.SampleRate = n
		set = true
	}
	if v := q.Get("frame_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid frame_ms %q", v)
		}
		st.FrameDurationMs = n
		set = true
	}
	if v := q.Get("vad_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vad_threshold %q", v)
		}
		st.VADThreshold = f
		set = true
	}
	if v := q.Get("hang_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid hang_ms %q", v)
		}
		st.Hang = time.Duration(n) * time.Millisecond
		set = true
	}
	if v := q.Get("duck"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid duck %q", v)
		}
		st.DuckOnBargeIn = &b
		set = true
	}
	if !set {
		return nil, nil
	}
	return &st, nil
}

// Run serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(shCtx)
	})

	return g.Wait()
}

// Shutdown stops all sessions, closes the pool and flushes telemetry.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if a.orc != nil {
			if err := a.orc.Close(); err != nil {
				errs = append(errs, fmt.Errorf("app: close orchestrator: %w", err))
			}
		}
		if a.pool != nil {
			if err := a.pool.Close(); err != nil {
				errs = append(errs, fmt.Errorf("app: close pool: %w", err))
			}
		}
		if a.shutdownOTel != nil {
			if err := a.shutdownOTel(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: shutdown telemetry: %w", err))
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

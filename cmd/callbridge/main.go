// Command callbridge bridges carrier media streams to a speech-AI backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/admission"
	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/callsession"
	"github.com/MrWong99/callbridge/internal/collab"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/finalize"
	"github.com/MrWong99/callbridge/internal/flush"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/internal/summary"
	"github.com/MrWong99/callbridge/internal/telephony"
	"github.com/MrWong99/callbridge/internal/workflow"
	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/callbridge/pkg/provider/llm/openai"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	oais2s "github.com/MrWong99/callbridge/pkg/provider/s2s/openai"
	"github.com/MrWong99/callbridge/pkg/store/postgres"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callbridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("callbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"stream_path", cfg.Bridge.StreamPath,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Must run before the first DefaultMetrics call so the instruments bind to
	// the Prometheus-backed meter provider.
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	speech, err := buildSpeech(cfg, reg)
	if err != nil {
		slog.Error("failed to build s2s provider", "err", err)
		return 1
	}
	completions, err := buildLLM(cfg, reg)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}

	// ── Persistence ───────────────────────────────────────────────────────────
	if cfg.Database.PostgresDSN == "" {
		slog.Error("database.postgres_dsn is required")
		return 1
	}
	st, err := postgres.NewStore(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return 1
	}
	defer st.Close()

	// ── Call pipeline ─────────────────────────────────────────────────────────
	adm := admission.New(admission.Config{
		MaxConnections:   cfg.Bridge.MaxConnections,
		PacketsPerWindow: cfg.Bridge.PacketsPerWindow,
		Window:           cfg.Bridge.PacketWindow,
	})
	defer adm.Close()
	registry := callsession.NewRegistry()

	var consultation *collab.Consultation
	if completions != nil {
		consultation = collab.New(collab.Config{
			LLM:     completions,
			Experts: experts(cfg.Collaboration.Experts),
		})
	}

	wfCfg := workflow.Config{
		OfferTimeout:  cfg.Bridge.OfferTimeout,
		TransferDelay: cfg.Bridge.TransferDelay,
		Metrics:       metrics,
	}
	if cfg.Telephony.AccountSID != "" {
		var opts []telephony.Option
		if cfg.Telephony.BaseURL != "" {
			opts = append(opts, telephony.WithBaseURL(cfg.Telephony.BaseURL))
		}
		opts = append(opts, telephony.WithTimeout(cfg.Telephony.Timeout))
		wfCfg.Redirector = telephony.New(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken, opts...)
	} else {
		slog.Warn("telephony credentials not configured; human transfers are disabled")
	}
	if consultation != nil {
		wfCfg.Collaborator = consultation
	}
	engine := workflow.New(wfCfg)

	scheduler := flush.New(flush.Config{
		Log:      st,
		Sweeper:  engine,
		Interval: cfg.Bridge.FlushInterval,
		Metrics:  metrics,
	})

	finCfg := finalize.Config{
		Registry:  registry,
		Store:     st,
		Flusher:   scheduler,
		Admission: adm,
		Rates: finalize.Rates{
			STTWord: cfg.Billing.STTWordRate,
			TTSWord: cfg.Billing.TTSWordRate,
			Minute:  cfg.Billing.MinuteRate,
		},
		SummaryTimeout: cfg.Bridge.SummaryTimeout,
		Metrics:        metrics,
	}
	if completions != nil {
		finCfg.Summariser = summary.New(completions, summary.WithTimeout(cfg.Bridge.SummaryTimeout))
	}
	if consultation != nil {
		finCfg.Collaborator = consultation
	}

	bridgeCfg := bridge.Config{
		Admission:       adm,
		Registry:        registry,
		Store:           st,
		Flusher:         scheduler,
		Finalizer:       finalize.New(finCfg),
		Speech:          speech,
		Workflow:        engine,
		MaxPayloadBytes: cfg.Bridge.MaxPayloadBytes,
		Metrics:         metrics,
	}
	streams := bridge.New(bridgeCfg)

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.LimitsChanged {
			adm.SetLimits(d.MaxConnections, d.PacketsPerWindow)
			slog.Info("admission limits changed",
				"max_connections", d.MaxConnections,
				"packets_per_window", d.PacketsPerWindow)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("configuration changes require a restart", "settings", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	probes := health.New(
		[]health.Checker{health.PingCheck("database", st)},
		health.WithActiveCalls(registry.Len),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Bridge.StreamPath, streams)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	probes.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics, observe.WithQuietPaths("/healthz", "/readyz", "/metrics"))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("server ready", "addr", srv.Addr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining calls…")

		// ── Graceful shutdown ─────────────────────────────────────────────────
		probes.SetDraining(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked stream connections are not tracked by the HTTP server;
		// end them first so every call is finalized before the store closes.
		if err := streams.Shutdown(shutdownCtx); err != nil {
			slog.Error("calls still active at shutdown", "err", err, "active", registry.Len())
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai-native talks to the OpenAI API through the official SDK.
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, oais2s.WithTranscriptionModel(m))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})
}

// buildSpeech returns the configured speech-AI provider, or nil when none is
// configured.
func buildSpeech(cfg *config.Config, reg *config.Registry) (s2s.Provider, error) {
	name := cfg.Providers.S2S.Name
	if name == "" {
		return nil, nil
	}
	p, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", name)
	return p, nil
}

// buildLLM returns the configured completion provider wrapped with its
// fallbacks, or nil when none is configured.
func buildLLM(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	name := cfg.Providers.LLM.Name
	if name == "" {
		return nil, nil
	}
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", name)
	if len(cfg.Providers.LLMFallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(primary, name, resilience.FallbackConfig{})
	for _, entry := range cfg.Providers.LLMFallbacks {
		fb, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
	}
	slog.Info("llm fallbacks configured", "order", group.Names())
	return group, nil
}

func experts(cfgs []config.ExpertConfig) []collab.Expert {
	if len(cfgs) == 0 {
		return nil
	}
	out := make([]collab.Expert, 0, len(cfgs))
	for _, e := range cfgs {
		out = append(out, collab.Expert{Name: e.Name, Focus: e.Focus})
	}
	return out
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

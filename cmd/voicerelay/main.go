// Command voicerelay is the real-time voice conversation relay server.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tandemly/voicerelay/internal/assess"
	"github.com/tandemly/voicerelay/internal/auth"
	"github.com/tandemly/voicerelay/internal/config"
	"github.com/tandemly/voicerelay/internal/events"
	"github.com/tandemly/voicerelay/internal/health"
	"github.com/tandemly/voicerelay/internal/observe"
	"github.com/tandemly/voicerelay/internal/persist"
	"github.com/tandemly/voicerelay/internal/relay"
	"github.com/tandemly/voicerelay/internal/server"
	"github.com/tandemly/voicerelay/internal/upstream"
)

const shutdownTimeout = 15 * time.Second

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
			fmt.Fprintf(os.Stderr, "voicerelay: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicerelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicerelay starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicerelay",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Persistence ───────────────────────────────────────────────────────────
	var store persist.Store
	if dsn := cfg.Persistence.PostgresDSN; dsn != "" {
		pg, err := persist.NewPostgresStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		store = pg
		slog.Info("persistence ready", "backend", "postgres")
	} else {
		store = persist.NewMemoryStore()
		slog.Warn("no postgres_dsn configured, using in-memory persistence")
	}
	defer store.Close()

	// ── Lifecycle events ──────────────────────────────────────────────────────
	var sink events.Sink
	switch cfg.Events.Sink {
	case "file":
		sink = events.NewFileSink(cfg.Events.Path)
		slog.Info("event sink ready", "sink", "file", "path", cfg.Events.Path)
	default:
		sink = events.NewLogSink(logger)
	}

	// ── Pronunciation assessor ────────────────────────────────────────────────
	var assessor assess.Assessor
	if cfg.Assess.Enabled {
		var opts []assess.SpeechAlignOption
		if cfg.Assess.Model != "" {
			opts = append(opts, assess.WithModel(cfg.Assess.Model))
		}
		if cfg.Assess.BaseURL != "" {
			opts = append(opts, assess.WithBaseURL(cfg.Assess.BaseURL))
		}
		assessor = assess.NewSpeechAlign(cfg.Assess.APIKey, opts...)
		slog.Info("pronunciation assessment enabled", "model", cfg.Assess.Model)
	}

	// ── Relay core ────────────────────────────────────────────────────────────
	provider := upstream.NewClient(cfg.Upstream.WSBase, cfg.Upstream.APIKey,
		upstream.WithDialTimeout(cfg.Upstream.DialTimeout()))

	core := &relay.Core{
		Logger:        logger,
		Metrics:       metrics,
		Store:         store,
		Events:        sink,
		Assessor:      assessor,
		Dialer:        server.NewProviderDialer(provider),
		WordThreshold: cfg.Assess.WordThreshold,
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	srv := server.New(cfg.Relay, logger, metrics, auth.NewHMACVerifier(cfg.Auth.Secret), store, core)

	mux := http.NewServeMux()
	srv.Register(mux)
	health.New(health.StoreChecker(store)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go srv.Watchdog(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	printStartupSummary(cfg)
	slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)

	select {
	case err := <-errCh:
		slog.Error("listen error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("session drain incomplete", "err", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicerelay — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("WS path", cfg.Relay.PathPrefix)
	printRow("Upstream", cfg.Upstream.WSBase)
	if cfg.Persistence.PostgresDSN != "" {
		printRow("Persistence", "postgres")
	} else {
		printRow("Persistence", "in-memory")
	}
	printRow("Event sink", cfg.Events.Sink)
	if cfg.Assess.Enabled {
		printRow("Assessment", cfg.Assess.Model)
	} else {
		printRow("Assessment", "(disabled)")
	}
	printRow("TLS", boolLabel(cfg.Server.TLS != nil))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func boolLabel(b bool) string {
	if b {
		return "enabled"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/skysync/config"
	"github.com/alejandrodnm/skysync/internal/adapters/httpapi"
	"github.com/alejandrodnm/skysync/internal/adapters/notify"
	"github.com/alejandrodnm/skysync/internal/adapters/opensky"
	"github.com/alejandrodnm/skysync/internal/adapters/storage"
	"github.com/alejandrodnm/skysync/internal/batch"
	"github.com/alejandrodnm/skysync/internal/cache"
	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/interpolate"
	"github.com/alejandrodnm/skysync/internal/metrics"
	"github.com/alejandrodnm/skysync/internal/ratelimit"
	"github.com/alejandrodnm/skysync/internal/tracker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "sync configured groups once, print and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full aircraft table (default: compact 1-line)")
	importPath := flag.String("import", "", "import a registry CSV into the database and exit")
	httpAddr := flag.String("http", "", "HTTP API listen address (overrides config)")
	history := flag.String("history", "", "print recent sync runs for a group key ('all' for every group) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, err := storage.NewSQLiteRegistry(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open registry", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer registry.Close()

	notifier := notify.NewConsole(*table).WithMaxRows(50)

	switch {
	case *importPath != "":
		if err := runImport(ctx, registry, *importPath); err != nil {
			slog.Error("registry import failed", "err", err, "path", *importPath)
			os.Exit(1)
		}
		return
	case *history != "":
		key := *history
		if key == "all" {
			key = ""
		}
		runs, err := registry.RecentRuns(ctx, key, 20)
		if err != nil {
			slog.Error("failed to read sync history", "err", err)
			os.Exit(1)
		}
		notifier.PrintRuns(runs)
		return
	}

	slog.Info("skysync starting",
		"config", *configPath,
		"auth_mode", cfg.Upstream.AuthMode,
		"poll_interval", cfg.PollInterval(),
		"groups", len(cfg.Tracker.Groups),
		"http", cfg.HTTP.Addr,
		"once", *once,
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	orch, err := newOrchestrator(cfg, registry, m)
	if err != nil {
		slog.Error("failed to build orchestrator", "err", err)
		os.Exit(1)
	}
	defer orch.Close()

	for _, g := range cfg.Tracker.Groups {
		orch.Track(g)
	}

	if *once {
		runOnce(ctx, orch, notifier)
		return
	}

	// Cada grupo configurado se imprime en consola en cada actualización.
	for _, g := range cfg.Tracker.Groups {
		unsub, err := orch.Subscribe(g, func(snap domain.Snapshot) {
			if err := notifier.Notify(ctx, snap.GroupKey, snap.Entities); err != nil {
				slog.Warn("notifier error", "err", err)
			}
		})
		if err != nil {
			slog.Warn("cannot subscribe to group", "group", g, "err", err)
			continue
		}
		defer unsub()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return orch.Run(egCtx) })
	if cfg.HTTP.Addr != "" {
		api := httpapi.NewServer(orch, promReg)
		eg.Go(func() error { return api.ListenAndServe(egCtx, cfg.HTTP.Addr) })
	}

	if err := eg.Wait(); err != nil {
		slog.Error("skysync exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("skysync stopped cleanly")
}

// newOrchestrator arma el motor completo a partir de la config.
func newOrchestrator(cfg *config.Config, registry *storage.SQLiteRegistry, m *metrics.Metrics) (*tracker.Orchestrator, error) {
	clock := quartz.NewReal()

	upstream := opensky.Config{
		BaseURL:         cfg.Upstream.BaseURL,
		TokenURL:        cfg.Upstream.TokenURL,
		Timeout:         cfg.UpstreamTimeout(),
		BurstPerSec:     cfg.Upstream.BurstPerSecond,
		BreakerFailures: cfg.Upstream.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout(),
	}
	if cfg.Authenticated() {
		upstream.ClientID = cfg.Upstream.ClientID
		upstream.ClientSecret = cfg.Upstream.ClientSecret
	}
	client := opensky.NewClient(upstream, m)

	limCfg := ratelimit.DefaultConfig()
	if client.Authenticated() {
		limCfg.Mode = ratelimit.ModeAuthenticated
	}
	limCfg.Anonymous = ratelimit.Quota{PerMinute: cfg.Limits.Anonymous.PerMinute, PerDay: cfg.Limits.Anonymous.PerDay}
	limCfg.Authenticated = ratelimit.Quota{PerMinute: cfg.Limits.Authenticated.PerMinute, PerDay: cfg.Limits.Authenticated.PerDay}
	limCfg.MinInterval = cfg.MinInterval()
	limCfg.MaxInterval = cfg.MaxInterval()
	limCfg.MaxWait = cfg.MaxWait()

	chunker := batch.New(batch.Config{
		BatchSize:    cfg.Batch.Size,
		MaxBatchSize: cfg.Batch.MaxSize,
		MaxRetries:   cfg.Batch.MaxRetries,
		BaseDelay:    cfg.RetryBaseDelay(),
		MaxDelay:     cfg.RetryMaxDelay(),
		Jitter:       batch.DefaultConfig().Jitter,
		ChunkDelay:   cfg.ChunkDelay(),
		Parallelism:  cfg.Batch.Parallelism,
	}, clock, m)

	return tracker.New(tracker.Config{
		PollInterval:    cfg.PollInterval(),
		FetchTimeout:    cfg.FetchTimeout(),
		StaleAfter:      cfg.StaleAfter(),
		CleanupInterval: cfg.SweepInterval(),
		DedupGrace:      cfg.DedupGrace(),
	}, tracker.Deps{
		Source:   client,
		Registry: registry,
		Recorder: registry,
		Limiter:  ratelimit.New(limCfg, clock, m),
		Chunker:  chunker,
		Live: cache.NewLive[[]domain.Entity](cache.LiveConfig{
			TTL:            cfg.LiveTTL(),
			StaleRetention: cache.DefaultStaleRetention,
		}, clock, m),
		Static: cache.NewTTLStore[domain.StaticInfo](cfg.StaticTTL(), cache.DefaultStaticMaxEntries, m),
		Interpolator: interpolate.New(interpolate.Config{
			HistorySize: cfg.Cache.HistoryLength,
			Horizon:     cfg.InterpolationHorizon(),
		}, clock, m),
		Clock:   clock,
		Metrics: m,
	})
}

func runImport(ctx context.Context, registry *storage.SQLiteRegistry, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stats, err := registry.Import(ctx, f)
	if err != nil {
		return err
	}
	total, err := registry.Count(ctx)
	if err != nil {
		return err
	}
	slog.Info("import complete", "imported", stats.Imported, "skipped", stats.Skipped, "registry_size", total)
	return nil
}

func runOnce(ctx context.Context, orch *tracker.Orchestrator, notifier *notify.Console) {
	snaps, errs := orch.RunOnce(ctx)
	for _, snap := range snaps {
		if err := notifier.Notify(ctx, snap.GroupKey, snap.Entities); err != nil {
			slog.Warn("notifier error", "err", err)
		}
		if snap.Partial() {
			slog.Warn("partial sync", "group", snap.GroupKey, "failed_ids", len(domain.FailedIDs(snap.Failures)))
		}
	}
	for key, err := range errs {
		slog.Warn("group sync failed", "group", key, "kind", domain.KindOf(err).String(), "err", err)
	}
	notifier.PrintGroups(orch.Groups())
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

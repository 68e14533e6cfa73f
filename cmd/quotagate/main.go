// Command quotagate runs the guarded task admission daemon: HTTP intake,
// admission pipeline, ledger, and event streaming.
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

	"github.com/mattn/go-isatty"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/quotagate/internal/config"
	"github.com/meridianlabs/quotagate/internal/counter"
	"github.com/meridianlabs/quotagate/internal/dispatch"
	"github.com/meridianlabs/quotagate/internal/gateway"
	"github.com/meridianlabs/quotagate/internal/guard"
	"github.com/meridianlabs/quotagate/internal/idempotency"
	"github.com/meridianlabs/quotagate/internal/ledger"
	"github.com/meridianlabs/quotagate/internal/route"
	"github.com/meridianlabs/quotagate/internal/stream"
	"github.com/meridianlabs/quotagate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, no stdout mirror")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "fingerprint", cfg.Fingerprint())

	if isatty.IsTerminal(os.Stdout.Fd()) && !*quiet {
		fmt.Printf("quotagate %s listening on %s (home: %s)\n", Version, cfg.BindAddr, cfg.HomeDir)
	}

	otelProvider, err := telemetry.Init(ctx, telemetry.OTelConfig{
		Enabled:    cfg.OTel.Enabled,
		Exporter:   cfg.OTel.Exporter,
		SampleRate: cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	ls, err := ledger.Open(cfg.DBPath, logger)
	if err != nil {
		fatalStartup(logger, "E_LEDGER_OPEN", err)
	}
	defer ls.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	dedup, err := idempotency.New(ls.DB(), logger)
	if err != nil {
		fatalStartup(logger, "E_DEDUP_INIT", err)
	}

	// Counters: redis when configured, with in-process degradation; plain
	// in-process map otherwise.
	local := counter.NewMemoryStore()
	var counters counter.Store = local
	if cfg.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		counters = counter.NewFallback(counter.NewRedisStore(client), logger)
		logger.Info("counter store", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		logger.Info("counter store", "backend", "memory")
	}

	g := guard.New(counters, cfg.Limits.Guard(), logger)
	hub := stream.NewHub()

	dispatcher := dispatch.New(
		dispatch.Config{
			ReserveCost: cfg.ReserveCost,
			SignupBonus: cfg.SignupBonus,
			DedupTTL:    cfg.DedupTTL(),
			TaskTimeout: cfg.TaskTimeout(),
		},
		ls, dedup, g, route.New(cfg.Routes), hub,
		&dispatch.LoopbackInvoker{TokenDelay: 10 * time.Millisecond},
		logger, metrics, otelProvider.Tracer,
	)

	watchdog := dispatch.NewWatchdog(ls, dedup, hub, local, logger, metrics,
		cfg.DebitTimeout(), cfg.ChannelRetention())
	if err := watchdog.Start(cfg.WatchdogSpec); err != nil {
		fatalStartup(logger, "E_WATCHDOG_START", err)
	}
	defer watchdog.Stop()

	// Live reload of the admission limits on config.yaml writes.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, limits are fixed for this run", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed, keeping active limits", "error", err)
					continue
				}
				g.SetLimits(fresh.Limits.Guard())
				logger.Info("admission limits reloaded", "fingerprint", fresh.Fingerprint())
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		AuthToken:         cfg.AuthToken,
		RateRPS:           cfg.RateLimit.RPS,
		RateBurst:         cfg.RateLimit.Burst,
		ConfigFingerprint: cfg.Fingerprint(),
	}, dispatcher, ls, hub, logger, metrics)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Stop intake first, then drain in-flight dispatches so their
		// settlements land before the store closes.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout())
		defer cancelDrain()
		if err := dispatcher.Drain(drainCtx); err != nil {
			logger.Warn("drain incomplete, abandoning in-flight tasks", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("fatal runtime error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "quotagate: %s: %v\n", code, err)
	os.Exit(1)
}

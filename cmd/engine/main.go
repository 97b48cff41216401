// Command engine boots the job engine: connects to Postgres, runs
// migrations, registers workers, and starts the HTTP API, metrics server,
// and the engine's producers/leader/plugins until an interrupt signal.
//
// The --cron-paths and --cron-modules flags round out the CLI surface the
// original scheduler exposed for dynamically importing worker modules.
// Because this implementation uses an explicit compile-time registry
// (package registry) instead of reflection-based auto-discovery, they are
// accepted and logged but do not change which workers are registered —
// see DESIGN.md's note on the worker-registration REDESIGN FLAG.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"jobengine/internal/api"
	"jobengine/internal/config"
	"jobengine/internal/engine"
	"jobengine/internal/registry"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
	"jobengine/internal/workers/imageresize"

	"github.com/redis/go-redis/v9"

	"jobengine/internal/ratelimit"
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: engine start [--cron-paths P1,P2] [--cron-modules M1,M2]")
	}
	cronPaths := flag.String("cron-paths", "", "filesystem roots to scan for worker-bearing modules (accepted, logged only)")
	cronModules := flag.String("cron-modules", "", "named modules to import (accepted, logged only)")
	flag.Parse()

	if flag.NArg() < 1 || flag.Arg(0) != "start" {
		flag.Usage()
		return 1
	}
	// flag.Parse stops at the "start" subcommand; parse the flags that
	// follow it too, as the usage line documents.
	if err := flag.CommandLine.Parse(flag.Args()[1:]); err != nil {
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if *cronPaths != "" || *cronModules != "" {
		logger.Info("cron discovery flags accepted; worker registration is compile-time in this build",
			"cron_paths", splitCSV(*cronPaths), "cron_modules", splitCSV(*cronModules))
	}

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		logger.Info("shutdown signal received")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		return 1
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		return 1
	}

	reg := registry.New()
	if err := registerWorkers(ctx, cfg, reg); err != nil {
		logger.Error("register workers", "error", err)
		return 1
	}

	eng := engine.New(cfg, st, reg)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(eng, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: telemetry.Handler(),
	}

	// runtimeFatal carries an unrecoverable runtime failure (as opposed to
	// the init failures above) so run() can report exit code 2 per
	// spec.md §6.5, instead of the clean-shutdown 0 a server exiting on
	// ctx cancellation would otherwise produce.
	runtimeFatal := make(chan error, 2)

	go func() {
		logger.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", "error", err)
			runtimeFatal <- fmt.Errorf("api server: %w", err)
			cancel()
		}
	}()
	go func() {
		logger.Info("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
			runtimeFatal <- fmt.Errorf("metrics server: %w", err)
			cancel()
		}
	}()

	eng.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	select {
	case err := <-runtimeFatal:
		logger.Error("engine stopped after unrecoverable runtime error", "error", err)
		return 2
	default:
		logger.Info("engine stopped cleanly")
		return 0
	}
}

// registerWorkers binds every worker this build knows about, including the
// sample image-resize workers, into the registry the producers and
// scheduler read from.
func registerWorkers(ctx context.Context, cfg config.Config, reg *registry.Registry) error {
	imgHandler, err := imageresize.New(ctx, imageresize.Config{
		S3Bucket: cfg.ImageResizeBucket,
		S3Region: cfg.AWSRegion,
	})
	if err != nil {
		return fmt.Errorf("init image resize handler: %w", err)
	}

	if err := reg.Register("ImageResize", registry.Worker{
		Process:     imgHandler.Process,
		Queue:       "media",
		MaxAttempts: 10,
	}); err != nil {
		return err
	}

	localHandler := imageresize.NewLocalHandler()
	if err := reg.Register("LocalImageResize", registry.Worker{
		Process:     localHandler.Process,
		Queue:       "media",
		MaxAttempts: 5,
	}); err != nil {
		return err
	}

	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

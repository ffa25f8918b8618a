package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/config"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/conflict"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/discovery"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/events"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/logging"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/payload"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/progress"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/queue"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/retry"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/server"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/store"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/wifisync"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.ServerVersion == "dev" {
		cfg.ServerVersion = Version
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("wms-sync starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	bus := events.NewBus()
	defer bus.Close()

	resolver := conflict.NewResolver()
	endpoints := payload.NewEndpoints(db, resolver, logger, cfg.ServerVersion)

	retries := retry.NewManager(bus, logging.Component(logger, "retry"))
	if cfg.RetryPolicyFile != "" {
		if err := retries.ApplyPolicyFile(cfg.RetryPolicyFile); err != nil {
			return fmt.Errorf("loading retry policies: %w", err)
		}
	}

	tracker := progress.NewTracker(logging.Component(logger, "progress"))

	svc := wifisync.NewService(
		logging.Component(logger, "wifisync"),
		bus,
		endpoints,
		cfg.HeartbeatTimeout,
		cfg.ServerCapabilities,
		"/sync",
	)
	jobs := queue.NewManager(bus, logging.Component(logger, "queue"), svc, tracker, cfg.MaxConcurrentJobs)
	svc.AttachQueue(jobs)
	svc.AttachRetries(retries)

	disco := discovery.NewService(
		logging.Component(logger, "discovery"),
		bus,
		cfg.ServiceName,
		cfg.DiscoveryPort,
		cfg.ServerVersion,
		strings.Join(cfg.ServerCapabilities, ","),
	)

	retries.Start()
	defer retries.Stop()
	tracker.Start()
	defer tracker.Stop()
	jobs.Start()
	svc.Start()
	defer svc.Stop()

	if err := disco.Start(); err != nil {
		return fmt.Errorf("starting discovery: %w", err)
	}
	defer disco.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RetryPolicyFile != "" {
		g.Go(func() error {
			return retries.WatchPolicyFile(gctx, cfg.RetryPolicyFile, logger)
		})
	}

	httpServer := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Sync:      svc,
			Discovery: disco,
			Retries:   retries,
			Logger:    logger,
			Version:   cfg.ServerVersion,
		}),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// Drain running jobs before the deferred teardown closes the bus.
	if forced := jobs.Stop(); forced > 0 {
		logger.Warn("shutdown forced job cancellations", slog.Int("forced", forced))
	}

	return err
}

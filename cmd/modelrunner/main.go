// Package main is the entrypoint for the tileflow model runner: the queue
// consumer, the worker pools and the status API in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/api"
	"github.com/kiranshivaraju/tileflow/internal/api/handler"
	mw "github.com/kiranshivaraju/tileflow/internal/api/middleware"
	"github.com/kiranshivaraju/tileflow/internal/config"
	"github.com/kiranshivaraju/tileflow/internal/detector"
	"github.com/kiranshivaraju/tileflow/internal/events"
	"github.com/kiranshivaraju/tileflow/internal/imagery"
	"github.com/kiranshivaraju/tileflow/internal/observability"
	"github.com/kiranshivaraju/tileflow/internal/queue"
	"github.com/kiranshivaraju/tileflow/internal/region"
	"github.com/kiranshivaraju/tileflow/internal/runner"
	"github.com/kiranshivaraju/tileflow/internal/staging"
	"github.com/kiranshivaraju/tileflow/internal/store"
	"github.com/kiranshivaraju/tileflow/internal/worker"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("model runner failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "database", cfg.Database.Driver,
		"detector", cfg.Detector.Provider, "cleanup_policy", cfg.Staging.CleanupPolicy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, cfg.Server.Env)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// 3. Record store, migrated
	st, closeStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer closeStore()
	slog.Info("record store ready", "driver", cfg.Database.Driver)

	// 4. Redis: work-item queues, status events, rate limiting
	rdb, err := queue.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()
	visibility := queue.WithVisibilityTimeout(cfg.Redis.VisibilityTimeout)
	images := queue.NewRedisQueue(rdb, cfg.Redis.ImageQueue, visibility)
	regions := queue.NewRedisQueue(rdb, cfg.Redis.RegionQueue, visibility)
	if err := images.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Staging store
	objects, err := staging.NewMinioClient(cfg.Staging)
	if err != nil {
		return fmt.Errorf("create staging client: %w", err)
	}
	if err := objects.EnsureBucket(ctx, cfg.Staging.Bucket); err != nil {
		return fmt.Errorf("ensure staging bucket: %w", err)
	}
	stage := staging.New(objects, staging.Options{
		Bucket:            cfg.Staging.Bucket,
		Prefix:            cfg.Staging.Prefix,
		MaxRetries:        cfg.Staging.MaxRetries,
		RetryBase:         cfg.Staging.RetryBase,
		MissingKeyRetries: cfg.Staging.MissingKeyRetries,
	}, staging.WithLogger(logger))
	policy, err := staging.ParseCleanupPolicy(cfg.Staging.CleanupPolicy)
	if err != nil {
		return err
	}

	// 6. Detectors, selected once
	detectors, err := detector.NewFactory(cfg.Detector, stage.UploadURI)
	if err != nil {
		return fmt.Errorf("create detector factory: %w", err)
	}
	slog.Info("detector factory initialized", "provider", cfg.Detector.Provider)

	// 7. Worker pools
	pub := events.Multi{events.NewLogPublisher(logger), events.NewRedisPublisher(rdb, cfg.Redis.StatusChannel)}
	deps := &worker.Deps{
		Store:     st,
		Detectors: detectors,
		Staging:   stage,
		Cleaner:   staging.NewCleaner(stage, policy),
		Events:    pub,
		Logger:    logger,
		RecordTTL: cfg.Runner.RecordTTL,
	}
	syncPool := worker.NewSyncPool(deps, cfg.Workers.SyncWorkers)
	polling := worker.NewPollingPool(deps, worker.NewPoller(cfg.Polling, logger), cfg.Workers.PollingWorkers)
	submission := worker.NewSubmissionPool(deps, polling, cfg.Workers.SubmissionWorkers)
	// Pools outlive the signal so in-flight tiles reach a terminal state.
	poolCtx := context.WithoutCancel(ctx)
	syncPool.Start(poolCtx)
	polling.Start(poolCtx)
	submission.Start(poolCtx)

	// 8. Runner and reaper
	loader := imagery.NewLoader(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.Detector.Timeout,
	}, stage)
	modelRunner := runner.New(runner.Deps{
		Images:  images,
		Regions: regions,
		Store:   st,
		Handler: region.NewHandler(st, syncPool, submission, pub, logger, cfg.Runner.RecordTTL),
		Opener:  loader,
		Staging: stage,
		Events:  pub,
		Logger:  logger,
	}, runnerOptions(cfg.Runner))
	reaper := runner.NewReaper(st, cfg.Runner.ReaperInterval, logger, images, regions)

	// 9. HTTP API
	router, err := newAPI(cfg.Auth, images, st, queue.NewRedisCounter(rdb), map[string]handler.Pinger{
		"database": st,
		"queue":    images,
	})
	if err != nil {
		return err
	}
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return modelRunner.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Submission hands tiles to polling, so it stops first.
	submission.Stop()
	polling.Stop()
	syncPool.Stop()
	slog.Info("worker pools stopped",
		"sync_processed", syncPool.Processed(), "sync_failed", syncPool.Failed(),
		"submission_failed", submission.Failed(), "async_succeeded", polling.Succeeded(),
		"async_failed", polling.Failed(), "async_timed_out", polling.TimedOut())

	if err != nil {
		return err
	}
	slog.Info("model runner stopped gracefully")
	return nil
}

func runnerOptions(cfg config.RunnerConfig) runner.Options {
	return runner.Options{
		RegionSize:  models.Size{Width: cfg.RegionWidth, Height: cfg.RegionHeight},
		RecordTTL:   cfg.RecordTTL,
		ReceiveWait: cfg.ReceiveWait,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// newAPI wires the status and submission API.
func newAPI(cfg config.AuthConfig, q handler.Sender, records handler.Records, counter queue.Counter, checks map[string]handler.Pinger) (http.Handler, error) {
	keys, err := mw.ParseKeys(cfg.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("parse API_KEYS: %w", err)
	}
	if len(keys) == 0 {
		slog.Warn("no API keys configured; every authenticated endpoint will answer 401")
	}

	images := handler.NewImages(q, records)
	return api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(keys),
		RateLimit:     mw.NewRateLimit(counter, cfg.RateLimitPerMin),
		HealthHandler: handler.NewHealthHandler(checks),
		SubmitImage:   images.Submit,
		GetImage:      images.Get,
		ListRegions:   images.Regions,
		ListTiles:     images.Tiles,
	}), nil
}

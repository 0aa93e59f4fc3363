// Package app assembles the kernel from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/coldbrook/crawlgate/internal/breaker"
	"github.com/coldbrook/crawlgate/internal/clock/system"
	"github.com/coldbrook/crawlgate/internal/config"
	"github.com/coldbrook/crawlgate/internal/density"
	"github.com/coldbrook/crawlgate/internal/dispatch"
	"github.com/coldbrook/crawlgate/internal/fetch"
	"github.com/coldbrook/crawlgate/internal/governor"
	"github.com/coldbrook/crawlgate/internal/headless"
	"github.com/coldbrook/crawlgate/internal/identity"
	"github.com/coldbrook/crawlgate/internal/kernel"
	"github.com/coldbrook/crawlgate/internal/memguard"
	"github.com/coldbrook/crawlgate/internal/ops"
	"github.com/coldbrook/crawlgate/internal/proxy"
	"github.com/coldbrook/crawlgate/internal/robots"
	"github.com/coldbrook/crawlgate/internal/telemetry"
	"github.com/coldbrook/crawlgate/internal/telemetry/sinks"
)

// taskQueueDepth bounds HTTP ingest; the frontier should back off on 408s.
const taskQueueDepth = 1024

// App owns every long-lived component of the kernel.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	hub      *telemetry.Hub
	gate     *memguard.Gate
	gov      *governor.Governor
	renderer *headless.Renderer
	disp     *dispatch.Dispatcher
	opsSrv   *ops.Server
	tasks    chan kernel.CrawlTask
	results  chan kernel.FetchResult
}

// New wires the kernel together. Construction is fail-fast: any invalid
// dependency aborts startup.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	clk := system.New()

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	hub := telemetry.NewHub(telemetry.Config{Logger: logger.Named("telemetry")},
		promSink,
		sinks.NewLogSink(logger.Named("events")),
	)

	gate := memguard.New(memguard.Config{
		HighWater:      cfg.Memory.HighWater,
		LowWater:       cfg.Memory.LowWater,
		SampleInterval: time.Duration(cfg.Memory.SampleInterval) * time.Second,
	}, logger.Named("memguard"), memguard.WithPauseHook(func(paused bool, _ float64) {
		hub.Emit(telemetry.Event{TS: clk.Now(), Kind: telemetry.KindMemoryPause, Paused: paused})
	}))

	pool, err := identity.NewPool(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("init identity pool: %w", err)
	}
	director := proxy.NewDirector(cfg.Proxy.DatacenterEndpoints, cfg.Proxy.ResidentialEndpoints)

	var robotsClient *robots.Client
	if cfg.Robots.Respect {
		robotsClient = robots.NewClient(
			cfg.Robots.UserAgent,
			time.Duration(cfg.Robots.TimeoutSeconds)*time.Second,
			logger.Named("robots"),
		)
	}

	gov := governor.New(governor.Config{
		Breaker: breakerConfig(cfg.Breaker),
		Ladder: proxy.Config{
			EscalateAfter:   cfg.Proxy.EscalateAfter,
			DeescalateAfter: cfg.Proxy.DeescalateAfter,
			ExhaustAfter:    cfg.Proxy.ExhaustAfter,
			FailureWindow:   time.Duration(cfg.Proxy.FailureWindow) * time.Second,
		},
		DefaultDelay:       time.Duration(cfg.RateLimit.DefaultDelayMs) * time.Millisecond,
		Burst:              cfg.RateLimit.Burst,
		SlowPathMultiplier: cfg.RateLimit.SlowPathMultiplier,
		MinBodyBytes:       cfg.FastPath.MinBodyBytes,
		RespectRobots:      cfg.Robots.Respect,
	}, clk, robotsClient, hub, logger.Named("governor"))

	detector, err := fetch.NewBanDetector(cfg.SoftBan.TitlePattern, cfg.SoftBan.BodySignatures)
	if err != nil {
		return nil, fmt.Errorf("init ban detector: %w", err)
	}
	fast := fetch.NewFastClient(fetch.Config{Timeout: cfg.FastTimeout()},
		pool, director, detector, logger.Named("fast"))

	var (
		renderer *headless.Renderer
		slow     dispatch.Renderer
	)
	if cfg.SlowPath.Enabled {
		renderer, err = headless.NewRenderer(headless.Config{
			MaxParallel:       cfg.SlowPath.MaxParallel,
			NavigationTimeout: cfg.SlowTimeout(),
		}, pool, director, detector, logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("init headless renderer: %w", err)
		}
		slow = renderer
	}

	router := density.NewRouter(cfg.Density.Threshold)
	disp := dispatch.New(
		dispatch.Config{Concurrency: cfg.Dispatch.Concurrency},
		gate, gov, fast, slow, router, hub, clk, logger.Named("dispatch"),
	)

	tasks := make(chan kernel.CrawlTask, taskQueueDepth)
	opsSrv := ops.NewServer(gov, gate, registry, tasks, logger.Named("ops"))

	return &App{
		cfg:      cfg,
		logger:   logger,
		hub:      hub,
		gate:     gate,
		gov:      gov,
		renderer: renderer,
		disp:     disp,
		opsSrv:   opsSrv,
		tasks:    tasks,
		results:  make(chan kernel.FetchResult, taskQueueDepth),
	}, nil
}

// Tasks returns the ingest channel for embedding the kernel in a larger
// process instead of driving it over HTTP.
func (a *App) Tasks() chan<- kernel.CrawlTask {
	return a.tasks
}

// Results returns the completed-fetch stream consumed by extraction.
func (a *App) Results() <-chan kernel.FetchResult {
	return a.results
}

// Run starts the memory sampler, the worker pool, and the ops server, then
// blocks until the context finishes or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.gate.Start(ctx)

	// Results must drain even with no downstream attached yet.
	go func() {
		for range a.results {
		}
	}()

	dispatchDone := make(chan error, 1)
	go func() {
		a.logger.Info("dispatch pool started", zap.Int("concurrency", a.cfg.Dispatch.Concurrency))
		dispatchDone <- a.disp.Run(ctx, a.tasks, a.results)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Ops.Port),
		Handler:           a.opsSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("ops server started", zap.Int("port", a.cfg.Ops.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("ops server shutdown error", zap.Error(err))
	}

	close(a.tasks)
	if err := <-dispatchDone; err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("dispatch pool exited with error", zap.Error(err))
	}
	close(a.results)

	a.gate.Stop()
	if a.renderer != nil {
		a.renderer.Close()
	}
	if err := a.hub.Close(shutdownCtx); err != nil {
		a.logger.Warn("telemetry hub close", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func breakerConfig(cfg config.BreakerConfig) breaker.Config {
	return breaker.Config{
		WindowSize:       cfg.WindowSize,
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         time.Duration(cfg.CooldownSeconds) * time.Second,
		BackoffFactor:    cfg.BackoffFactor,
		MaxCooldown:      time.Duration(cfg.MaxCooldownSec) * time.Second,
	}
}

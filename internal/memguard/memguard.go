// Package memguard implements the global memory-adaptive admission gate.
//
// A background sampler reads system memory usage on a fixed interval and
// flips a single paused flag with hysteresis: admission pauses when usage
// reaches the high-water mark and resumes only once usage falls to the
// low-water mark. Running tasks are never cancelled; only new admission is
// blocked.
package memguard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// UsageFunc reports current memory usage as a fraction of total. Injectable
// for tests; the default reads gopsutil virtual memory.
type UsageFunc func() (float64, error)

func systemUsage() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	if vm.Total == 0 {
		return 0, nil
	}
	return float64(vm.Used) / float64(vm.Total), nil
}

// Config tunes the gate.
type Config struct {
	HighWater      float64
	LowWater       float64
	SampleInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HighWater <= 0 {
		c.HighWater = 0.90
	}
	if c.LowWater <= 0 {
		c.LowWater = 0.75
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	return c
}

// Gate is the process-wide admission gate. Admit is a single atomic read, so
// every worker can consult it on the hot path.
type Gate struct {
	cfg    Config
	usage  UsageFunc
	logger *zap.Logger

	paused  atomic.Bool
	onPause func(paused bool, usage float64)

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customizes a Gate.
type Option func(*Gate)

// WithUsageFunc overrides how memory usage is read.
func WithUsageFunc(fn UsageFunc) Option {
	return func(g *Gate) { g.usage = fn }
}

// WithPauseHook registers a callback invoked on every pause/resume flip,
// used to emit telemetry.
func WithPauseHook(fn func(paused bool, usage float64)) Option {
	return func(g *Gate) { g.onPause = fn }
}

// New builds a Gate. Call Start to begin sampling.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		cfg:    cfg.withDefaults(),
		usage:  systemUsage,
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit reports whether new tasks may enter. It never blocks.
func (g *Gate) Admit() bool {
	return !g.paused.Load()
}

// Paused exposes the raw flag for the ops surface.
func (g *Gate) Paused() bool {
	return g.paused.Load()
}

// Start launches the background sampler. Safe to call once; subsequent calls
// are no-ops.
func (g *Gate) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		ctx, g.cancel = context.WithCancel(ctx)
		go g.run(ctx)
	})
}

// Stop terminates the sampler and waits for it to exit.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
			<-g.done
		}
	})
}

func (g *Gate) run(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()

	g.logger.Info("memory gate sampling",
		zap.Float64("high_water", g.cfg.HighWater),
		zap.Float64("low_water", g.cfg.LowWater),
		zap.Duration("interval", g.cfg.SampleInterval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

// Sample reads usage once and applies the hysteresis transition. Exported so
// tests can drive the gate without the ticker.
func (g *Gate) Sample() {
	g.sample()
}

func (g *Gate) sample() {
	usage, err := g.usage()
	if err != nil {
		g.logger.Warn("memory sample failed", zap.Error(err))
		return
	}
	paused := g.paused.Load()
	switch {
	case !paused && usage >= g.cfg.HighWater:
		g.paused.Store(true)
		g.logger.Warn("admission paused on memory pressure",
			zap.Float64("usage", usage), zap.Float64("high_water", g.cfg.HighWater))
		if g.onPause != nil {
			g.onPause(true, usage)
		}
	case paused && usage <= g.cfg.LowWater:
		g.paused.Store(false)
		g.logger.Info("admission resumed",
			zap.Float64("usage", usage), zap.Float64("low_water", g.cfg.LowWater))
		if g.onPause != nil {
			g.onPause(false, usage)
		}
	}
}

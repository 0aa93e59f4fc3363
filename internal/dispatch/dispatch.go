// Package dispatch implements the task execution pipeline: global memory
// gate, per-domain admission, fast fetch, density routing, optional headless
// render, and outcome reporting back into governance.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldbrook/crawlgate/internal/density"
	"github.com/coldbrook/crawlgate/internal/governor"
	"github.com/coldbrook/crawlgate/internal/kernel"
	"github.com/coldbrook/crawlgate/internal/memguard"
	"github.com/coldbrook/crawlgate/internal/telemetry"
)

// Fetcher is the fast path contract.
type Fetcher interface {
	Fetch(task kernel.CrawlTask, tier kernel.ProxyTier, minBytes int) kernel.FetchResult
}

// Renderer is the slow path contract. A nil Renderer disables headless
// promotion entirely.
type Renderer interface {
	Render(ctx context.Context, task kernel.CrawlTask, tier kernel.ProxyTier, minBytes int) kernel.FetchResult
}

// Config controls the dispatcher.
type Config struct {
	// Concurrency is the worker pool size for Run.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	return c
}

// Dispatcher drives tasks through the full fetch pipeline. Safe for
// concurrent use.
type Dispatcher struct {
	cfg     Config
	gate    *memguard.Gate
	gov     *governor.Governor
	fast    Fetcher
	slow    Renderer
	router  *density.Router
	emitter telemetry.Emitter
	clock   kernel.Clock
	logger  *zap.Logger
}

// New constructs a Dispatcher. slow may be nil; emitter may be nil.
func New(
	cfg Config,
	gate *memguard.Gate,
	gov *governor.Governor,
	fast Fetcher,
	slow Renderer,
	router *density.Router,
	emitter telemetry.Emitter,
	clock kernel.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg.withDefaults(),
		gate:    gate,
		gov:     gov,
		fast:    fast,
		slow:    slow,
		router:  router,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
	}
}

// Process runs one task through the pipeline. It returns the fetch result, or
// a *kernel.Rejection error when the task was never dispatched. Rejected
// tasks belong back in the frontier; they are not domain failures.
func (d *Dispatcher) Process(ctx context.Context, task kernel.CrawlTask) (kernel.FetchResult, error) {
	if d.gate != nil && !d.gate.Admit() {
		rej := kernel.Rejected(kernel.RejectGloballyPaused, task.Domain)
		d.emit(telemetry.Event{
			TS: d.clock.Now(), Kind: telemetry.KindAdmissionDrop,
			Domain: task.Domain, Reject: rej.Reason,
		})
		return kernel.FetchResult{}, rej
	}

	adm, err := d.gov.Admit(ctx, task)
	if err != nil {
		return kernel.FetchResult{}, err
	}

	minBytes := d.gov.MinPlausibleBytes(task.Domain)
	res := d.fast.Fetch(task, adm.Tier, minBytes)

	if promoted, ok := d.maybeRender(ctx, task, adm.Tier, minBytes, res); ok {
		res = promoted
	}

	d.gov.Report(res)
	d.emit(telemetry.Event{
		TS: d.clock.Now(), Kind: telemetry.KindTaskOutcome,
		Domain: task.Domain, URL: task.URL,
		Outcome: res.Outcome, Tier: res.Tier,
		Bytes: res.Bytes, Dur: res.Elapsed, Headless: res.UsedHeadless,
	})
	d.logOutcome(res)
	return res, nil
}

// maybeRender promotes a thin but otherwise successful fast result to the
// headless path. The render owes the domain an extra politeness pause on top
// of the token already spent at admission.
func (d *Dispatcher) maybeRender(
	ctx context.Context,
	task kernel.CrawlTask,
	tier kernel.ProxyTier,
	minBytes int,
	res kernel.FetchResult,
) (kernel.FetchResult, bool) {
	if d.slow == nil || d.router == nil || res.Outcome != kernel.OutcomeSuccess {
		return res, false
	}
	if !d.router.ShouldEscalate(res.Body) {
		return res, false
	}

	d.logger.Debug("promoting to headless render",
		zap.String("url", task.URL),
		zap.String("domain", task.Domain))
	if pause := d.gov.SlowPathPause(task.Domain); pause > 0 {
		if err := sleepCtx(ctx, pause); err != nil {
			return res, false
		}
	}
	rendered := d.slow.Render(ctx, task, tier, minBytes)
	return rendered, true
}

// Run consumes tasks until the channel closes or ctx is canceled. Completed
// results go to results; rejected tasks are logged and dropped, since retry
// scheduling belongs to the frontier.
func (d *Dispatcher) Run(ctx context.Context, tasks <-chan kernel.CrawlTask, results chan<- kernel.FetchResult) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case task, ok := <-tasks:
					if !ok {
						return nil
					}
					res, err := d.Process(ctx, task)
					if err != nil {
						d.logRejection(task, err)
						continue
					}
					select {
					case results <- res:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) logRejection(task kernel.CrawlTask, err error) {
	rej, ok := kernel.AsRejection(err)
	if !ok {
		d.logger.Error("task failed without classification",
			zap.String("url", task.URL), zap.Error(err))
		return
	}
	d.logger.Debug("task rejected at admission",
		zap.String("url", task.URL),
		zap.String("domain", rej.Domain),
		zap.String("reason", string(rej.Reason)),
		zap.Duration("retry_after", rej.RetryAfter))
}

func (d *Dispatcher) logOutcome(res kernel.FetchResult) {
	fields := []zap.Field{
		zap.String("url", res.Task.URL),
		zap.String("domain", res.Task.Domain),
		zap.String("outcome", res.Outcome.String()),
		zap.String("tier", res.Tier.String()),
		zap.Int("status", res.StatusCode),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("elapsed", res.Elapsed),
		zap.Bool("headless", res.UsedHeadless),
	}
	switch res.Outcome {
	case kernel.OutcomeSuccess:
		d.logger.Debug("task fetched", fields...)
	case kernel.OutcomeSoftBan:
		fields = append(fields, zap.String("signature", res.BanSignature))
		d.logger.Warn("soft ban detected", fields...)
	default:
		fields = append(fields, zap.String("kind", string(res.ErrorKind)))
		d.logger.Info("task failed", fields...)
	}
}

func (d *Dispatcher) emit(evt telemetry.Event) {
	if d.emitter != nil {
		d.emitter.Emit(evt)
	}
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

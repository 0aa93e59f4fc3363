// Package governor owns the per-domain governance state: the circuit
// breaker, the politeness bucket, the proxy escalation ladder, and the
// cached robots rules. All decisions about one domain happen inside a
// single critical section, so check-then-act sequences such as
// breaker-admit-then-token can never interleave between workers.
package governor

import (
	"context"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coldbrook/crawlgate/internal/breaker"
	"github.com/coldbrook/crawlgate/internal/kernel"
	"github.com/coldbrook/crawlgate/internal/proxy"
	"github.com/coldbrook/crawlgate/internal/ratelimit"
	"github.com/coldbrook/crawlgate/internal/robots"
	"github.com/coldbrook/crawlgate/internal/telemetry"
)

// Config tunes the per-domain governance machinery.
type Config struct {
	Breaker breaker.Config
	Ladder  proxy.Config
	// DefaultDelay is the politeness delay used until robots.txt supplies a
	// crawl-delay for the domain.
	DefaultDelay time.Duration
	// Burst is the token bucket capacity.
	Burst int
	// SlowPathMultiplier scales the politeness delay for headless fetches.
	SlowPathMultiplier int
	// MinBodyBytes is the floor below which a 200 response is treated as
	// suspicious regardless of the domain's history.
	MinBodyBytes int
	// RespectRobots disables robots.txt consultation entirely when false.
	RespectRobots bool
}

func (c Config) withDefaults() Config {
	if c.DefaultDelay <= 0 {
		c.DefaultDelay = time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.SlowPathMultiplier <= 0 {
		c.SlowPathMultiplier = 2
	}
	if c.MinBodyBytes <= 0 {
		c.MinBodyBytes = 500
	}
	return c
}

// Admission is the verdict for an admitted task.
type Admission struct {
	// Tier is the egress tier the fetch must use.
	Tier kernel.ProxyTier
	// Probe marks a half-open breaker probe; the caller must report its
	// outcome or the domain stays blocked until the cooldown recycles.
	Probe bool
}

// bodyEWMASamples is the minimum sample count before the rolling body-size
// average participates in anomaly detection.
const bodyEWMASamples = 5

type domainState struct {
	mu sync.Mutex

	domain string
	brk    *breaker.Breaker
	ladder *proxy.Ladder
	bucket *ratelimit.Bucket

	rules      *robots.Rules
	rulesReady bool

	bodyEWMA float64
	bodyN    int
}

// Governor hands out admission verdicts and absorbs fetch outcomes for every
// domain the kernel has seen. Safe for concurrent use.
type Governor struct {
	cfg     Config
	clock   kernel.Clock
	robots  *robots.Client
	emitter telemetry.Emitter
	logger  *zap.Logger

	mu      sync.Mutex
	domains map[string]*domainState
}

// New builds a Governor. robotsClient may be nil when robots handling is
// disabled in cfg; emitter may be nil to disable telemetry.
func New(cfg Config, clock kernel.Clock, robotsClient *robots.Client, emitter telemetry.Emitter, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		robots:  robotsClient,
		emitter: emitter,
		logger:  logger,
		domains: make(map[string]*domainState),
	}
}

func (g *Governor) state(domain string) *domainState {
	g.mu.Lock()
	defer g.mu.Unlock()
	ds, ok := g.domains[domain]
	if !ok {
		ds = &domainState{
			domain: domain,
			brk:    breaker.New(g.cfg.Breaker),
			ladder: proxy.NewLadder(g.cfg.Ladder),
			bucket: ratelimit.NewBucket(g.cfg.DefaultDelay, g.cfg.Burst),
		}
		g.domains[domain] = ds
	}
	return ds
}

// Admit decides whether task may be dispatched right now. A nil error means
// go: the returned Admission carries the egress tier. A *kernel.Rejection
// error explains why the task must go back to the frontier.
func (g *Governor) Admit(ctx context.Context, task kernel.CrawlTask) (Admission, error) {
	ds := g.state(task.Domain)
	g.ensureRules(ctx, ds)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	now := g.clock.Now()

	if ds.ladder.Exhausted(now) {
		return Admission{}, g.reject(kernel.Rejected(kernel.RejectDomainExhausted, task.Domain), now)
	}
	if ds.rules != nil && !ds.rules.Allowed(taskPath(task)) {
		return Admission{}, g.reject(kernel.Rejected(kernel.RejectRobotsDisallowed, task.Domain), now)
	}

	before := ds.brk.State(now)
	if !ds.brk.Admit(now) {
		rej := kernel.Rejected(kernel.RejectCircuitOpen, task.Domain)
		if at := ds.brk.RetryAt(); !at.IsZero() && at.After(now) {
			rej.RetryAfter = at.Sub(now)
		}
		return Admission{}, g.reject(rej, now)
	}
	probe := before == breaker.HalfOpen

	dec := ds.bucket.TryAcquire(now)
	if !dec.Allowed {
		ds.brk.CancelProbe()
		return Admission{}, g.reject(kernel.Deferred(task.Domain, dec.RetryAfter), now)
	}

	return Admission{Tier: ds.ladder.Tier(), Probe: probe}, nil
}

// Report absorbs a fetch outcome, feeding the breaker and the ladder. It must
// be called exactly once per admitted task.
func (g *Governor) Report(res kernel.FetchResult) {
	ds := g.state(res.Task.Domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	now := g.clock.Now()

	tierBefore := ds.ladder.Tier()
	brkBefore := ds.brk.State(now)
	ds.brk.Report(now, res.Outcome == kernel.OutcomeSuccess)
	brkAfter := ds.brk.State(now)

	switch res.Outcome {
	case kernel.OutcomeSuccess:
		ds.ladder.ReportSuccess(now)
		g.observeBody(ds, res.Bytes)
	case kernel.OutcomeSoftBan:
		_, exhausted := ds.ladder.ReportBan(now)
		if exhausted {
			g.logger.Warn("domain exhausted at terminal tier",
				zap.String("domain", ds.domain),
				zap.String("signature", res.BanSignature))
		}
	case kernel.OutcomeHardError, kernel.OutcomeTimeout:
		// Transport trouble feeds the breaker above but never the ladder;
		// proxies cannot fix a dead origin.
		ds.ladder.ReportHardError(now)
	}

	tierAfter := ds.ladder.Tier()
	if tierAfter != tierBefore {
		g.logger.Info("proxy tier changed",
			zap.String("domain", ds.domain),
			zap.String("from", tierBefore.String()),
			zap.String("to", tierAfter.String()))
		g.emit(telemetry.Event{
			TS: now, Kind: telemetry.KindTierChange,
			Domain: ds.domain, Tier: tierAfter,
		})
	}
	if brkAfter != brkBefore {
		g.emit(telemetry.Event{
			TS: now, Kind: telemetry.KindBreakerChange,
			Domain: ds.domain, Tier: tierAfter,
			From: brkBefore.String(), To: brkAfter.String(),
		})
	}
}

// Delay returns the politeness delay currently in force for domain.
func (g *Governor) Delay(domain string) time.Duration {
	ds := g.state(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.bucket.Delay()
}

// SlowPathPause returns the extra wait a headless fetch owes the domain on
// top of the token already spent at admission.
func (g *Governor) SlowPathPause(domain string) time.Duration {
	return g.Delay(domain) * time.Duration(g.cfg.SlowPathMultiplier-1)
}

// MinPlausibleBytes returns the body size below which a 200 response from
// domain should be treated as a disguised ban. Until enough successes have
// been observed it falls back to the configured floor.
func (g *Governor) MinPlausibleBytes(domain string) int {
	ds := g.state(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	floor := g.cfg.MinBodyBytes
	if ds.bodyN >= bodyEWMASamples {
		if adaptive := int(ds.bodyEWMA / 4); adaptive > floor {
			return adaptive
		}
	}
	return floor
}

func (g *Governor) ensureRules(ctx context.Context, ds *domainState) {
	if !g.cfg.RespectRobots || g.robots == nil {
		return
	}
	ds.mu.Lock()
	ready := ds.rulesReady
	ds.mu.Unlock()
	if ready {
		return
	}

	// Fetched outside the domain lock; robots.txt retrieval is network I/O.
	rules := g.robots.Rules(ctx, ds.domain)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.rulesReady {
		return
	}
	ds.rules = rules
	ds.rulesReady = true
	if rules != nil {
		if cd := rules.CrawlDelay(); cd > g.cfg.DefaultDelay {
			ds.bucket.SetDelay(g.clock.Now(), cd)
			g.logger.Debug("applying robots crawl-delay",
				zap.String("domain", ds.domain),
				zap.Duration("delay", cd))
		}
	}
}

func (g *Governor) observeBody(ds *domainState, size int64) {
	if size <= 0 {
		return
	}
	if ds.bodyN == 0 {
		ds.bodyEWMA = float64(size)
	} else {
		const alpha = 0.2
		ds.bodyEWMA = alpha*float64(size) + (1-alpha)*ds.bodyEWMA
	}
	ds.bodyN++
}

func (g *Governor) reject(rej *kernel.Rejection, now time.Time) error {
	g.emit(telemetry.Event{
		TS: now, Kind: telemetry.KindAdmissionDrop,
		Domain: rej.Domain, Reject: rej.Reason,
	})
	return rej
}

func (g *Governor) emit(evt telemetry.Event) {
	if g.emitter != nil {
		g.emitter.Emit(evt)
	}
}

func taskPath(task kernel.CrawlTask) string {
	u, err := url.Parse(task.URL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

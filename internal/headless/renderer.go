// Package headless implements the slow fetch path: a headless Chrome render
// for script-dependent pages that the fast path cannot see through.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/coldbrook/crawlgate/internal/fetch"
	"github.com/coldbrook/crawlgate/internal/identity"
	"github.com/coldbrook/crawlgate/internal/kernel"
	"github.com/coldbrook/crawlgate/internal/proxy"
)

// Config controls the renderer.
type Config struct {
	// MaxParallel caps concurrent browser contexts. Zero means unlimited.
	MaxParallel int
	// NavigationTimeout bounds a single render.
	NavigationTimeout time.Duration
	// SettleDelay is the post-ready pause that lets late scripts mutate the
	// DOM before capture.
	SettleDelay time.Duration
}

// Renderer fetches pages with headless Chrome. Safe for concurrent use; a
// slot limiter bounds browser contexts.
type Renderer struct {
	cfg         Config
	identities  *identity.Pool
	director    *proxy.Director
	detector    *fetch.BanDetector
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewRenderer starts a shared Chrome exec allocator for direct egress.
// Proxied renders get their own allocator per call.
func NewRenderer(cfg Config, pool *identity.Pool, director *proxy.Director, detector *fetch.BanDetector, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts("")...)
	return &Renderer{
		cfg:         cfg,
		identities:  pool,
		director:    director,
		detector:    detector,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the shared allocator.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates task.URL in a headless browser over the given tier and
// returns the fully rendered DOM. The returned result always carries an
// Outcome; render failures are classified, never propagated.
func (r *Renderer) Render(ctx context.Context, task kernel.CrawlTask, tier kernel.ProxyTier, minBytes int) kernel.FetchResult {
	profile := r.identities.Select(task.Domain)
	res := kernel.FetchResult{
		Task:         task,
		Tier:         tier,
		Identity:     profile.Name,
		UsedHeadless: true,
	}

	if err := r.acquire(ctx); err != nil {
		res.Outcome = kernel.OutcomeTimeout
		return res
	}
	defer r.release()

	parent := r.allocator
	if endpoint := r.director.Endpoint(tier); endpoint != "" {
		allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOpts(endpoint)...)
		defer allocCancel()
		parent = allocCtx
	}

	taskCtx, taskCancel := chromedp.NewContext(parent)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, err := r.runBrowser(taskCtx, task.URL, profile)
	res.Elapsed = time.Since(start)
	if err != nil {
		if ctxErr := taskCtx.Err(); ctxErr != nil {
			res.Outcome = kernel.OutcomeTimeout
		} else {
			res.Outcome = kernel.OutcomeHardError
			res.ErrorKind = kernel.ErrKindOther
		}
		r.logger.Debug("headless render failed",
			zap.String("url", task.URL),
			zap.String("outcome", res.Outcome.String()),
			zap.Error(err))
		return res
	}

	status, headers := meta.snapshotWithFallbacks()
	res.StatusCode = status
	res.Headers = headers
	res.Body = []byte(html)
	res.Bytes = int64(len(res.Body))

	if sig, banned := r.detector.Detect(status, headers, res.Body, minBytes); banned {
		res.Outcome = kernel.OutcomeSoftBan
		res.BanSignature = sig
		return res
	}
	if status < 200 || status >= 300 {
		res.Outcome = kernel.OutcomeHardError
		res.ErrorKind = kernel.ErrKindHTTPStatus
		return res
	}
	res.Outcome = kernel.OutcomeSuccess
	return res
}

func (r *Renderer) runBrowser(ctx context.Context, url string, profile identity.Profile) (string, error) {
	var html string
	actions := []chromedp.Action{
		networkSetup(profile),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func networkSetup(profile identity.Profile) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(profile.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		hdr := http.Header{}
		profile.Apply(hdr)
		hdr.Del("User-Agent")
		if len(hdr) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(hdr)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func allocatorOpts(proxyEndpoint string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if proxyEndpoint != "" {
		opts = append(opts, chromedp.ProxyServer(proxyEndpoint))
	}
	return opts
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks() (int, http.Header) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(http.Header, len(m.headers))
	for k, values := range m.headers {
		for _, v := range values {
			headers.Add(k, v)
		}
	}
	return status, headers
}

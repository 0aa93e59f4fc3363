// Package fetch implements the plain-HTTP fast path. It fronts gocolly with
// identity application, per-tier proxy routing, and outcome classification so
// every attempt comes back as a single FetchResult the governor can consume.
package fetch

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/coldbrook/crawlgate/internal/identity"
	"github.com/coldbrook/crawlgate/internal/kernel"
	"github.com/coldbrook/crawlgate/internal/proxy"
)

// Config controls fast-path collector behavior.
type Config struct {
	// Timeout bounds one attempt end to end.
	Timeout time.Duration
	// MaxBodyBytes caps the response body read. Zero means colly's default.
	MaxBodyBytes int
}

// FastClient executes single-page HTTP fetches through colly. Safe for
// concurrent use; each fetch clones the base collector.
type FastClient struct {
	cfg        Config
	identities *identity.Pool
	director   *proxy.Director
	detector   *BanDetector
	logger     *zap.Logger
	base       *colly.Collector
}

// NewFastClient builds the fast path.
func NewFastClient(cfg Config, pool *identity.Pool, director *proxy.Director, detector *BanDetector, logger *zap.Logger) *FastClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true // admission already consulted robots.txt
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	return &FastClient{
		cfg:        cfg,
		identities: pool,
		director:   director,
		detector:   detector,
		logger:     logger,
		base:       c,
	}
}

// Fetch runs one attempt against task.URL using the given egress tier.
// minBytes is the plausibility floor for the domain's body size. The returned
// result always carries an Outcome; transport errors are classified, never
// propagated.
func (c *FastClient) Fetch(task kernel.CrawlTask, tier kernel.ProxyTier, minBytes int) kernel.FetchResult {
	profile := c.identities.Select(task.Domain)
	res := kernel.FetchResult{
		Task:     task,
		Tier:     tier,
		Identity: profile.Name,
	}

	collector := c.base.Clone()
	collector.UserAgent = profile.UserAgent
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(newTransport())
	if endpoint := c.director.Endpoint(tier); endpoint != "" {
		if err := collector.SetProxy(endpoint); err != nil {
			c.logger.Error("proxy endpoint rejected, using direct egress",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
	}

	var (
		gotResponse bool
		fetchErr    error
	)
	collector.OnRequest(func(r *colly.Request) {
		profile.Apply(*r.Headers)
	})
	collector.OnResponse(func(r *colly.Response) {
		gotResponse = true
		res.StatusCode = r.StatusCode
		res.Headers = r.Headers.Clone()
		res.Body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode > 0 {
			gotResponse = true
			res.StatusCode = r.StatusCode
			if r.Headers != nil {
				res.Headers = r.Headers.Clone()
			}
			res.Body = append([]byte(nil), r.Body...)
		}
	})

	start := time.Now()
	visitErr := collector.Visit(task.URL)
	res.Elapsed = time.Since(start)
	res.Bytes = int64(len(res.Body))

	if !gotResponse {
		err := fetchErr
		if err == nil {
			err = visitErr
		}
		if err == nil {
			err = fmt.Errorf("no response for %s", task.URL)
		}
		res.Outcome, res.ErrorKind = classifyErr(err)
		c.logger.Debug("fast fetch failed",
			zap.String("url", task.URL),
			zap.String("outcome", res.Outcome.String()),
			zap.String("kind", string(res.ErrorKind)),
			zap.Error(err))
		return res
	}

	if sig, banned := c.detector.Detect(res.StatusCode, res.Headers, res.Body, minBytes); banned {
		res.Outcome = kernel.OutcomeSoftBan
		res.BanSignature = sig
		return res
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		res.Outcome = kernel.OutcomeHardError
		res.ErrorKind = kernel.ErrKindHTTPStatus
		return res
	}
	res.Outcome = kernel.OutcomeSuccess
	return res
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

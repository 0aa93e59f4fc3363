// Package robots fetches and caches per-domain robots.txt rules. The rules
// feed the rate limiter (crawl-delay) and admission (disallow) before the
// first dispatch to a domain.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBytes = 512 * 1024

// Rules is the parsed policy for one domain.
type Rules struct {
	group      *robotstxt.Group
	crawlDelay time.Duration
}

// Allowed reports whether the path may be crawled. A nil group (fetch failed
// or no robots.txt) allows everything.
func (r *Rules) Allowed(path string) bool {
	if r == nil || r.group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return r.group.Test(path)
}

// CrawlDelay returns the robots-declared delay, or 0 when unset.
func (r *Rules) CrawlDelay() time.Duration {
	if r == nil {
		return 0
	}
	return r.crawlDelay
}

// Client fetches robots.txt once per domain and caches the outcome for the
// process lifetime. Fetch failures degrade to allow-all rather than blocking
// the crawl, mirroring how an unreachable robots.txt is conventionally
// treated.
type Client struct {
	http      *http.Client
	userAgent string
	scheme    string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*Rules
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithScheme overrides the https default, for plain-HTTP test servers.
func WithScheme(scheme string) Option {
	return func(c *Client) { c.scheme = scheme }
}

// NewClient builds a robots client.
func NewClient(userAgent string, timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http:      &http.Client{Timeout: timeout},
		userAgent: userAgent,
		scheme:    "https",
		logger:    logger,
		cache:     make(map[string]*Rules),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rules returns the cached rules for domain, fetching them on first use.
func (c *Client) Rules(ctx context.Context, domain string) *Rules {
	c.mu.Lock()
	if r, ok := c.cache[domain]; ok {
		c.mu.Unlock()
		return r
	}
	c.mu.Unlock()

	r := c.fetch(ctx, domain)

	c.mu.Lock()
	// A concurrent fetch may have won; first write wins to keep the cache
	// stable for the process lifetime.
	if cached, ok := c.cache[domain]; ok {
		r = cached
	} else {
		c.cache[domain] = r
	}
	c.mu.Unlock()
	return r
}

func (c *Client) fetch(ctx context.Context, domain string) *Rules {
	url := fmt.Sprintf("%s://%s/robots.txt", c.scheme, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Debug("robots request build failed", zap.String("domain", domain), zap.Error(err))
		return &Rules{}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("robots fetch failed, allowing all", zap.String("domain", domain), zap.Error(err))
		return &Rules{}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		c.logger.Debug("robots body read failed, allowing all", zap.String("domain", domain), zap.Error(err))
		return &Rules{}
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		c.logger.Debug("robots parse failed, allowing all", zap.String("domain", domain), zap.Error(err))
		return &Rules{}
	}

	group := data.FindGroup(c.userAgent)
	rules := &Rules{group: group}
	if group != nil {
		rules.crawlDelay = group.CrawlDelay
	}
	return rules
}

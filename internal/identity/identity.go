// Package identity maintains the pool of browser fingerprints applied to
// outbound requests.
package identity

import (
	"fmt"
	"math/rand"
	"net/http"
	"sync"

	"github.com/coldbrook/crawlgate/internal/config"
)

// Header names in the order a real Chrome sends them. Ordering matters for
// fingerprinting, so profiles expose an explicit order alongside the values.
var chromeHeaderOrder = []string{
	"User-Agent",
	"sec-ch-ua",
	"sec-ch-ua-mobile",
	"sec-ch-ua-platform",
	"Upgrade-Insecure-Requests",
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
}

// Profile is an immutable browser fingerprint: a header set, its ordering,
// and the user-agent string. Construct profiles once at startup.
type Profile struct {
	Name      string
	UserAgent string
	headers   map[string]string
	order     []string
	weight    float64
}

// Headers returns the header names in fingerprint order.
func (p Profile) Headers() []string {
	return p.order
}

// Value returns the value for a header name, or "" if the profile does not
// set it.
func (p Profile) Value(name string) string {
	return p.headers[name]
}

// Apply sets the profile's headers on h in fingerprint order.
func (p Profile) Apply(h http.Header) {
	for _, name := range p.order {
		if v := p.headers[name]; v != "" {
			h.Set(name, v)
		}
	}
}

func newProfile(cfg config.IdentityProfileConfig) Profile {
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	ua := cfg.UserAgent
	accept := "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	lang := cfg.AcceptLanguage
	if lang == "" {
		lang = "en-US,en;q=0.9"
	}
	mobile := cfg.SecCHUAMobile
	if mobile == "" {
		mobile = "?0"
	}
	headers := map[string]string{
		"User-Agent":                ua,
		"sec-ch-ua":                 cfg.SecCHUA,
		"sec-ch-ua-mobile":          mobile,
		"sec-ch-ua-platform":        cfg.Platform,
		"Upgrade-Insecure-Requests": "1",
		"Accept":                    accept,
		"Accept-Language":           lang,
		"Accept-Encoding":           "gzip, deflate, br",
	}
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}
	return Profile{
		Name:      name,
		UserAgent: ua,
		headers:   headers,
		order:     chromeHeaderOrder,
		weight:    weight,
	}
}

// Chrome120 returns the stock Chrome 120 on Windows fingerprint. The client
// hint values simulate the GREASE pattern and must stay consistent with the
// user-agent string.
func Chrome120() Profile {
	const fullVersion = "120.0.6099.109"
	return newProfile(config.IdentityProfileConfig{
		Name: "chrome-120-win",
		UserAgent: fmt.Sprintf(
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
			fullVersion,
		),
		SecCHUA:       `"Chromium";v="120", "Google Chrome";v="120", "Not_A Brand";v="99"`,
		SecCHUAMobile: "?0",
		Platform:      `"Windows"`,
	})
}

// Pool selects a Profile per task from a fixed set. Selection is either
// round-robin or weighted-random; the pool itself holds no network state.
type Pool struct {
	mu       sync.Mutex
	profiles []Profile
	next     int
	weighted bool
	total    float64
	rng      *rand.Rand
}

// NewPool builds a Pool from configuration. An empty profile list is a
// configuration error surfaced at startup by config.Validate, but it is
// rejected here too so the pool can never be constructed unusable.
func NewPool(cfg config.IdentityConfig) (*Pool, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("identity pool must not be empty")
	}
	p := &Pool{
		weighted: cfg.Selection == "weighted_random",
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
	for _, pc := range cfg.Profiles {
		prof := newProfile(pc)
		p.profiles = append(p.profiles, prof)
		p.total += prof.weight
	}
	return p, nil
}

// Select returns a profile for the given domain. It always succeeds: the pool
// is validated non-empty at construction.
func (p *Pool) Select(_ string) Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.weighted {
		return p.selectWeighted()
	}
	prof := p.profiles[p.next%len(p.profiles)]
	p.next++
	return prof
}

func (p *Pool) selectWeighted() Profile {
	target := p.rng.Float64() * p.total
	acc := 0.0
	for _, prof := range p.profiles {
		acc += prof.weight
		if target < acc {
			return prof
		}
	}
	return p.profiles[len(p.profiles)-1]
}

// Size reports the number of profiles in the pool.
func (p *Pool) Size() int {
	return len(p.profiles)
}

// Package config loads and validates kernel configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is
// consumed once at startup and never mutated at runtime.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Density   DensityConfig   `mapstructure:"density"`
	FastPath  FastPathConfig  `mapstructure:"fast_path"`
	SlowPath  SlowPathConfig  `mapstructure:"slow_path"`
	SoftBan   SoftBanConfig   `mapstructure:"soft_ban"`
	Robots    RobotsConfig    `mapstructure:"robots"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// OpsConfig controls the operational HTTP surface (metrics, health, domains).
type OpsConfig struct {
	Port int `mapstructure:"port"`
}

// DispatchConfig governs the worker pool consuming frontier tasks.
type DispatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// MemoryConfig sets the admission-gate water marks and sampler cadence.
// Marks are fractions of total system memory.
type MemoryConfig struct {
	HighWater      float64 `mapstructure:"high_water"`
	LowWater       float64 `mapstructure:"low_water"`
	SampleInterval int     `mapstructure:"sample_interval_seconds"`
}

// IdentityProfileConfig describes one browser fingerprint in the pool.
type IdentityProfileConfig struct {
	Name           string  `mapstructure:"name"`
	UserAgent      string  `mapstructure:"user_agent"`
	SecCHUA        string  `mapstructure:"sec_ch_ua"`
	SecCHUAMobile  string  `mapstructure:"sec_ch_ua_mobile"`
	Platform       string  `mapstructure:"platform"`
	AcceptLanguage string  `mapstructure:"accept_language"`
	Weight         float64 `mapstructure:"weight"`
}

// IdentityConfig describes the fingerprint pool and selection policy.
type IdentityConfig struct {
	Selection string                  `mapstructure:"selection"`
	Profiles  []IdentityProfileConfig `mapstructure:"profiles"`
}

// ProxyConfig lists per-tier egress endpoints and escalation tuning.
type ProxyConfig struct {
	DatacenterEndpoints  []string `mapstructure:"datacenter_endpoints"`
	ResidentialEndpoints []string `mapstructure:"residential_endpoints"`
	EscalateAfter        int      `mapstructure:"escalate_after"`
	DeescalateAfter      int      `mapstructure:"deescalate_after"`
	ExhaustAfter         int      `mapstructure:"exhaust_after"`
	FailureWindow        int      `mapstructure:"failure_window_seconds"`
}

// BreakerConfig tunes the per-domain circuit breaker.
type BreakerConfig struct {
	WindowSize       int     `mapstructure:"window_size"`
	FailureThreshold float64 `mapstructure:"failure_threshold"`
	CooldownSeconds  int     `mapstructure:"cooldown_seconds"`
	BackoffFactor    float64 `mapstructure:"backoff_factor"`
	MaxCooldownSec   int     `mapstructure:"max_cooldown_seconds"`
}

// RateLimitConfig provides token-bucket defaults used until a domain's
// robots.txt crawl-delay is known.
type RateLimitConfig struct {
	DefaultDelayMs     int `mapstructure:"default_delay_ms"`
	Burst              int `mapstructure:"burst"`
	SlowPathMultiplier int `mapstructure:"slow_path_multiplier"`
}

// DensityConfig tunes fast/slow path routing.
type DensityConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// FastPathConfig configures the optimistic HTTP client.
type FastPathConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MinBodyBytes   int `mapstructure:"min_body_bytes"`
}

// SlowPathConfig configures the headless rendering path.
type SlowPathConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxParallel    int  `mapstructure:"max_parallel"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

// SoftBanConfig is the configurable detector separating a soft ban from an
// ordinary error page.
type SoftBanConfig struct {
	TitlePattern   string   `mapstructure:"title_pattern"`
	BodySignatures []string `mapstructure:"body_signatures"`
}

// RobotsConfig controls robots.txt handling.
type RobotsConfig struct {
	Respect        bool   `mapstructure:"respect"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("ops.port", 9090)
	v.SetDefault("dispatch.concurrency", 16)
	v.SetDefault("memory.high_water", 0.90)
	v.SetDefault("memory.low_water", 0.75)
	v.SetDefault("memory.sample_interval_seconds", 1)
	v.SetDefault("identity.selection", "round_robin")
	v.SetDefault("identity.profiles", []map[string]any{{
		"name":             "chrome-120-win",
		"user_agent":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36",
		"sec_ch_ua":        `"Chromium";v="120", "Google Chrome";v="120", "Not_A Brand";v="99"`,
		"sec_ch_ua_mobile": "?0",
		"platform":         `"Windows"`,
		"accept_language":  "en-US,en;q=0.9",
		"weight":           1.0,
	}})
	v.SetDefault("proxy.escalate_after", 5)
	v.SetDefault("proxy.deescalate_after", 10)
	v.SetDefault("proxy.exhaust_after", 3)
	v.SetDefault("proxy.failure_window_seconds", 600)
	v.SetDefault("breaker.window_size", 20)
	v.SetDefault("breaker.failure_threshold", 0.5)
	v.SetDefault("breaker.cooldown_seconds", 30)
	v.SetDefault("breaker.backoff_factor", 2.0)
	v.SetDefault("breaker.max_cooldown_seconds", 600)
	v.SetDefault("rate_limit.default_delay_ms", 1000)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.slow_path_multiplier", 2)
	v.SetDefault("density.threshold", 0.48)
	v.SetDefault("fast_path.timeout_seconds", 30)
	v.SetDefault("fast_path.min_body_bytes", 500)
	v.SetDefault("slow_path.enabled", true)
	v.SetDefault("slow_path.max_parallel", 2)
	v.SetDefault("slow_path.timeout_seconds", 60)
	v.SetDefault("soft_ban.title_pattern",
		"(?i)(just a moment|attention required|security check|access denied|cloudflare|captcha)")
	v.SetDefault("soft_ban.body_signatures", []string{
		"captcha-delivery", "cf-turnstile", "datadome", "challenge-platform",
	})
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.user_agent", "crawlgate/0.1")
	v.SetDefault("robots.timeout_seconds", 10)
}

// Validate enforces required values and reasonable limits. Configuration
// errors are fatal at startup, never at dispatch time.
func (c Config) Validate() error {
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("dispatch.concurrency must be > 0")
	}
	if c.Memory.HighWater <= 0 || c.Memory.HighWater > 1 {
		return fmt.Errorf("memory.high_water must be in (0, 1]")
	}
	if c.Memory.LowWater <= 0 || c.Memory.LowWater >= c.Memory.HighWater {
		return fmt.Errorf("memory.low_water must be in (0, high_water)")
	}
	if c.Memory.SampleInterval <= 0 {
		return fmt.Errorf("memory.sample_interval_seconds must be > 0")
	}
	if len(c.Identity.Profiles) == 0 {
		return fmt.Errorf("identity.profiles must not be empty")
	}
	for i, p := range c.Identity.Profiles {
		if p.UserAgent == "" {
			return fmt.Errorf("identity.profiles[%d].user_agent must be set", i)
		}
	}
	switch c.Identity.Selection {
	case "round_robin", "weighted_random":
	default:
		return fmt.Errorf("identity.selection must be round_robin or weighted_random")
	}
	if c.Proxy.EscalateAfter <= 0 || c.Proxy.ExhaustAfter <= 0 {
		return fmt.Errorf("proxy escalation thresholds must be > 0")
	}
	if c.Breaker.WindowSize <= 0 {
		return fmt.Errorf("breaker.window_size must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("breaker.failure_threshold must be in (0, 1]")
	}
	if c.Breaker.CooldownSeconds <= 0 {
		return fmt.Errorf("breaker.cooldown_seconds must be > 0")
	}
	if c.RateLimit.DefaultDelayMs <= 0 {
		return fmt.Errorf("rate_limit.default_delay_ms must be > 0")
	}
	if c.Density.Threshold < 0 || c.Density.Threshold > 1 {
		return fmt.Errorf("density.threshold must be in [0, 1]")
	}
	if c.FastPath.TimeoutSeconds <= 0 {
		return fmt.Errorf("fast_path.timeout_seconds must be > 0")
	}
	if c.SlowPath.Enabled && c.SlowPath.MaxParallel <= 0 {
		return fmt.Errorf("slow_path.max_parallel must be > 0 when slow path is enabled")
	}
	return nil
}

// FastTimeout converts the fast-path ceiling into a duration.
func (c Config) FastTimeout() time.Duration {
	return time.Duration(c.FastPath.TimeoutSeconds) * time.Second
}

// SlowTimeout converts the slow-path ceiling into a duration.
func (c Config) SlowTimeout() time.Duration {
	return time.Duration(c.SlowPath.TimeoutSeconds) * time.Second
}

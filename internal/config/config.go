// Package config defines all configuration for the OTC desk bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via OTC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Prices    PricesConfig    `mapstructure:"prices"`
	Deals     DealsConfig     `mapstructure:"deals"`
	Suppress  SuppressConfig  `mapstructure:"suppress"`
	Errors    ErrorsConfig    `mapstructure:"errors"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Store     StoreConfig     `mapstructure:"store"`
	AI        AIConfig        `mapstructure:"ai"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// BotConfig identifies the bot and the control group.
// ControlGroupPattern is matched case-insensitively inside group names;
// an explicit is_control_group flag on the group row, when present, wins
// over the name match.
type BotConfig struct {
	PhoneNumber         string `mapstructure:"phone_number"`
	ControlGroupPattern string `mapstructure:"control_group_pattern"`
	DefaultLanguage     string `mapstructure:"default_language"`
}

// DispatchConfig bounds the per-group worker pool.
//
//   - MaxWorkers: hard cap on concurrent group workers.
//   - QueueDepth: per-group FIFO bound; beyond it the oldest observed
//     (non-triggered) messages are dropped and counted.
//   - IdleTimeout: idle workers are reclaimed after this grace period.
//   - HandleTimeout: deadline for one message's full pipeline run.
type DispatchConfig struct {
	MaxWorkers    int           `mapstructure:"max_workers"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	HandleTimeout time.Duration `mapstructure:"handle_timeout"`
}

// PricesConfig tunes the aggregator and its source supervisors.
type PricesConfig struct {
	Stream  StreamConfig  `mapstructure:"stream"`
	Scraper ScraperConfig `mapstructure:"scraper"`
	REST    RESTConfig    `mapstructure:"rest"`

	StaleAfter   time.Duration `mapstructure:"stale_after"`   // sample older than this is stale
	MinPlausible float64       `mapstructure:"min_plausible"` // USD/BRL band lower bound
	MaxPlausible float64       `mapstructure:"max_plausible"` // USD/BRL band upper bound
}

// StreamConfig is the live USDT/BRL websocket feed (STREAM_A).
type StreamConfig struct {
	URL    string `mapstructure:"url"`
	Symbol string `mapstructure:"symbol"`
}

// ScraperConfig is the commercial USD/BRL page scraper (STREAM_B).
// The scraper refreshes an embedded browser page and reads the price out of
// the page title; navigation is budgeted per rolling hour with a one-shot
// bypass allowed per cooldown once the budget is spent.
type ScraperConfig struct {
	URL             string        `mapstructure:"url"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	FrozenAfter     time.Duration `mapstructure:"frozen_after"`
	WatchdogEvery   time.Duration `mapstructure:"watchdog_every"`
	MaxNavPerHour   int           `mapstructure:"max_nav_per_hour"`
	RateLimitBypass time.Duration `mapstructure:"rate_limit_bypass"`
}

// RESTConfig is the on-demand REST fallback for either symbol.
type RESTConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DealsConfig tunes the deal engine.
type DealsConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`     // TTL sweeper period
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`       // per-deal lock acquisition bound
	LockStripes      int           `mapstructure:"lock_stripes"`       // shards for the (group,client) lock set
	MaxExtendPerCall int           `mapstructure:"max_extend_seconds"` // cap per extend call
	MaxTTLMultiple   int           `mapstructure:"max_ttl_multiple"`   // cumulative TTL cap as multiple of original
}

// SuppressConfig controls the anti-duplicate response window.
type SuppressConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// ErrorsConfig tunes the error service's escalation and recovery.
type ErrorsConfig struct {
	Window              time.Duration `mapstructure:"window"`               // sliding failure window
	WindowThreshold     int           `mapstructure:"window_threshold"`     // failures in window → critical
	ConsecutiveCritical int           `mapstructure:"consecutive_critical"` // consecutive failures → critical
	ProbeInitialBackoff time.Duration `mapstructure:"probe_initial_backoff"`
	ProbeMaxBackoff     time.Duration `mapstructure:"probe_max_backoff"`
}

// NotifyConfig throttles the control-channel notifier.
type NotifyConfig struct {
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
}

// StoreConfig sets where relational data lives. DSN is a sqlite path
// (":memory:" for tests) plus pragmas.
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	BronzeBuffer    int           `mapstructure:"bronze_buffer"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	BronzeRetention time.Duration `mapstructure:"bronze_retention"`
}

// AIConfig guards the optional low-confidence classifier.
type AIConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	GroupPerMinute int           `mapstructure:"group_per_minute"`
	GlobalPerHour  int           `mapstructure:"global_per_hour"`
	BreakerTrips   int           `mapstructure:"breaker_trips"`
	BreakerCooloff time.Duration `mapstructure:"breaker_cooloff"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheSize      int           `mapstructure:"cache_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the HTTP API server.
// When Secret is empty the write API is open (dev mode).
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	Secret         string   `mapstructure:"secret"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: DASHBOARD_SECRET, OTC_REST_API_KEY,
// OTC_AI_API_KEY. Legacy flat env names from the original deployment
// (CONTROL_GROUP_PATTERN, PHONE_NUMBER, TRADINGVIEW_*, ALLOWED_ORIGINS)
// are honored as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OTC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive and legacy flat env vars
	if s := os.Getenv("DASHBOARD_SECRET"); s != "" {
		cfg.Dashboard.Secret = s
	}
	if k := os.Getenv("OTC_REST_API_KEY"); k != "" {
		cfg.Prices.REST.APIKey = k
	}
	if k := os.Getenv("OTC_AI_API_KEY"); k != "" {
		cfg.AI.APIKey = k
	}
	if p := os.Getenv("CONTROL_GROUP_PATTERN"); p != "" {
		cfg.Bot.ControlGroupPattern = p
	}
	if p := os.Getenv("PHONE_NUMBER"); p != "" {
		cfg.Bot.PhoneNumber = p
	}
	if u := os.Getenv("TRADINGVIEW_URL"); u != "" {
		cfg.Prices.Scraper.URL = u
	}
	if d := os.Getenv("TRADINGVIEW_STALE_MS"); d != "" {
		if ms, err := time.ParseDuration(d + "ms"); err == nil {
			cfg.Prices.Scraper.StaleAfter = ms
		}
	}
	if d := os.Getenv("TRADINGVIEW_FROZEN_MS"); d != "" {
		if ms, err := time.ParseDuration(d + "ms"); err == nil {
			cfg.Prices.Scraper.FrozenAfter = ms
		}
	}
	if d := os.Getenv("TRADINGVIEW_WATCHDOG_MS"); d != "" {
		if ms, err := time.ParseDuration(d + "ms"); err == nil {
			cfg.Prices.Scraper.WatchdogEvery = ms
		}
	}
	if o := os.Getenv("ALLOWED_ORIGINS"); o != "" {
		cfg.Dashboard.AllowedOrigins = strings.Split(o, ",")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.default_language", "pt-BR")
	v.SetDefault("dispatch.max_workers", 64)
	v.SetDefault("dispatch.queue_depth", 128)
	v.SetDefault("dispatch.idle_timeout", "2m")
	v.SetDefault("dispatch.handle_timeout", "30s")
	v.SetDefault("prices.stale_after", "2m")
	v.SetDefault("prices.min_plausible", 3.0)
	v.SetDefault("prices.max_plausible", 10.0)
	v.SetDefault("prices.stream.symbol", "USDTBRL")
	v.SetDefault("prices.scraper.stale_after", "2m")
	v.SetDefault("prices.scraper.frozen_after", "90s")
	v.SetDefault("prices.scraper.watchdog_every", "30s")
	v.SetDefault("prices.scraper.max_nav_per_hour", 12)
	v.SetDefault("prices.scraper.rate_limit_bypass", "5m")
	v.SetDefault("prices.rest.timeout", "10s")
	v.SetDefault("prices.rest.poll_interval", "30s")
	v.SetDefault("deals.sweep_interval", "10s")
	v.SetDefault("deals.lock_timeout", "100ms")
	v.SetDefault("deals.lock_stripes", 32)
	v.SetDefault("deals.max_extend_seconds", 3600)
	v.SetDefault("deals.max_ttl_multiple", 2)
	v.SetDefault("suppress.cooldown", "5s")
	v.SetDefault("errors.window", "60s")
	v.SetDefault("errors.window_threshold", 3)
	v.SetDefault("errors.consecutive_critical", 3)
	v.SetDefault("errors.probe_initial_backoff", "2s")
	v.SetDefault("errors.probe_max_backoff", "30s")
	v.SetDefault("notify.rate_per_minute", 10)
	v.SetDefault("notify.dedup_window", "10m")
	v.SetDefault("store.cache_ttl", "60s")
	v.SetDefault("store.bronze_buffer", 1024)
	v.SetDefault("store.query_timeout", "5s")
	v.SetDefault("store.bronze_retention", "2160h") // 90 days
	v.SetDefault("ai.group_per_minute", 10)
	v.SetDefault("ai.global_per_hour", 100)
	v.SetDefault("ai.breaker_trips", 3)
	v.SetDefault("ai.breaker_cooloff", "5m")
	v.SetDefault("ai.cache_ttl", "5m")
	v.SetDefault("ai.cache_size", 512)
	v.SetDefault("ai.timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Bot.ControlGroupPattern == "" {
		return fmt.Errorf("bot.control_group_pattern is required (set CONTROL_GROUP_PATTERN)")
	}
	if c.Dispatch.MaxWorkers <= 0 {
		return fmt.Errorf("dispatch.max_workers must be > 0")
	}
	if c.Dispatch.QueueDepth <= 0 {
		return fmt.Errorf("dispatch.queue_depth must be > 0")
	}
	if c.Prices.Stream.URL == "" {
		return fmt.Errorf("prices.stream.url is required")
	}
	if c.Prices.MinPlausible <= 0 || c.Prices.MaxPlausible <= c.Prices.MinPlausible {
		return fmt.Errorf("prices plausibility band must satisfy 0 < min < max")
	}
	if c.Deals.LockStripes <= 0 {
		return fmt.Errorf("deals.lock_stripes must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.AI.Enabled && c.AI.BaseURL == "" {
		return fmt.Errorf("ai.base_url is required when ai.enabled")
	}
	return nil
}

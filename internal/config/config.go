package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"visualgrid/pkg/types"
)

// Config captures everything needed to wire the resolution engine.
type Config struct {
	Fetch   FetchConfig   `yaml:"fetch"`
	Cache   CacheConfig   `yaml:"cache"`
	Store   StoreConfig   `yaml:"store"`
	Capture CaptureConfig `yaml:"capture"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// FetchConfig controls how resources are retrieved.
type FetchConfig struct {
	UserAgent        string            `yaml:"user_agent"`
	Headers          map[string]string `yaml:"headers"`
	Cookies          []types.Cookie    `yaml:"cookies"`
	ProxyURL         string            `yaml:"proxy_url"`
	Timeout          Duration          `yaml:"timeout"`
	MaxBodyBytes     int64             `yaml:"max_body_bytes"`
	MaxRetries       int               `yaml:"max_retries"`
	RetryDelay       Duration          `yaml:"retry_delay"`
	MaxConnsPerHost  int               `yaml:"max_conns_per_host"`
	RateLimitPerHost RateLimitConfig   `yaml:"rate_limit_per_host"`
	RespectRobots    bool              `yaml:"respect_robots"`
	RobotsCacheTTL   Duration          `yaml:"robots_cache_ttl"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// CacheConfig bounds how many resolved resources are retained between checks.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// StoreConfig selects where resource content is kept by hash.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Directory   string `yaml:"directory"`
	AutoMigrate bool   `yaml:"auto_migrate"`
	Upload      bool   `yaml:"upload"`
}

// CaptureConfig controls page capture when the engine snapshots a URL itself.
type CaptureConfig struct {
	Mode            string   `yaml:"mode"`
	Timeout         Duration `yaml:"timeout"`
	WaitForSelector string   `yaml:"wait_for_selector"`
	CaptureDelay    Duration `yaml:"capture_delay"`
	MaxFrameDepth   int      `yaml:"max_frame_depth"`
	DisableHeadless bool     `yaml:"disable_headless"`

	Screenshot ScreenshotConfig `yaml:"screenshot"`
}

// ScreenshotConfig enables a full-page screenshot in chromedp mode and the
// transforms applied to it. Zero values leave the image untouched.
type ScreenshotConfig struct {
	Enabled   bool    `yaml:"enabled"`
	CutTop    int     `yaml:"cut_top"`
	CutBottom int     `yaml:"cut_bottom"`
	CutLeft   int     `yaml:"cut_left"`
	CutRight  int     `yaml:"cut_right"`
	Scale     float64 `yaml:"scale"`
	Rotate    int     `yaml:"rotate"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Fetch: FetchConfig{
			UserAgent:      "visualgrid-resource-fetcher/1.0",
			Headers:        map[string]string{},
			Timeout:        DurationFrom(30 * time.Second),
			MaxBodyBytes:   25 * 1024 * 1024,
			MaxRetries:     1,
			RetryDelay:     DurationFrom(250 * time.Millisecond),
			RobotsCacheTTL: DurationFrom(30 * time.Minute),
		},
		Cache: CacheConfig{
			MaxEntries: 5000,
		},
		Store: StoreConfig{
			Driver:      "none",
			AutoMigrate: true,
		},
		Capture: CaptureConfig{
			Mode:          "http",
			Timeout:       DurationFrom(30 * time.Second),
			CaptureDelay:  DurationFrom(1500 * time.Millisecond),
			MaxFrameDepth: 3,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if c.Fetch.Timeout.Duration <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0 (got %s)", c.Fetch.Timeout.Duration)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0 (got %d)", c.Fetch.MaxRetries)
	}
	if c.Fetch.RetryDelay.Duration < 0 {
		return fmt.Errorf("fetch.retry_delay must be >= 0 (got %s)", c.Fetch.RetryDelay.Duration)
	}
	if rl := c.Fetch.RateLimitPerHost; rl.Requests < 0 {
		return fmt.Errorf("fetch.rate_limit_per_host.requests must be >= 0 (got %d)", rl.Requests)
	}
	for i, ck := range c.Fetch.Cookies {
		if ck.Name == "" {
			return fmt.Errorf("fetch.cookies[%d] has empty name", i)
		}
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be >= 0 (got %d)", c.Cache.MaxEntries)
	}

	switch c.Store.Driver {
	case "none":
	case "file":
		if c.Store.Directory == "" {
			return errors.New("store.directory must be set when store.driver is file")
		}
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.driver is %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}

	switch c.Capture.Mode {
	case "http", "chromedp":
	default:
		return fmt.Errorf("unsupported capture.mode %q", c.Capture.Mode)
	}
	if c.Capture.MaxFrameDepth < 0 {
		return fmt.Errorf("capture.max_frame_depth must be >= 0 (got %d)", c.Capture.MaxFrameDepth)
	}
	shot := c.Capture.Screenshot
	if shot.Enabled && c.Capture.Mode != "chromedp" {
		return errors.New("capture.screenshot requires capture.mode chromedp")
	}
	if shot.CutTop < 0 || shot.CutBottom < 0 || shot.CutLeft < 0 || shot.CutRight < 0 {
		return errors.New("capture.screenshot cut values must be >= 0")
	}
	if shot.Scale < 0 {
		return fmt.Errorf("capture.screenshot.scale must be >= 0 (got %g)", shot.Scale)
	}
	if shot.Rotate%90 != 0 {
		return fmt.Errorf("capture.screenshot.rotate must be a multiple of 90 (got %d)", shot.Rotate)
	}
	return nil
}

func (c *Config) normalise() {
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Fetch.ProxyURL = strings.TrimSpace(c.Fetch.ProxyURL)
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = make(map[string]string)
	}
	for i := range c.Fetch.Cookies {
		c.Fetch.Cookies[i].Name = strings.TrimSpace(c.Fetch.Cookies[i].Name)
		c.Fetch.Cookies[i].Domain = strings.ToLower(strings.TrimSpace(c.Fetch.Cookies[i].Domain))
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "none"
	}
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	c.Store.Directory = strings.TrimSpace(c.Store.Directory)

	c.Capture.Mode = strings.ToLower(strings.TrimSpace(c.Capture.Mode))
	if c.Capture.Mode == "chrome" {
		c.Capture.Mode = "chromedp"
	}
	c.Capture.WaitForSelector = strings.TrimSpace(c.Capture.WaitForSelector)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}


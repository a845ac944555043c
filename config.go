package assetcache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/roadrunner-server/errors"
	"gopkg.in/yaml.v3"
)

// defaultUserAgent is sent when fetching remote stylesheets. Font CDNs pick the
// font format from it.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Config represents the asset cache configuration.
type Config struct {
	// Cache configuration
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Source configuration
	Source SourceConfig `mapstructure:"source" yaml:"source"`

	// Minify configuration
	Minify MinifyConfig `mapstructure:"minify" yaml:"minify"`

	// Images configuration
	Images ImagesConfig `mapstructure:"images" yaml:"images"`

	// Fonts configuration
	Fonts FontsConfig `mapstructure:"fonts" yaml:"fonts"`

	// Retry configuration
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// HTTP configuration
	HTTP HTTPConfig `mapstructure:"http" yaml:"http"`
}

// CacheConfig represents cache-related configuration.
type CacheConfig struct {
	// Dir is the cache root directory
	Dir string `mapstructure:"dir" yaml:"dir"`

	// PublicURL is the URL the cache root is served under
	PublicURL string `mapstructure:"public_url" yaml:"public_url"`

	// AutoClearEnabled turns on scheduled pruning
	AutoClearEnabled bool `mapstructure:"auto_clear_enabled" yaml:"auto_clear_enabled"`

	// AutoClearDays is the retention for scheduled pruning
	AutoClearDays int `mapstructure:"auto_clear_days" yaml:"auto_clear_days"`

	// LifespanDays is the retention for manual pruning
	LifespanDays int `mapstructure:"lifespan_days" yaml:"lifespan_days"`

	// CleanupInterval is how often to run scheduled pruning
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`

	// MemorySizeMB bounds the in-memory hot tier (0 = disabled)
	MemorySizeMB int64 `mapstructure:"memory_size_mb" yaml:"memory_size_mb"`

	// Coalesce collapses concurrent misses for the same artifact into one transform
	Coalesce bool `mapstructure:"coalesce" yaml:"coalesce"`

	// Precompress stores a brotli sibling next to text artifacts
	Precompress bool `mapstructure:"precompress" yaml:"precompress"`
}

// SourceConfig describes where original assets live.
type SourceConfig struct {
	// Root is the document root
	Root string `mapstructure:"root" yaml:"root"`

	// SiteURL is the public URL of Root
	SiteURL string `mapstructure:"site_url" yaml:"site_url"`

	// ContentDir is an optional content directory outside Root
	ContentDir string `mapstructure:"content_dir" yaml:"content_dir"`

	// ContentURL is the public URL of ContentDir
	ContentURL string `mapstructure:"content_url" yaml:"content_url"`
}

// MinifyConfig toggles text transforms and lists caller-side exclusions.
type MinifyConfig struct {
	HTML bool `mapstructure:"html" yaml:"html"`
	CSS  bool `mapstructure:"css" yaml:"css"`
	JS   bool `mapstructure:"js" yaml:"js"`

	// ExcludeCSS and ExcludeJS are substrings of asset URLs that are never minified
	ExcludeCSS []string `mapstructure:"exclude_css" yaml:"exclude_css"`
	ExcludeJS  []string `mapstructure:"exclude_js" yaml:"exclude_js"`

	// ExcludeURLs are request URI patterns, '*' wildcard, skipped by the page pipeline
	ExcludeURLs []string `mapstructure:"exclude_urls" yaml:"exclude_urls"`

	DeferJS      bool     `mapstructure:"defer_js" yaml:"defer_js"`
	DeferExclude []string `mapstructure:"defer_exclude" yaml:"defer_exclude"`

	StripQueryStrings bool `mapstructure:"strip_query_strings" yaml:"strip_query_strings"`
	LazyLoad          bool `mapstructure:"lazy_load" yaml:"lazy_load"`
}

// ImagesConfig represents image conversion configuration.
type ImagesConfig struct {
	WebP    bool `mapstructure:"webp" yaml:"webp"`
	Quality int  `mapstructure:"quality" yaml:"quality"`
}

// FontsConfig represents remote font re-hosting configuration.
type FontsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Timeout bounds one re-hosting run, stylesheet and font files together
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// Lifespan is how long a re-hosted stylesheet stays fresh
	Lifespan time.Duration `mapstructure:"lifespan" yaml:"lifespan"`

	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`

	// MaxConcurrent limits background re-hosting runs
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`

	// RateLimit is the sustained number of remote requests per second
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// RetryConfig represents retry-related configuration.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// InitialDelay is the initial delay before first retry
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// HTTPConfig represents the admin listener configuration.
type HTTPConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// DefaultConfig returns a configuration with every feature enabled, matching a fresh install.
func DefaultConfig() *Config {
	cfg := &Config{
		Minify: MinifyConfig{
			HTML:              true,
			CSS:               true,
			JS:                true,
			DeferJS:           true,
			StripQueryStrings: true,
			LazyLoad:          true,
		},
		Images: ImagesConfig{WebP: true},
		Fonts:  FontsConfig{Enabled: true},
	}

	// defaults for the remaining zero values
	_ = cfg.Validate()

	return cfg
}

// Validate validates the configuration and sets defaults.
func (c *Config) Validate() error {
	const op = errors.Op("assetcache_config_validate")

	if err := c.Cache.validate(); err != nil {
		return errors.E(op, err)
	}

	if c.Source.Root == "" {
		c.Source.Root = "."
	}

	c.Source.SiteURL = strings.TrimRight(c.Source.SiteURL, "/")
	c.Source.ContentURL = strings.TrimRight(c.Source.ContentURL, "/")
	if (c.Source.ContentDir == "") != (c.Source.ContentURL == "") {
		return errors.E(op, errors.Str("source.content_dir and source.content_url must be set together"))
	}

	if c.Minify.DeferExclude == nil {
		c.Minify.DeferExclude = []string{"jquery", "admin-bar"}
	}

	if c.Images.Quality == 0 {
		c.Images.Quality = defaultWebPQuality
	}
	if c.Images.Quality < 1 || c.Images.Quality > 100 {
		return errors.E(op, errors.Str("images.quality must be between 1 and 100"))
	}

	if err := c.Fonts.validate(); err != nil {
		return errors.E(op, err)
	}

	if err := c.Retry.validate(); err != nil {
		return errors.E(op, err)
	}

	if c.HTTP.Address == "" {
		c.HTTP.Address = "127.0.0.1:8089"
	}

	return nil
}

// validate validates cache configuration and sets defaults.
func (cc *CacheConfig) validate() error {
	const op = errors.Op("cache_config_validate")

	// Set default cache directory
	if cc.Dir == "" {
		cc.Dir = "./cache/assetcache"
	}

	cc.PublicURL = strings.TrimRight(cc.PublicURL, "/")

	// Set default retention
	if cc.AutoClearDays == 0 {
		cc.AutoClearDays = 7
	}
	if cc.AutoClearDays < 0 {
		return errors.E(op, errors.Str("auto_clear_days must be positive"))
	}

	if cc.LifespanDays == 0 {
		cc.LifespanDays = 30
	}
	if cc.LifespanDays < 0 {
		return errors.E(op, errors.Str("lifespan_days must be positive"))
	}

	// Set default cleanup interval
	if cc.CleanupInterval == 0 {
		cc.CleanupInterval = 24 * time.Hour
	}
	if cc.CleanupInterval < 1*time.Minute {
		return errors.E(op, errors.Str("cleanup_interval must be at least 1 minute"))
	}

	if cc.MemorySizeMB < 0 {
		return errors.E(op, errors.Str("memory_size_mb must be positive"))
	}

	return nil
}

// validate validates fonts configuration and sets defaults.
func (fc *FontsConfig) validate() error {
	const op = errors.Op("fonts_config_validate")

	if fc.Timeout == 0 {
		fc.Timeout = 30 * time.Second
	}

	if fc.Lifespan == 0 {
		fc.Lifespan = 30 * 24 * time.Hour
	}

	if fc.UserAgent == "" {
		fc.UserAgent = defaultUserAgent
	}

	if fc.MaxConcurrent == 0 {
		fc.MaxConcurrent = 4
	}
	if fc.MaxConcurrent < 1 {
		return errors.E(op, errors.Str("max_concurrent must be at least 1"))
	}

	if fc.RateLimit == 0 {
		fc.RateLimit = 10
	}
	if fc.Burst == 0 {
		fc.Burst = 5
	}
	if fc.RateLimit < 0 || fc.Burst < 0 {
		return errors.E(op, errors.Str("rate_limit and burst must be positive"))
	}

	return nil
}

// validate validates retry configuration and sets defaults.
func (rc *RetryConfig) validate() error {
	const op = errors.Op("retry_config_validate")

	// Set default max attempts
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = 3
	}
	if rc.MaxAttempts < 1 {
		return errors.E(op, errors.Str("max_attempts must be at least 1"))
	}

	// Set default initial delay
	if rc.InitialDelay == 0 {
		rc.InitialDelay = 500 * time.Millisecond
	}

	// Set default max delay
	if rc.MaxDelay == 0 {
		rc.MaxDelay = 5 * time.Second
	}
	if rc.MaxDelay < rc.InitialDelay {
		return errors.E(op, fmt.Errorf("max_delay (%v) must be >= initial_delay (%v)", rc.MaxDelay, rc.InitialDelay))
	}

	return nil
}

// AutoClearAge returns the scheduled retention as a duration, zero when
// scheduled pruning is off.
func (cc *CacheConfig) AutoClearAge() time.Duration {
	if !cc.AutoClearEnabled {
		return 0
	}
	return time.Duration(cc.AutoClearDays) * 24 * time.Hour
}

// FileConfigurer is a Configurer backed by a YAML document.
type FileConfigurer struct {
	sections map[string]yaml.Node
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*FileConfigurer, error) {
	const op = errors.Op("assetcache_load_config")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(op, err)
	}

	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration document.
func ParseConfig(data []byte) (*FileConfigurer, error) {
	const op = errors.Op("assetcache_parse_config")

	fc := &FileConfigurer{sections: make(map[string]yaml.Node)}
	if err := yaml.Unmarshal(data, &fc.sections); err != nil {
		return nil, errors.E(op, fmt.Errorf("failed to parse config: %w", err))
	}

	return fc, nil
}

// Has checks if configuration section exists.
func (fc *FileConfigurer) Has(name string) bool {
	_, ok := fc.sections[name]
	return ok
}

// UnmarshalKey decodes a configuration section into target. Fields absent from
// the document keep the values already present in target.
func (fc *FileConfigurer) UnmarshalKey(name string, target any) error {
	node, ok := fc.sections[name]
	if !ok {
		return fmt.Errorf("section %q not found", name)
	}

	return node.Decode(target)
}

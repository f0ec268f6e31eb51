// Package config loads runtime settings from a YAML file.
//
// A file only needs the keys it changes: Load starts from Default and
// unmarshals over it. ${VAR} and ${VAR:-default} in path values, the remote
// base URL and remote headers are expanded from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/gc"
	"github.com/meigma/pak/linker"
	"github.com/meigma/pak/source"
)

// Config is the runtime configuration.
type Config struct {
	// SearchPaths are the directories searched for package files, in order.
	SearchPaths []string `yaml:"search_paths"`

	// PackageExt and BulkExt are the package and sidecar file extensions.
	PackageExt string `yaml:"package_ext"`
	BulkExt    string `yaml:"bulk_ext"`

	// Catalog is an optional catalog file. Packages it lists are opened
	// through it; others fall back to SearchPaths.
	Catalog CatalogConfig `yaml:"catalog"`

	// Remote serves packages found neither in the catalog nor in
	// SearchPaths over HTTP range requests.
	Remote RemoteConfig `yaml:"remote"`

	Cache     CacheConfig     `yaml:"cache"`
	Loader    LoaderConfig    `yaml:"loader"`
	Collector CollectorConfig `yaml:"collector"`
	Log       LogConfig       `yaml:"log"`
}

// CatalogConfig locates a package catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`

	// Base is the directory catalog entry paths are relative to.
	// Default: the catalog file's directory.
	Base string `yaml:"base"`

	// Verify checks file digests on first open.
	Verify bool `yaml:"verify"`
}

// RemoteConfig locates packages on an HTTP server.
type RemoteConfig struct {
	// BaseURL is the http or https URL package files are served under.
	// Empty disables remote packages.
	BaseURL string `yaml:"base_url"`

	// Headers are sent with every request.
	Headers map[string]string `yaml:"headers"`

	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig sizes the block cache shared by opened package files.
type CacheConfig struct {
	// MaxBytes bounds the cache. Zero disables it.
	MaxBytes  int64 `yaml:"max_bytes"`
	BlockSize int64 `yaml:"block_size"`
}

// LoaderConfig configures package loading.
type LoaderConfig struct {
	// StrictImports fails a load on the first unresolved import instead of
	// leaving the reference empty.
	StrictImports bool `yaml:"strict_imports"`

	// TickBatch is the number of rows processed between time checks.
	TickBatch int `yaml:"tick_batch"`

	// ReadAhead is the minimum number of bytes fetched per read.
	ReadAhead int64 `yaml:"read_ahead"`

	// TimeLimit is the per-call budget for async loading. Zero means
	// unlimited.
	TimeLimit time.Duration `yaml:"time_limit"`

	// Redirects map missing packages ("Old") or objects ("Old.Obj") to
	// replacements.
	Redirects map[string]string `yaml:"redirects"`
}

// CollectorConfig configures garbage collection.
type CollectorConfig struct {
	PurgeBatch  int           `yaml:"purge_batch"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// PurgeTimeLimit is the per-call budget for incremental purge. Zero
	// purges everything in one call.
	PurgeTimeLimit time.Duration `yaml:"purge_time_limit"`
}

// LogConfig configures the slog handler built by Logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SearchPaths: []string{"."},
		PackageExt:  source.DefaultPackageExt,
		BulkExt:     source.DefaultBulkExt,
		Cache: CacheConfig{
			BlockSize: source.DefaultBlockSize,
		},
		Loader: LoaderConfig{
			TickBatch: linker.DefaultTickBatch,
			ReadAhead: archive.DefaultReadAhead,
		},
		Collector: CollectorConfig{
			PurgeBatch:  gc.DefaultPurgeBatch,
			WaitTimeout: gc.DefaultWaitTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over Default, expands path variables and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

func (c *Config) expandVariables() {
	for i, p := range c.SearchPaths {
		c.SearchPaths[i] = expandVars(p)
	}
	c.Catalog.Path = expandVars(c.Catalog.Path)
	c.Catalog.Base = expandVars(c.Catalog.Base)
	c.Remote.BaseURL = expandVars(c.Remote.BaseURL)
	for k, v := range c.Remote.Headers {
		c.Remote.Headers[k] = expandVars(v)
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if len(c.SearchPaths) == 0 && c.Catalog.Path == "" && c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("search_paths, catalog.path or remote.base_url is required"))
	}
	if c.Remote.BaseURL != "" {
		if u, err := url.Parse(c.Remote.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.base_url must be an http or https URL: %q", c.Remote.BaseURL))
		}
	}
	if c.Remote.Timeout < 0 {
		errs = append(errs, errors.New("remote.timeout must not be negative"))
	}
	for _, ext := range []struct{ key, v string }{{"package_ext", c.PackageExt}, {"bulk_ext", c.BulkExt}} {
		if !strings.HasPrefix(ext.v, ".") || len(ext.v) < 2 {
			errs = append(errs, fmt.Errorf("%s must start with a dot: %q", ext.key, ext.v))
		}
	}
	if c.PackageExt == c.BulkExt {
		errs = append(errs, errors.New("package_ext and bulk_ext must differ"))
	}
	if c.Cache.MaxBytes < 0 {
		errs = append(errs, errors.New("cache.max_bytes must not be negative"))
	}
	if c.Cache.MaxBytes > 0 && c.Cache.BlockSize <= 0 {
		errs = append(errs, errors.New("cache.block_size must be positive"))
	}
	if c.Loader.TickBatch < 1 {
		errs = append(errs, errors.New("loader.tick_batch must be at least 1"))
	}
	if c.Loader.ReadAhead < 0 {
		errs = append(errs, errors.New("loader.read_ahead must not be negative"))
	}
	if c.Loader.TimeLimit < 0 {
		errs = append(errs, errors.New("loader.time_limit must not be negative"))
	}
	for from, to := range c.Loader.Redirects {
		if err := validateRedirect(from, to); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Collector.PurgeBatch < 1 {
		errs = append(errs, errors.New("collector.purge_batch must be at least 1"))
	}
	if c.Collector.WaitTimeout < 0 || c.Collector.PurgeTimeLimit < 0 {
		errs = append(errs, errors.New("collector durations must not be negative"))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json: %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// validateRedirect checks that a package maps to a package and an object
// path maps to an object path.
func validateRedirect(from, to string) error {
	if from == "" || to == "" {
		return fmt.Errorf("redirect %q -> %q: empty path", from, to)
	}
	if strings.Contains(from, ".") != strings.Contains(to, ".") {
		return fmt.Errorf("redirect %q -> %q: packages map to packages and objects to objects", from, to)
	}
	for _, p := range []string{from, to} {
		if strings.HasPrefix(p, ".") || strings.HasSuffix(p, ".") || strings.Contains(p, "..") {
			return fmt.Errorf("redirect %q -> %q: malformed path %q", from, to, p)
		}
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Logger returns a logger writing to w with the configured level and format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, err := c.Log.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

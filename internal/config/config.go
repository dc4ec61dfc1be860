package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"calmat/internal/ics"
)

// NOTE: YAML is the file format. Load writes a default file on first run and
// then applies CALMAT_* environment overrides on top of what it read.

// SourceConfig describes one calendar source. Exactly one of URL or File
// is normally set; when both are, File is the fallback.
type SourceConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
	File string `yaml:"file,omitempty" json:"file,omitempty"`
	// FixApple rewrites webcal:// URLs and repairs iCloud offsets.
	FixApple bool `yaml:"fix_apple,omitempty" json:"fix_apple,omitempty"`
}

// Source converts the entry to the fetcher's source type.
func (s SourceConfig) Source() ics.Source {
	return ics.Source{
		ID:       s.ID,
		Name:     s.Name,
		URL:      s.URL,
		File:     s.File,
		FixApple: s.FixApple,
	}
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone results are reprojected into. Empty keeps
	// each document's own zones.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Strict keeps date, floating and zoned values apart.
	Strict bool `yaml:"strict" json:"strict"`

	// Sort orders results by start.
	Sort bool `yaml:"sort" json:"sort"`

	// DefaultSpanDays is the window length when a query gives no end.
	DefaultSpanDays int `yaml:"default_span_days" json:"default_span_days"`

	// BackfillDays moves the default window start into the past.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// MaxOccurrences caps the instances produced per recurring event.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	// CacheDir keeps the last good body of each URL source.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultRefreshCron = "*/15 * * * *"
	defaultSpanDays    = 7
	defaultMaxOcc      = 5000
	defaultCacheDir    = "cache"
	defaultLogLevel    = "info"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		Sort:            true,
		DefaultSpanDays: defaultSpanDays,
		RefreshCron:     defaultRefreshCron,
		MaxOccurrences:  defaultMaxOcc,
		CacheDir:        defaultCacheDir,
		LogLevel:        defaultLogLevel,
		Sources:         []SourceConfig{},
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.DefaultSpanDays <= 0 {
		c.DefaultSpanDays = defaultSpanDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOcc
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		if c.Sources[i].ID == "" {
			c.Sources[i].ID = fmt.Sprintf("source-%d", i+1)
		}
		if c.Sources[i].Name == "" {
			c.Sources[i].Name = c.Sources[i].ID
		}
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.URL == "" && s.File == "" {
			errs = append(errs, fmt.Errorf("source %q: url or file is required", s.ID))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("source %q: duplicate id", s.ID))
		}
		seen[s.ID] = true
	}
	return errors.Join(errs...)
}

// Location returns the configured reprojection zone, or nil.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil
	}
	return loc
}

// Source looks a source up by id.
func (c *Config) Source(id string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Options builds materialization options for a window starting at now
// minus the backfill.
func (c *Config) Options(now time.Time) ics.Options {
	start := now.UTC().AddDate(0, 0, -c.BackfillDays)
	return ics.Options{
		Start:          start,
		End:            start.AddDate(0, 0, c.DefaultSpanDays+c.BackfillDays),
		TargetZone:     c.Location(),
		Sort:           c.Sort,
		Strict:         c.Strict,
		MaxOccurrences: c.MaxOccurrences,
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and used.
//   - Otherwise the YAML is unmarshalled.
//   - CALMAT_* environment variables override scalar settings.
//   - Defaults are filled in.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(cfg, newEnv())
	cfg.Normalize()
	return cfg, nil
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CALMAT")
	v.AutomaticEnv()
	for _, key := range []string{
		"listen", "timezone", "strict", "sort", "default_span_days",
		"backfill_days", "refresh", "max_occurrences", "cache_dir", "log_level",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// applyEnv copies every setting v has a value for into cfg.
func applyEnv(cfg *Config, v *viper.Viper) {
	if v.IsSet("listen") {
		cfg.Listen = strings.TrimSpace(v.GetString("listen"))
	}
	if v.IsSet("timezone") {
		cfg.Timezone = strings.TrimSpace(v.GetString("timezone"))
	}
	if v.IsSet("strict") {
		cfg.Strict = v.GetBool("strict")
	}
	if v.IsSet("sort") {
		cfg.Sort = v.GetBool("sort")
	}
	if v.IsSet("default_span_days") {
		cfg.DefaultSpanDays = v.GetInt("default_span_days")
	}
	if v.IsSet("backfill_days") {
		cfg.BackfillDays = v.GetInt("backfill_days")
	}
	if v.IsSet("refresh") {
		cfg.RefreshCron = strings.TrimSpace(v.GetString("refresh"))
	}
	if v.IsSet("max_occurrences") {
		cfg.MaxOccurrences = v.GetInt("max_occurrences")
	}
	if v.IsSet("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(v.GetString("cache_dir"))
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
}

// Save writes cfg to path atomically via a temp file and rename, with
// 0600 permissions on the result.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calmat-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

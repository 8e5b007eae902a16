// Package config loads the build configuration from a YAML file, a .env file
// and ASSETPIPE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/cache"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = ".assetpipe.yaml"

// Config holds the resolved build configuration.
type Config struct {
	// Paths
	Entry         string   `yaml:"entry"`
	Output        string   `yaml:"output"`
	Ignore        []string `yaml:"ignore"`
	Cache         bool     `yaml:"cache"`
	CacheLocation string   `yaml:"cacheLocation"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// Build
	Strict      bool          `yaml:"strict"`
	Concurrency int           `yaml:"concurrency"`
	Debounce    time.Duration `yaml:"debounce"`
	MetricsAddr string        `yaml:"metricsAddr"`

	Plugins []PluginSpec `yaml:"plugins"`
	Assets  []AssetRule  `yaml:"assets"`

	// File is the config file that was read, empty when none was.
	File string `yaml:"-"`
}

// PluginSpec names one plugin of the ordered plugin list.
type PluginSpec struct {
	Name    string         `yaml:"name" json:"name"`
	Options map[string]any `yaml:"options" json:"options,omitempty"`
}

// AssetRule applies settings and tags to every path matching Files.
type AssetRule struct {
	Files    []string       `yaml:"files" json:"files"`
	Settings map[string]any `yaml:"settings" json:"settings,omitempty"`
	Tags     map[string]any `yaml:"tags" json:"tags,omitempty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Entry:         "./static",
		Output:        "./dist",
		Cache:         true,
		CacheLocation: ".assetpipe",
		LogLevel:      "info",
		LogFormat:     "console",
		Concurrency:   5,
		Debounce:      100 * time.Millisecond,
	}
}

// Load reads .env, then the config file at path (or DefaultFile when path is
// empty and the file exists), then applies environment overrides. Relative
// paths are resolved against the config file's folder.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.File = path
	}

	cfg.applyEnv()
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Entry = envOr("ASSETPIPE_ENTRY", c.Entry)
	c.Output = envOr("ASSETPIPE_OUTPUT", c.Output)
	c.Cache = envBool("ASSETPIPE_CACHE", c.Cache)
	c.CacheLocation = envOr("ASSETPIPE_CACHE_LOCATION", c.CacheLocation)
	c.LogLevel = envOr("ASSETPIPE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("ASSETPIPE_LOG_FORMAT", c.LogFormat)
	c.Strict = envBool("ASSETPIPE_STRICT", c.Strict)
	c.Concurrency = envInt("ASSETPIPE_CONCURRENCY", c.Concurrency)
	c.Debounce = envDuration("ASSETPIPE_DEBOUNCE", c.Debounce)
	c.MetricsAddr = envOr("ASSETPIPE_METRICS_ADDR", c.MetricsAddr)
}

func (c *Config) resolve() error {
	base := "."
	if c.File != "" {
		base = filepath.Dir(c.File)
	}
	for _, p := range []*string{&c.Entry, &c.Output, &c.CacheLocation} {
		if *p == "" {
			continue
		}
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Entry, validation.Required),
		validation.Field(&c.Output,
			validation.Required,
			validation.By(notEnclosing(c.Entry)),
		),
		validation.Field(&c.Ignore, validation.Each(validation.By(validGlob))),
		validation.Field(&c.CacheLocation,
			validation.When(c.Cache, validation.Required),
			validation.By(notEnclosing(c.Entry)),
		),
		validation.Field(&c.LogLevel, validation.In("verbose", "debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.In("console", "json")),
		validation.Field(&c.Concurrency, validation.Min(0)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.Plugins),
		validation.Field(&c.Assets),
	)
}

// Validate implements validation.Validatable.
func (p PluginSpec) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (r AssetRule) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Files, validation.Required, validation.Each(validation.By(validGlob))),
	)
}

// Encloses reports whether path is dir itself or lies below it.
func Encloses(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// notEnclosing rejects folders that are entry or one of its parents. Those
// folders get wiped before a full rebuild.
func notEnclosing(entry string) validation.RuleFunc {
	return func(v any) error {
		s, _ := v.(string)
		if s != "" && entry != "" && Encloses(s, entry) {
			return errors.New("must not be or contain the entry folder")
		}
		return nil
	}
}

func validGlob(v any) error {
	s, _ := v.(string)
	if !doublestar.ValidatePattern(s) {
		return fmt.Errorf("invalid glob %q", s)
	}
	return nil
}

// Rules converts the asset rules into the tree's rule list.
func (c *Config) Rules() (*asset.Rules, error) {
	rules := make([]asset.Rule, 0, len(c.Assets))
	for _, r := range c.Assets {
		rules = append(rules, asset.Rule{
			Files:    r.Files,
			Settings: asset.Settings(r.Settings),
			Tags:     asset.Tags(r.Tags),
		})
	}
	return asset.NewRules(rules)
}

// CacheIdentity derives the cache identity from every setting that changes
// what a build produces. Logging, concurrency and timing settings are left
// out.
func (c *Config) CacheIdentity() (string, error) {
	return cache.Identity(struct {
		Entry   string       `json:"entry"`
		Output  string       `json:"output"`
		Ignore  []string     `json:"ignore"`
		Plugins []PluginSpec `json:"plugins"`
		Assets  []AssetRule  `json:"assets"`
	}{c.Entry, c.Output, c.Ignore, c.Plugins, c.Assets})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

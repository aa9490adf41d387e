package config

import (
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type ConfigError error

func WrapError(wrapped error) ConfigError {
	return ConfigError(errors.Wrap(wrapped, "Config error"))
}

// Settings is the active cache policy plus the connection details the
// binary needs. The cache components only ever read it.
type Settings struct {
	// Seconds an entry is fresh.
	TTL int64 `yaml:"ttl"`
	// Seconds after TTL during which a stale entry may be served while it is regenerated.
	Grace int64 `yaml:"grace"`
	// Store bodies compressed.
	Gzip bool `yaml:"gzip"`
	// Record debug data on entries and add details to the Cache-Status header.
	Debug bool `yaml:"debug"`
	// Set-Cookie names matching these patterns do not prevent caching.
	IgnoreCookies Patterns `yaml:"ignore_cookies"`
	// Request paths matching these patterns are never cached.
	NoCachePaths Patterns `yaml:"nocache_paths"`
	// Requests carrying a cookie whose name matches these patterns are never cached.
	NoCacheCookies Patterns `yaml:"nocache_cookies"`
	// Query parameters matching these patterns do not take part in the cache key.
	IgnoreRequestKeys Patterns `yaml:"ignore_request_keys"`
	// Cookie names whose values take part in the cache key.
	Unique []string `yaml:"unique"`

	// Key namespace in the backend.
	Prefix string `yaml:"prefix"`
	Redis  Redis  `yaml:"redis"`
	// SQLite file holding the site directory. Empty means single site.
	SitesDB string `yaml:"sites_db"`
	// How often dangling flag set members are swept.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the settings used when no config file is given.
func Default() Settings {
	return Settings{
		TTL:    3600,
		Grace:  86400,
		Gzip:   true,
		Prefix: "pagecache",
		Redis: Redis{
			Addr: "localhost:6379",
		},
		MaintenanceInterval: time.Hour,
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(filename string) (Settings, error) {
	settings := Default()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return settings, WrapError(err)
	}
	if err := yaml.Unmarshal(configBytes, &settings); err != nil {
		return settings, WrapError(err)
	}
	if err := settings.Validate(); err != nil {
		return settings, WrapError(err)
	}
	return settings, nil
}

// Validate checks values that cannot be caught by the YAML decoder.
func (s Settings) Validate() error {
	if s.TTL <= 0 {
		return errors.Errorf("ttl must be positive, is %d", s.TTL)
	}
	if s.Grace < 0 {
		return errors.Errorf("grace must not be negative, is %d", s.Grace)
	}
	if s.Prefix == "" {
		return errors.New("prefix must not be empty")
	}
	return nil
}

// Patterns is a list of regular expressions compiled once when loaded.
type Patterns struct {
	raw []string
	res []*regexp.Regexp
}

// NewPatterns compiles the given expressions.
func NewPatterns(exprs ...string) (Patterns, error) {
	p := Patterns{raw: exprs, res: make([]*regexp.Regexp, 0, len(exprs))}
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Patterns{}, errors.Wrapf(err, "invalid pattern %q", expr)
		}
		p.res = append(p.res, re)
	}
	return p, nil
}

// MustPatterns is like NewPatterns but panics on an invalid expression.
func MustPatterns(exprs ...string) Patterns {
	p, err := NewPatterns(exprs...)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether any pattern matches s.
func (p Patterns) Match(s string) bool {
	for _, re := range p.res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Strings returns the source expressions.
func (p Patterns) Strings() []string {
	return p.raw
}

func (p *Patterns) UnmarshalYAML(value *yaml.Node) error {
	var exprs []string
	if err := value.Decode(&exprs); err != nil {
		return err
	}
	compiled, err := NewPatterns(exprs...)
	if err != nil {
		return err
	}
	*p = compiled
	return nil
}

func (p Patterns) MarshalYAML() (interface{}, error) {
	return p.raw, nil
}

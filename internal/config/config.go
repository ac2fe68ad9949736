// Package config loads the per-repository .protoscan.yaml file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the repository root.
const FileName = ".protoscan.yaml"

const (
	// DefaultCacheTTL is how long a search result is reused.
	DefaultCacheTTL = 30 * time.Second

	// DefaultCacheSize is the number of search results kept.
	DefaultCacheSize = 1024

	// DefaultMaxFileSize skips files larger than 1 MB.
	DefaultMaxFileSize = 1_000_000
)

// Config controls discovery, caching and exclusion.
type Config struct {
	// CacheTTL bounds the age of a reused search result.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheSize is the maximum number of cached search results.
	CacheSize int `yaml:"cache_size"`

	// MaxFileSize skips source files larger than this many bytes. Zero
	// disables the limit.
	MaxFileSize int64 `yaml:"max_file_size"`

	// ExcludeTests drops test classes, test functions and everything in test
	// files from the results.
	ExcludeTests bool `yaml:"exclude_tests"`

	// Exclude lists doublestar globs of files whose declarations never count
	// as implementations.
	Exclude []string `yaml:"exclude,omitempty"`

	// ParseCache persists parsed modules under .protoscan/ between runs.
	ParseCache bool `yaml:"parse_cache"`

	// Workers bounds parsing concurrency. Zero means GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		CacheTTL:     DefaultCacheTTL,
		CacheSize:    DefaultCacheSize,
		MaxFileSize:  DefaultMaxFileSize,
		ExcludeTests: true,
		ParseCache:   true,
	}
}

// Load reads FileName from root. A missing file yields Default(); fields the
// file leaves out keep their defaults.
func Load(root string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(root, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg and validates the result. Unknown keys are an
// error.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", FileName, err)
	}
	return cfg.Validate()
}

// Validate rejects negative limits.
func (c *Config) Validate() error {
	switch {
	case c.CacheTTL < 0:
		return fmt.Errorf("cache_ttl must not be negative, got %s", c.CacheTTL)
	case c.CacheSize < 0:
		return fmt.Errorf("cache_size must not be negative, got %d", c.CacheSize)
	case c.MaxFileSize < 0:
		return fmt.Errorf("max_file_size must not be negative, got %d", c.MaxFileSize)
	case c.Workers < 0:
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

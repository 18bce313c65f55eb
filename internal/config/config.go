package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/quantarax/rdiff/internal/signature"
	"github.com/quantarax/rdiff/internal/strong"
	"github.com/quantarax/rdiff/internal/validation"
)

// EnvPrefix prefixes every environment override, e.g. RDIFF_BLOCK_SIZE.
const EnvPrefix = "RDIFF_"

// Config holds the tunables shared by all rdiff commands.
type Config struct {
	BlockSize   int           `yaml:"block_size"` // 0 picks a size from the file length
	Hash        string        `yaml:"hash"`
	StrongLen   int           `yaml:"strong_len"` // 0 keeps the full digest
	Workers     int           `yaml:"workers"`
	MaxLiteral  int           `yaml:"max_literal"` // 0 disables the cap
	CachePath   string        `yaml:"cache_path"`
	CacheMaxAge time.Duration `yaml:"cache_max_age"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	MetricsFile string        `yaml:"metrics_file"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		BlockSize:   0,
		Hash:        strong.BLAKE3.String(),
		StrongLen:   0,
		Workers:     runtime.NumCPU(),
		MaxLiteral:  8 << 20, // 8 MiB
		CacheMaxAge: 30 * 24 * time.Hour,
		LogLevel:    "info",
		LogFormat:   "auto",
	}
}

// LoadConfig starts from the defaults, overlays the YAML file at path (if
// path is non-empty) and then the RDIFF_* environment. The result is not
// validated so that command-line flags can still be applied.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to process config file '%s': %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"BLOCK_SIZE":  &c.BlockSize,
		"STRONG_LEN":  &c.StrongLen,
		"WORKERS":     &c.Workers,
		"MAX_LITERAL": &c.MaxLiteral,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err)
		}
		*dst = n
	}

	strs := map[string]*string{
		"HASH":         &c.Hash,
		"CACHE_PATH":   &c.CachePath,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_FORMAT":   &c.LogFormat,
		"METRICS_FILE": &c.MetricsFile,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "CACHE_MAX_AGE"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %sCACHE_MAX_AGE=%q: %w", EnvPrefix, v, err)
		}
		c.CacheMaxAge = d
	}
	return nil
}

// Algorithm returns the configured strong hash algorithm.
func (c *Config) Algorithm() (strong.Algorithm, error) {
	return strong.ParseAlgorithm(c.Hash)
}

// Validate checks every field and returns the first problem found.
func (c *Config) Validate() error {
	if c.BlockSize != 0 {
		if err := signature.ValidateBlockSize(c.BlockSize); err != nil {
			return fmt.Errorf("block_size: %w", err)
		}
	}
	if _, err := c.Algorithm(); err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	if err := validation.ValidateRangeInt(c.StrongLen, 0, strong.MaxSize); err != nil {
		return fmt.Errorf("strong_len: %w", err)
	}
	if err := validation.ValidateRangeInt(c.Workers, 1, 1024); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	if err := validation.ValidateRangeInt(c.MaxLiteral, 0, signature.MaxBlockSize*4); err != nil {
		return fmt.Errorf("max_literal: %w", err)
	}
	if err := validation.ValidatePositiveDuration(c.CacheMaxAge); err != nil {
		return fmt.Errorf("cache_max_age: %w", err)
	}
	if c.CachePath != "" {
		if err := validation.ValidateFilePath(c.CachePath, false); err != nil {
			return fmt.Errorf("cache_path: %w", err)
		}
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil || c.LogLevel == "" {
		return fmt.Errorf("log_level: %w: %q", validation.ErrNotAllowed, c.LogLevel)
	}
	if err := validation.ValidateOneOf(c.LogFormat, "auto", "json", "console"); err != nil {
		return fmt.Errorf("log_format: %w", err)
	}
	return nil
}

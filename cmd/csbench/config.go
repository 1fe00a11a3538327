package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/gogpu/winsys"
)

// configName is the config file name without extension.
const configName = ".csbench"

// envPrefix is the environment variable prefix for csbench settings.
const envPrefix = "CSBENCH"

// Defaults.
const (
	DefaultProducers  = 4
	DefaultFlushes    = 64
	DefaultDWords     = 1024
	DefaultBuffers    = 16
	DefaultBufferSize = "64KiB"
	DefaultLogLevel   = "warn"
)

// Config errors.
var (
	ErrInvalidProducers = errors.New("csbench: producers must be positive")
	ErrInvalidFlushes   = errors.New("csbench: flushes must be positive")
	ErrInvalidDWords    = errors.New("csbench: dwords must be positive")
	ErrNoRings          = errors.New("csbench: at least one ring is required")
	ErrInvalidSize      = errors.New("csbench: invalid size")
)

// Config is the benchmark configuration.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	// Backend is the device backend name. Empty selects the best available.
	Backend string `mapstructure:"backend"`

	// Rings lists the ring types every producer submits to.
	Rings []string `mapstructure:"rings"`

	Producers int `mapstructure:"producers"`
	Flushes   int `mapstructure:"flushes"`
	DWords    int `mapstructure:"dwords"`

	// Buffers is the number of buffers shared by all producers.
	Buffers    int    `mapstructure:"buffers"`
	BufferSize string `mapstructure:"buffer_size"`

	MinSegment      string `mapstructure:"min_segment"`
	MaxSegment      string `mapstructure:"max_segment"`
	MaxBufferFences int    `mapstructure:"max_buffer_fences"`

	Async bool `mapstructure:"async"`

	// MetricsAddr serves Prometheus metrics while the benchmark runs.
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// LoadConfig loads configuration from defaults, the config file, CSBENCH_*
// environment variables and, with highest precedence, the bind callback
// (used to attach command-line flags). A missing config file is not an
// error.
func LoadConfig(configPath string, bind func(*viper.Viper) error) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if bind != nil {
		if err := bind(v); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("backend", "")
	v.SetDefault("rings", []string{"gfx"})
	v.SetDefault("producers", DefaultProducers)
	v.SetDefault("flushes", DefaultFlushes)
	v.SetDefault("dwords", DefaultDWords)
	v.SetDefault("buffers", DefaultBuffers)
	v.SetDefault("buffer_size", DefaultBufferSize)
	v.SetDefault("min_segment", humanize.IBytes(winsys.DefaultMinSegmentBytes))
	v.SetDefault("max_segment", humanize.IBytes(winsys.DefaultMaxSegmentBytes))
	v.SetDefault("max_buffer_fences", 0)
	v.SetDefault("async", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", DefaultLogLevel)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Producers <= 0:
		return ErrInvalidProducers
	case c.Flushes <= 0:
		return ErrInvalidFlushes
	case c.DWords <= 0:
		return ErrInvalidDWords
	case len(c.Rings) == 0:
		return ErrNoRings
	}

	if _, err := c.RingTypes(); err != nil {
		return err
	}
	for _, s := range []string{c.BufferSize, c.MinSegment, c.MaxSegment} {
		if _, err := parseSize(s); err != nil {
			return err
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// RingTypes resolves the configured ring names.
func (c *Config) RingTypes() ([]winsys.RingType, error) {
	rings := make([]winsys.RingType, 0, len(c.Rings))
	for _, name := range c.Rings {
		r, err := winsys.ParseRingType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		rings = append(rings, r)
	}
	return rings, nil
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// WinsysOptions translates the configuration into winsys options.
func (c *Config) WinsysOptions() []winsys.Option {
	minSeg, _ := parseSize(c.MinSegment)
	maxSeg, _ := parseSize(c.MaxSegment)
	return []winsys.Option{
		winsys.WithMinSegmentBytes(minSeg),
		winsys.WithMaxSegmentBytes(maxSeg),
		winsys.WithMaxBufferFences(c.MaxBufferFences),
	}
}

func parseSize(s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrInvalidSize, s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w %q: zero", ErrInvalidSize, s)
	}
	return n, nil
}

// Package config loads the ccbridge process configuration from an optional
// YAML file plus environment variables. The environment always wins so
// launchers can inject the upstream endpoint and credential without touching
// files. The resulting Config is read-only after process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/lunarfang/ccbridge/internal/logging"
	"gopkg.in/yaml.v3"
)

// Defaults applied when neither file nor environment provide a value.
const (
	DefaultRequestTimeout     = 300 * time.Second
	DefaultMaxBodyBytes       = 10 << 20 // 10 MiB
	DefaultLoopGuardThreshold = 3
	DefaultLocale             = "en-US"
	DefaultUpstreamModel      = "glm-4.6"
)

// ThinkingDefault is the configured fallback when a request carries no
// explicit thinking parameter, tags, or trigger keywords.
type ThinkingDefault struct {
	Enabled bool   `yaml:"enabled"`
	Effort  string `yaml:"effort"`
}

// ModelRoute describes one advertised downstream model: the upstream
// identifier it maps to and its output-token budget.
type ModelRoute struct {
	UpstreamModel string `yaml:"upstream_model"`
	MaxTokens     int    `yaml:"max_tokens"`
}

// Config holds all process-wide settings. Immutable after Load returns.
type Config struct {
	Port           int           `yaml:"port"`
	UpstreamURL    string        `yaml:"upstream_url"`
	APIKey         string        `yaml:"-"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`

	Thinking           ThinkingDefault       `yaml:"thinking"`
	LoopGuardThreshold int                   `yaml:"loop_guard_threshold"`
	Locale             string                `yaml:"locale"`
	Models             map[string]ModelRoute `yaml:"models"`
	DefaultModel       string                `yaml:"default_model"`

	UpstreamRPS float64 `yaml:"upstream_rps"`
	UsageDB     string  `yaml:"usage_db"`
	LogFile     string  `yaml:"log_file"`
	DebugDir    string  `yaml:"debug_dir"`
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables. A missing file is only an error when the
// path was given explicitly.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("failed to load .env file")
	}

	cfg := &Config{
		RequestTimeout:     DefaultRequestTimeout,
		MaxBodyBytes:       DefaultMaxBodyBytes,
		LoopGuardThreshold: DefaultLoopGuardThreshold,
		Locale:             DefaultLocale,
		DefaultModel:       DefaultUpstreamModel,
		Thinking:           ThinkingDefault{Enabled: false, Effort: "medium"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("upstream URL is required (CCBRIDGE_UPSTREAM_URL)")
	}
	if cfg.LoopGuardThreshold <= 0 {
		cfg.LoopGuardThreshold = DefaultLoopGuardThreshold
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CCBRIDGE_UPSTREAM_URL"); v != "" {
		cfg.UpstreamURL = v
	}
	if v := os.Getenv("CCBRIDGE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CCBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("CCBRIDGE_UPSTREAM_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("CCBRIDGE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if v := os.Getenv("CCBRIDGE_USAGE_DB"); v != "" {
		cfg.UsageDB = v
	}
	if v := os.Getenv("CCBRIDGE_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("CCBRIDGE_DEBUG_DIR"); v != "" {
		cfg.DebugDir = v
	}
}

// RouteFor resolves the upstream model and token budget for an advertised
// downstream model name. Unknown models fall back to the default upstream
// model with its budget.
func (c *Config) RouteFor(downstreamModel string) ModelRoute {
	if route, ok := c.Models[downstreamModel]; ok {
		if route.UpstreamModel == "" {
			route.UpstreamModel = c.DefaultModel
		}
		return route
	}
	return ModelRoute{UpstreamModel: c.DefaultModel}
}

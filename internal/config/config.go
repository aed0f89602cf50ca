/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the spendguard service configuration from defaults,
// an optional YAML file, and SPENDGUARD_* environment variables, in that
// order. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/altairalabs/spendguard/pkg/pricing"
)

// Config holds the spendguard service configuration.
type Config struct {
	// Enforcement policy
	Enabled             bool          // Gate enforcement; tracking stays on when false
	MaxSessionCostUSD   float64       // Per-session budget cap in USD
	MaxSessionDuration  time.Duration // Per-session wall-clock cap
	BreakerThresholdUSD float64       // Aggregate spend tripping the breaker (0 = never)
	BreakerCooldown     time.Duration // How long the breaker stays open

	// Pricing
	PricingFile string                  // Optional YAML rates file replacing the built-ins
	ModelRates  map[string]pricing.Rate // Per-model overrides applied on top

	// Spend mirror and events (Redis)
	RedisURL    string // Empty disables mirroring and event publishing
	EventStream string // Stream name for lifecycle events (empty = publisher default)

	// Janitor
	JanitorInterval time.Duration // How often idle sessions are swept (0 = never)
	JanitorGrace    time.Duration // Idle time beyond the duration cap before expiry

	// Tracing
	TracingEnabled    bool    // Enable OpenTelemetry tracing
	TracingEndpoint   string  // OTLP collector endpoint (e.g., "localhost:4317")
	TracingSampleRate float64 // Sampling rate (0.0 to 1.0)
	TracingInsecure   bool    // Disable TLS for the OTLP connection
}

// Environment variable names.
const (
	envEnabled             = "SPENDGUARD_ENABLED"
	envMaxSessionCostUSD   = "SPENDGUARD_MAX_SESSION_COST_USD"
	envMaxSessionDuration  = "SPENDGUARD_MAX_SESSION_DURATION"
	envBreakerThresholdUSD = "SPENDGUARD_BREAKER_THRESHOLD_USD"
	envBreakerCooldown     = "SPENDGUARD_BREAKER_COOLDOWN"
	envPricingFile         = "SPENDGUARD_PRICING_FILE"
	envRedisURL            = "SPENDGUARD_REDIS_URL"
	envEventStream         = "SPENDGUARD_EVENT_STREAM"
	envJanitorInterval     = "SPENDGUARD_JANITOR_INTERVAL"
	envJanitorGrace        = "SPENDGUARD_JANITOR_GRACE"
	envTracingEnabled      = "SPENDGUARD_TRACING_ENABLED"
	envTracingEndpoint     = "SPENDGUARD_TRACING_ENDPOINT"
	envTracingSampleRate   = "SPENDGUARD_TRACING_SAMPLE_RATE"
	envTracingInsecure     = "SPENDGUARD_TRACING_INSECURE"
)

// Default values.
const (
	defaultMaxSessionCostUSD   = 5.0
	defaultMaxSessionDuration  = 30 * time.Minute
	defaultBreakerThresholdUSD = 100.0
	defaultBreakerCooldown     = time.Hour
	defaultJanitorInterval     = time.Minute
	defaultJanitorGrace        = 5 * time.Minute
	defaultTracingSampleRate   = 1.0
)

const errFmtInvalidEnvVar = "invalid %s: %w"

// Default returns the configuration with every field at its default.
func Default() *Config {
	return &Config{
		Enabled:             true,
		MaxSessionCostUSD:   defaultMaxSessionCostUSD,
		MaxSessionDuration:  defaultMaxSessionDuration,
		BreakerThresholdUSD: defaultBreakerThresholdUSD,
		BreakerCooldown:     defaultBreakerCooldown,
		JanitorInterval:     defaultJanitorInterval,
		JanitorGrace:        defaultJanitorGrace,
		TracingSampleRate:   defaultTracingSampleRate,
	}
}

// Load builds the configuration from defaults, the YAML file at path when
// path is non-empty, and finally SPENDGUARD_* environment variables. The
// result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds the configuration from defaults and environment variables
// only.
func FromEnv() (*Config, error) {
	return Load("")
}

// fileConfig mirrors Config for YAML decoding. Pointer fields distinguish
// "absent" from zero values; durations are Go duration strings ("30m").
type fileConfig struct {
	Enabled             *bool                   `yaml:"enabled"`
	MaxSessionCostUSD   *float64                `yaml:"max_session_cost_usd"`
	MaxSessionDuration  *string                 `yaml:"max_session_duration"`
	BreakerThresholdUSD *float64                `yaml:"breaker_threshold_usd"`
	BreakerCooldown     *string                 `yaml:"breaker_cooldown"`
	PricingFile         *string                 `yaml:"pricing_file"`
	ModelRates          map[string]pricing.Rate `yaml:"model_rates"`
	RedisURL            *string                 `yaml:"redis_url"`
	EventStream         *string                 `yaml:"event_stream"`
	JanitorInterval     *string                 `yaml:"janitor_interval"`
	JanitorGrace        *string                 `yaml:"janitor_grace"`
}

// loadFile overlays settings from a YAML file. Absent fields keep their
// current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Enabled != nil {
		c.Enabled = *fc.Enabled
	}
	if fc.MaxSessionCostUSD != nil {
		c.MaxSessionCostUSD = *fc.MaxSessionCostUSD
	}
	if fc.BreakerThresholdUSD != nil {
		c.BreakerThresholdUSD = *fc.BreakerThresholdUSD
	}
	if fc.PricingFile != nil {
		c.PricingFile = *fc.PricingFile
	}
	if fc.RedisURL != nil {
		c.RedisURL = *fc.RedisURL
	}
	if fc.EventStream != nil {
		c.EventStream = *fc.EventStream
	}
	if len(fc.ModelRates) > 0 {
		if c.ModelRates == nil {
			c.ModelRates = make(map[string]pricing.Rate, len(fc.ModelRates))
		}
		for model, rate := range fc.ModelRates {
			c.ModelRates[model] = rate
		}
	}

	for _, d := range []struct {
		val  *string
		dst  *time.Duration
		name string
	}{
		{fc.MaxSessionDuration, &c.MaxSessionDuration, "max_session_duration"},
		{fc.BreakerCooldown, &c.BreakerCooldown, "breaker_cooldown"},
		{fc.JanitorInterval, &c.JanitorInterval, "janitor_interval"},
		{fc.JanitorGrace, &c.JanitorGrace, "janitor_grace"},
	} {
		if d.val == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.val)
		if err != nil {
			return fmt.Errorf("invalid %s in %s: %w", d.name, path, err)
		}
		*d.dst = parsed
	}
	return nil
}

// applyEnv applies SPENDGUARD_* environment variable overrides.
func (c *Config) applyEnv() error {
	c.PricingFile = getEnvOrDefault(envPricingFile, c.PricingFile)
	c.RedisURL = getEnvOrDefault(envRedisURL, c.RedisURL)
	c.EventStream = getEnvOrDefault(envEventStream, c.EventStream)
	c.TracingEndpoint = getEnvOrDefault(envTracingEndpoint, c.TracingEndpoint)

	if err := c.parseBools(); err != nil {
		return err
	}
	if err := c.parseFloats(); err != nil {
		return err
	}
	return c.parseDurations()
}

// parseBools parses boolean overrides. Enabled defaults to true, so it needs
// full ParseBool semantics rather than the usual == "true" check.
func (c *Config) parseBools() error {
	if v := os.Getenv(envEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf(errFmtInvalidEnvVar, envEnabled, err)
		}
		c.Enabled = b
	}
	if os.Getenv(envTracingEnabled) == "true" {
		c.TracingEnabled = true
	}
	if os.Getenv(envTracingInsecure) == "true" {
		c.TracingInsecure = true
	}
	return nil
}

// parseFloats parses USD and sample-rate overrides.
func (c *Config) parseFloats() error {
	for _, f := range []struct {
		env string
		dst *float64
	}{
		{envMaxSessionCostUSD, &c.MaxSessionCostUSD},
		{envBreakerThresholdUSD, &c.BreakerThresholdUSD},
		{envTracingSampleRate, &c.TracingSampleRate},
	} {
		v := os.Getenv(f.env)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf(errFmtInvalidEnvVar, f.env, err)
		}
		*f.dst = parsed
	}
	return nil
}

// parseDurations parses duration overrides.
func (c *Config) parseDurations() error {
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{envMaxSessionDuration, &c.MaxSessionDuration},
		{envBreakerCooldown, &c.BreakerCooldown},
		{envJanitorInterval, &c.JanitorInterval},
		{envJanitorGrace, &c.JanitorGrace},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf(errFmtInvalidEnvVar, d.env, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks the configuration. Violations are fatal at startup.
func (c *Config) Validate() error {
	if c.MaxSessionCostUSD <= 0 {
		return fmt.Errorf("max session cost must be positive, got %v", c.MaxSessionCostUSD)
	}
	if c.MaxSessionDuration <= 0 {
		return fmt.Errorf("max session duration must be positive, got %v", c.MaxSessionDuration)
	}
	if c.BreakerThresholdUSD < 0 {
		return fmt.Errorf("breaker threshold must not be negative, got %v", c.BreakerThresholdUSD)
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %v", c.BreakerCooldown)
	}
	if c.JanitorInterval < 0 {
		return fmt.Errorf("janitor interval must not be negative, got %v", c.JanitorInterval)
	}
	if c.JanitorGrace < 0 {
		return fmt.Errorf("janitor grace must not be negative, got %v", c.JanitorGrace)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0.0 and 1.0, got %v", c.TracingSampleRate)
	}
	for model, rate := range c.ModelRates {
		if rate.InputPerMTok < 0 || rate.OutputPerMTok < 0 {
			return fmt.Errorf("model rate for %q must not be negative", model)
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

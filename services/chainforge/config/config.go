// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chainforge configuration.
//
// Priority is env > file > defaults: DefaultConfig, then a YAML file (JSON
// accepted), then CHAINFORGE_* environment variables, then Validate.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/chainforge/pkg/logging"
	"github.com/AleutianAI/chainforge/services/chainforge/oracle"
	"github.com/AleutianAI/chainforge/services/chainforge/search"
	"github.com/AleutianAI/chainforge/services/chainforge/storage"
	"github.com/AleutianAI/chainforge/services/chainforge/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHAINFORGE_"

var configValidate = validator.New()

// OracleConfig configures the Oracle client and its resilience wrapper.
type OracleConfig struct {
	oracle.OpenAIConfig `yaml:",inline"`

	Retry oracle.RetryConfig `yaml:"retry" json:"retry"`

	// QPS caps Oracle calls per second across all workers. 0 is unlimited.
	QPS   float64 `yaml:"qps" json:"qps" validate:"gte=0"`
	Burst int     `yaml:"burst" json:"burst" validate:"gte=0"`

	// DescribeCacheTTL memoizes DescribeQAPair results. 0 disables.
	DescribeCacheTTL time.Duration `yaml:"describe_cache_ttl" json:"describe_cache_ttl" validate:"gte=0"`
}

// RunnerConfig configures the batch runner.
type RunnerConfig struct {
	// Workers is the number of trees built in parallel.
	Workers int `yaml:"workers" json:"workers" validate:"gte=1,lte=64"`

	// FirstPendingOnly builds at most one unbuilt final question per image
	// per run.
	FirstPendingOnly bool `yaml:"first_pending_only" json:"first_pending_only"`

	// FailFast stops the run at the first failed tree.
	FailFast bool `yaml:"fail_fast" json:"fail_fast"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`

	// Format is "text", "json" or "auto" (text on a terminal, JSON otherwise).
	Format string `yaml:"format" json:"format" validate:"oneof=auto text json"`

	// Dir enables the rotating file sink.
	Dir        string `yaml:"dir" json:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// Logging converts the section to a logging.Config. terminal reports
// whether stderr is a terminal, for the "auto" format.
func (c LoggingConfig) Logging(service string, terminal bool) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:      level,
		LogDir:     c.Dir,
		Service:    service,
		JSON:       c.Format == "json" || (c.Format == "auto" && !terminal),
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}, nil
}

// ForgeConfig is the complete configuration.
type ForgeConfig struct {
	Search         search.Config               `yaml:"search" json:"search"`
	Budget         oracle.BudgetConfig         `yaml:"budget" json:"budget"`
	Oracle         OracleConfig                `yaml:"oracle" json:"oracle"`
	CircuitBreaker oracle.CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Storage        storage.Config              `yaml:"storage" json:"storage"`
	Runner         RunnerConfig                `yaml:"runner" json:"runner"`
	Logging        LoggingConfig               `yaml:"logging" json:"logging"`
	Telemetry      telemetry.Config            `yaml:"telemetry" json:"telemetry"`

	// Source is the file the config was read from, "" for none.
	Source string `yaml:"-" json:"-"`
}

// DefaultConfig returns the defaults of every section.
func DefaultConfig() ForgeConfig {
	return ForgeConfig{
		Search: search.DefaultConfig(),
		Budget: oracle.DefaultBudgetConfig(),
		Oracle: OracleConfig{
			OpenAIConfig:     oracle.DefaultOpenAIConfig(),
			Retry:            oracle.DefaultRetryConfig(),
			QPS:              2,
			Burst:            4,
			DescribeCacheTTL: time.Hour,
		},
		CircuitBreaker: oracle.DefaultCircuitBreakerConfig(),
		Storage:        storage.DefaultConfig(),
		Runner:         RunnerConfig{Workers: 2},
		Logging:        LoggingConfig{Level: "info", Format: "auto", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30},
		Telemetry:      telemetry.DefaultConfig(),
	}
}

// Load loads configuration with priority env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON file. Empty or missing uses defaults.
//
// Outputs:
//   - ForgeConfig: Merged configuration.
//   - error: Non-nil if the file is unreadable or invalid, an env value
//     does not parse, or the result fails validation.
func Load(path string) (ForgeConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		found, err := loadConfigFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if found {
			cfg.Source = path
		}
	}

	if err := loadConfigFromEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *ForgeConfig) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return false, fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return true, nil
}

// envReader collects parse errors while applying overrides.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) setString(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) setInt(name string, dst *int) {
	if v, ok := r.get(name); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = i
	}
}

func (r *envReader) setInt64(name string, dst *int64) {
	if v, ok := r.get(name); ok {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = i
	}
}

func (r *envReader) setFloat(name string, dst *float64) {
	if v, ok := r.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = f
	}
}

func (r *envReader) setBool(name string, dst *bool) {
	if v, ok := r.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) setDuration(name string, dst *time.Duration) {
	if v, ok := r.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

func loadConfigFromEnv(cfg *ForgeConfig, lookup func(string) (string, bool)) error {
	r := &envReader{lookup: lookup}

	// Search
	r.setFloat("EXPLORATION_CONSTANT", &cfg.Search.ExplorationConstant)
	r.setInt("MAX_CHAIN_COUNT", &cfg.Search.MaxChainCount)
	r.setInt("MAX_CHAIN_NODE_COUNT", &cfg.Search.MaxChainNodeCount)
	r.setInt("MAX_CONSECUTIVE_ABORTS", &cfg.Search.MaxConsecutiveAborts)
	r.setInt64("SEED", &cfg.Search.Seed)

	// Budget
	r.setInt("BUDGET_CALL_LIMIT", &cfg.Budget.CallLimit)
	r.setInt("BUDGET_TOKEN_LIMIT", &cfg.Budget.TokenLimit)
	r.setDuration("BUDGET_TIME_LIMIT", &cfg.Budget.TimeLimit)

	// Oracle
	r.setString("ORACLE_BASE_URL", &cfg.Oracle.BaseURL)
	r.setString("ORACLE_MODEL", &cfg.Oracle.Model)
	r.setString("ORACLE_API_KEY_ENV", &cfg.Oracle.APIKeyEnv)
	r.setString("ORACLE_API_KEY_FILE", &cfg.Oracle.APIKeyFile)
	r.setDuration("ORACLE_TIMEOUT", &cfg.Oracle.Timeout)
	r.setFloat("ORACLE_QPS", &cfg.Oracle.QPS)
	r.setInt("ORACLE_MAX_RETRIES", &cfg.Oracle.Retry.MaxRetries)

	// Storage
	r.setString("STORAGE_BACKEND", &cfg.Storage.Backend)
	r.setString("OUTPUT_DIR", &cfg.Storage.Root)

	// Runner
	r.setInt("WORKERS", &cfg.Runner.Workers)
	r.setBool("FIRST_PENDING_ONLY", &cfg.Runner.FirstPendingOnly)
	r.setBool("FAIL_FAST", &cfg.Runner.FailFast)

	// Logging
	r.setString("LOG_LEVEL", &cfg.Logging.Level)
	r.setString("LOG_FORMAT", &cfg.Logging.Format)
	r.setString("LOG_DIR", &cfg.Logging.Dir)

	// Telemetry
	r.setString("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	r.setString("METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	r.setString("METRICS_ADDR", &cfg.Telemetry.MetricsAddr)

	return errors.Join(r.errs...)
}

// Validate checks struct tags of every section, then the checks tags
// cannot express.
func (c ForgeConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrInvalidConfig, err)
	}
	return nil
}

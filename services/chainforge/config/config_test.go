// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chainforge/pkg/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Search.MaxChainCount)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "gpt-4o", cfg.Oracle.Model)
	assert.Equal(t, 2, cfg.Runner.Workers)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "chainforge.yaml", `
search:
  max_chain_count: 4
  seed: 42
  thresholds:
    Perception: 2
budget:
  call_limit: 100
  time_limit: 15m
oracle:
  model: gpt-4o-mini
  base_url: http://localhost:8000/v1
  qps: 0.5
  retry:
    max_retries: 1
    initial_backoff: 250ms
    max_backoff: 2s
storage:
  backend: badger
  root: /tmp/forge
runner:
  workers: 4
  first_pending_only: true
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, 4, cfg.Search.MaxChainCount)
	assert.Equal(t, int64(42), cfg.Search.Seed)
	assert.Equal(t, map[string]int{"Perception": 2}, cfg.Search.Thresholds)
	assert.Equal(t, 16, cfg.Search.MaxChainNodeCount, "unset fields keep defaults")
	assert.Equal(t, 100, cfg.Budget.CallLimit)
	assert.Equal(t, 15*time.Minute, cfg.Budget.TimeLimit)
	assert.Equal(t, "gpt-4o-mini", cfg.Oracle.Model)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Oracle.APIKeyEnv)
	assert.Equal(t, 0.5, cfg.Oracle.QPS)
	assert.Equal(t, 250*time.Millisecond, cfg.Oracle.Retry.InitialBackoff)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 4, cfg.Runner.Workers)
	assert.True(t, cfg.Runner.FirstPendingOnly)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Source)
	assert.Equal(t, DefaultConfig().Search, cfg.Search)
}

func TestLoad_BadFile(t *testing.T) {
	path := writeFile(t, "bad.yaml", "search: [1, 2\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "tried YAML and JSON")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero chains", "search: {max_chain_count: 0}"},
		{"bad threshold", "search: {thresholds: {Reasoning: 2}}"},
		{"unknown backend", "storage: {backend: s3}"},
		{"no workers", "runner: {workers: 0}"},
		{"bad log level", "logging: {level: loud}"},
		{"bad log format", "logging: {format: xml}"},
		{"backoff order", "oracle: {retry: {initial_backoff: 10s, max_backoff: 1s}}"},
		{"bad base url", "oracle: {base_url: 'not a url'}"},
		{"bad trace exporter", "telemetry: {trace_exporter: zipkin}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := loadConfigFromEnv(&cfg, envMap(map[string]string{
		"CHAINFORGE_MAX_CHAIN_COUNT":    "12",
		"CHAINFORGE_SEED":               "-7",
		"CHAINFORGE_BUDGET_TIME_LIMIT":  "30m",
		"CHAINFORGE_ORACLE_MODEL":       "qwen2-vl",
		"CHAINFORGE_ORACLE_QPS":         "1.5",
		"CHAINFORGE_FIRST_PENDING_ONLY": "true",
		"CHAINFORGE_OUTPUT_DIR":         "/data/out",
		"CHAINFORGE_LOG_DIR":            "  ",
	}))
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Search.MaxChainCount)
	assert.Equal(t, int64(-7), cfg.Search.Seed)
	assert.Equal(t, 30*time.Minute, cfg.Budget.TimeLimit)
	assert.Equal(t, "qwen2-vl", cfg.Oracle.Model)
	assert.Equal(t, 1.5, cfg.Oracle.QPS)
	assert.True(t, cfg.Runner.FirstPendingOnly)
	assert.Equal(t, "/data/out", cfg.Storage.Root)
	assert.Empty(t, cfg.Logging.Dir, "blank values are ignored")
}

func TestLoadConfigFromEnv_ParseErrors(t *testing.T) {
	cfg := DefaultConfig()
	err := loadConfigFromEnv(&cfg, envMap(map[string]string{
		"CHAINFORGE_WORKERS":           "many",
		"CHAINFORGE_BUDGET_TIME_LIMIT": "forever",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "CHAINFORGE_WORKERS")
	assert.ErrorContains(t, err, "CHAINFORGE_BUDGET_TIME_LIMIT")
	assert.Equal(t, 2, cfg.Runner.Workers, "bad values leave the previous value")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "c.yaml", "runner: {workers: 3}\n")
	t.Setenv("CHAINFORGE_WORKERS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Runner.Workers)
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeFile(t, "c.json", `{"search": {"max_chain_count": 2}, "runner": {"workers": 1}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Search.MaxChainCount)
	assert.Equal(t, 1, cfg.Runner.Workers)
}

func TestLoggingConfig_Logging(t *testing.T) {
	c := LoggingConfig{Level: "warn", Format: "auto", Dir: "/var/log/forge", MaxSizeMB: 10}

	term, err := c.Logging("chainforge", true)
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, term.Level)
	assert.False(t, term.JSON)
	assert.Equal(t, "/var/log/forge", term.LogDir)
	assert.Equal(t, "chainforge", term.Service)

	piped, err := c.Logging("chainforge", false)
	require.NoError(t, err)
	assert.True(t, piped.JSON)

	c.Format = "text"
	piped, err = c.Logging("chainforge", false)
	require.NoError(t, err)
	assert.False(t, piped.JSON)

	c.Level = "chatty"
	_, err = c.Logging("chainforge", true)
	assert.Error(t, err)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_TextOutputWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Service: "chainforge", Output: &buf})
	defer logger.Close()

	logger.Slog().Info("chain complete", "index", 3)
	out := buf.String()
	assert.Contains(t, out, "chain complete")
	assert.Contains(t, out, "service=chainforge")
	assert.Contains(t, out, "index=3")
	assert.Empty(t, logger.FilePath())
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})
	logger.Slog().Warn("chain abandoned", "attempt", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "chain abandoned", rec["msg"])
	assert.Equal(t, float64(2), rec["attempt"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})
	logger.Slog().Info("hidden")
	logger.Slog().Debug("hidden too")
	logger.Slog().Error("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestNew_FileSink(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "forge", Output: &buf})

	logger.Slog().Info("tree complete", "chains", 8)
	require.NoError(t, logger.Close())

	assert.Equal(t, filepath.Join(dir, "forge.log"), logger.FilePath())
	data, err := os.ReadFile(logger.FilePath())
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "tree complete", rec["msg"])
	assert.Equal(t, "forge", rec["service"])
	assert.Contains(t, buf.String(), "tree complete", "stderr handler still receives records")
}

func TestNew_QuietWithFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Quiet: true, Output: &buf})
	logger.Slog().Info("only in file")
	require.NoError(t, logger.Close())

	assert.Empty(t, buf.String())
	data, err := os.ReadFile(filepath.Join(dir, "chainforge.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "only in file")
}

func TestNew_BadLogDirFallsBack(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	assert.Empty(t, logger.FilePath())
	assert.Contains(t, buf.String(), "Log file disabled")

	logger.Slog().Info("still logging")
	assert.Contains(t, buf.String(), "still logging")
}

func TestLogger_WithSharesFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	child := logger.With("run_id", "r1")

	child.Slog().Info("from child")
	assert.Equal(t, logger.FilePath(), child.FilePath())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.FilePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"r1"`)
}

func TestLogger_Rotate(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Slog().Info("before")
	require.NoError(t, logger.Rotate())
	logger.Slog().Info("after")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	assert.NoError(t, New(Config{Quiet: true}).Rotate(), "no file sink")
}

func TestLogger_CloseTwice(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})
	require.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	assert.Same(t, base, LoggerWithTrace(context.Background(), base))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	LoggerWithTrace(ctx, base).Info("traced")

	out := buf.String()
	assert.Contains(t, out, "trace_id="+sc.TraceID().String())
	assert.Contains(t, out, "span_id="+sc.SpanID().String())

	assert.NotNil(t, LoggerWithTrace(ctx, nil))
}

func TestMultiHandler_Enabled(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}}
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g"))
	logger.Info("msg", "x", 1)
	assert.Empty(t, a.String())
	assert.Contains(t, b.String(), "k=v")
	assert.Contains(t, b.String(), "g.x=1")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".chainforge/logs"), expandPath("~/.chainforge/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.True(t, strings.HasPrefix(expandPath("rel/path"), "rel"))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/chainforge/pkg/logging"
	"github.com/AleutianAI/chainforge/pkg/ux"
	"github.com/AleutianAI/chainforge/services/chainforge/config"
	"github.com/AleutianAI/chainforge/services/chainforge/dataset"
	"github.com/AleutianAI/chainforge/services/chainforge/oracle"
	"github.com/AleutianAI/chainforge/services/chainforge/runner"
	"github.com/AleutianAI/chainforge/services/chainforge/storage"
	"github.com/AleutianAI/chainforge/services/chainforge/telemetry"
)

// loadConfig reads .env, the config file and the --out override.
func loadConfig() (config.ForgeConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.ForgeConfig{}, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if outDir != "" {
		cfg.Storage.Root = outDir
	}
	return cfg, nil
}

func stderrIsTerminal() bool {
	return isTerminal(os.Stderr)
}

func newLogger(cfg config.ForgeConfig) (*logging.Logger, error) {
	lc, err := cfg.Logging.Logging("chainforge", stderrIsTerminal())
	if err != nil {
		return nil, err
	}
	return logging.New(lc), nil
}

func newOracle(cfg config.ForgeConfig, logger *slog.Logger) (oracle.Oracle, error) {
	if dryRun {
		logger.Warn("Dry run, using scripted Oracle")
		return oracle.NewScriptedOracle(), nil
	}
	key, err := oracle.LoadAPIKey(cfg.Oracle.OpenAIConfig)
	if err != nil {
		return nil, err
	}
	return oracle.NewOpenAIOracleFromEnclave(cfg.Oracle.OpenAIConfig, key, logger)
}

func runnerConfig(cfg config.ForgeConfig) runner.Config {
	rc := runner.Config{
		Workers:          cfg.Runner.Workers,
		FirstPendingOnly: cfg.Runner.FirstPendingOnly,
		FailFast:         cfg.Runner.FailFast,
		Search:           cfg.Search,
		Budget:           cfg.Budget,
		Retry:            cfg.Oracle.Retry,
		CircuitBreaker:   cfg.CircuitBreaker,
		QPS:              cfg.Oracle.QPS,
		Burst:            cfg.Oracle.Burst,
		DescribeCacheTTL: cfg.Oracle.DescribeCacheTTL,
	}
	if workers > 0 {
		rc.Workers = workers
	}
	return rc
}

func runBuild(cmd *cobra.Command, args []string) error {
	defer memguard.Purge()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logs, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()
	if cfg.Source != "" {
		logger.Info("Config loaded", slog.String("path", cfg.Source))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	manifest, err := dataset.Load(manifestPath)
	if err != nil {
		return err
	}
	tasks := manifest.Tasks()

	o, err := newOracle(cfg, logger)
	if err != nil {
		return err
	}

	st, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	r := runner.New(st, o, runnerConfig(cfg), runner.WithLogger(logger))

	if cfg.Telemetry.MetricsAddr != "" {
		srv := telemetry.NewServer(cfg.Telemetry.MetricsAddr, func() any { return r.Status() }, logger)
		addr, err := srv.Start()
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server listening", slog.String("addr", addr))
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	logger.Info("Build starting",
		slog.String("manifest", manifestPath),
		slog.Int("images", len(manifest.Images)),
		slog.Int("tasks", len(tasks)),
		slog.String("backend", cfg.Storage.Backend),
		slog.String("out", cfg.Storage.Root))

	report, runErr := r.Run(ctx, tasks)
	if stderrIsTerminal() {
		printReport(ux.NewPrinter(cmd.ErrOrStderr(), true), report)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return runErr
}

// printReport writes a human summary of a run.
func printReport(p *ux.Printer, report runner.Report) {
	failed := make(map[storage.Key]bool, len(report.Failures))
	for _, f := range report.Failures {
		failed[f.Key] = true
	}
	for _, res := range report.Results {
		switch {
		case failed[res.Key]:
		case res.Skipped:
			p.Status(ux.IconPending, res.Key.String()+" already built")
		case res.Built > 0:
			p.Status(ux.IconSuccess, fmt.Sprintf("%s %d chains, %d correct", res.Key, res.Built, res.Correct))
		}
	}
	for _, f := range report.Failures {
		p.Box("Failed "+f.Key.String(), f.Error, true)
	}
	p.RunSummary(report.Built, report.Skipped, len(report.Failures))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner builds trees for a batch of tasks in parallel.
//
// Each task gets its own Controller, Oracle budget and circuit breaker. The
// rate limiter and the description cache are shared by every worker, so
// the QPS cap holds for the whole process.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/chainforge/services/chainforge/oracle"
	"github.com/AleutianAI/chainforge/services/chainforge/search"
	"github.com/AleutianAI/chainforge/services/chainforge/storage"
)

// ErrTreesFailed is returned by Run when at least one tree was not built.
var ErrTreesFailed = errors.New("one or more trees failed")

// Config configures a Runner.
type Config struct {
	Workers          int
	FirstPendingOnly bool
	FailFast         bool

	Search         search.Config
	Budget         oracle.BudgetConfig
	Retry          oracle.RetryConfig
	CircuitBreaker oracle.CircuitBreakerConfig

	QPS              float64
	Burst            int
	DescribeCacheTTL time.Duration
}

// DefaultConfig returns two workers with package defaults for every part.
func DefaultConfig() Config {
	return Config{
		Workers:          2,
		Search:           search.DefaultConfig(),
		Budget:           oracle.DefaultBudgetConfig(),
		Retry:            oracle.DefaultRetryConfig(),
		CircuitBreaker:   oracle.DefaultCircuitBreakerConfig(),
		DescribeCacheTTL: time.Hour,
	}
}

// Failure is a task that did not complete.
type Failure struct {
	Key   storage.Key `json:"key"`
	Error string      `json:"error"`

	err error
}

// Err returns the underlying error.
func (f Failure) Err() error {
	return f.err
}

// Report summarizes a run.
type Report struct {
	RunID    string          `json:"run_id"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Planned  int             `json:"planned"`
	Deferred int             `json:"deferred"`
	Built    int             `json:"built"`
	Skipped  int             `json:"skipped"`
	Results  []search.Result `json:"results"`
	Failures []Failure       `json:"failures,omitempty"`
}

// Status is a snapshot of a run in progress.
type Status struct {
	RunID     string `json:"run_id"`
	Planned   int    `json:"planned"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Runner runs tree builds.
//
// Thread Safety: Run must not be called concurrently. Status is safe to
// call from any goroutine.
type Runner struct {
	store    storage.Store
	oracle   oracle.Oracle
	config   Config
	runID    string
	logger   *slog.Logger
	limiter  *rate.Limiter
	describe *cache.Cache

	mu     sync.Mutex
	status Status
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// New creates a Runner. o is the bare Oracle; the Runner wraps it per task.
func New(st storage.Store, o oracle.Oracle, config Config, opts ...Option) *Runner {
	if config.Workers < 1 {
		config.Workers = 1
	}
	r := &Runner{
		store:   st,
		oracle:  o,
		config:  config,
		runID:   uuid.NewString(),
		logger:  slog.Default(),
		limiter: oracle.NewLimiter(config.QPS, config.Burst),
	}
	if config.DescribeCacheTTL > 0 {
		r.describe = oracle.NewDescribeCache(config.DescribeCacheTTL)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.status.RunID = r.runID
	return r
}

// RunID returns the id stamped on checkpoints written by this runner.
func (r *Runner) RunID() string {
	return r.runID
}

// Status returns a snapshot of the current run.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) update(fn func(*Status)) {
	r.mu.Lock()
	fn(&r.status)
	r.mu.Unlock()
}

// Plan returns the tasks to run. With FirstPendingOnly, each image keeps only
// its first task whose tree is not yet built; the rest are deferred to a
// later run.
func (r *Runner) Plan(ctx context.Context, tasks []search.Task) (planned []search.Task, deferred int, err error) {
	if !r.config.FirstPendingOnly {
		return tasks, 0, nil
	}
	type imageKey struct{ book, image string }
	picked := make(map[imageKey]bool)
	for _, task := range tasks {
		ik := imageKey{task.BookID, task.ImageID}
		if picked[ik] {
			deferred++
			continue
		}
		exists, err := r.store.TreeExists(ctx, task.Key())
		if err != nil {
			return nil, 0, err
		}
		if exists {
			continue
		}
		picked[ik] = true
		planned = append(planned, task)
	}
	return planned, deferred, nil
}

// Run builds every planned task with up to Workers in parallel.
//
// A failed tree is recorded in the report and does not stop the others
// unless FailFast is set. Cancellation stops all workers.
//
// Outputs:
//   - Report: Results in task order, plus failures.
//   - error: ctx.Err() on cancellation, the first failure with FailFast,
//     otherwise ErrTreesFailed if any tree failed.
func (r *Runner) Run(ctx context.Context, tasks []search.Task) (Report, error) {
	report := Report{RunID: r.runID, Started: time.Now().UTC()}
	logger := r.logger.With(slog.String("run_id", r.runID))

	planned, deferred, err := r.Plan(ctx, tasks)
	if err != nil {
		return report, err
	}
	report.Planned = len(planned)
	report.Deferred = deferred
	r.update(func(s *Status) { *s = Status{RunID: r.runID, Planned: len(planned)} })

	logger.Info("Run started",
		slog.Int("tasks", len(tasks)),
		slog.Int("planned", len(planned)),
		slog.Int("deferred", deferred),
		slog.Int("workers", r.config.Workers))

	results := make([]search.Result, len(planned))
	errs := make([]error, len(planned))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)

	for i, task := range planned {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.update(func(s *Status) { s.Running++ })
			res, err := r.buildOne(gCtx, i, task)
			results[i], errs[i] = res, err
			r.update(func(s *Status) {
				s.Running--
				if err != nil {
					s.Failed++
				} else {
					s.Completed++
				}
			})
			if err != nil {
				logger.Error("Tree build failed",
					slog.String("key", task.Key().String()),
					slog.String("error", err.Error()))
				if r.config.FailFast {
					return fmt.Errorf("%s: %w", task.Key(), err)
				}
			}
			return nil
		})
	}
	groupErr := g.Wait()

	for i, res := range results {
		if res.Key == (storage.Key{}) {
			res.Key = planned[i].Key()
		}
		report.Results = append(report.Results, res)
		switch {
		case errs[i] != nil:
			report.Failures = append(report.Failures, Failure{Key: res.Key, Error: errs[i].Error(), err: errs[i]})
		case res.Skipped:
			report.Skipped++
		case res.FinalState == search.StateTreeComplete:
			report.Built++
		}
	}
	report.Finished = time.Now().UTC()

	logger.Info("Run finished",
		slog.Int("built", report.Built),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", len(report.Failures)),
		slog.Duration("duration", report.Finished.Sub(report.Started)))

	switch {
	case ctx.Err() != nil:
		return report, ctx.Err()
	case groupErr != nil:
		return report, groupErr
	case len(report.Failures) > 0:
		return report, fmt.Errorf("%w: %d of %d", ErrTreesFailed, len(report.Failures), len(planned))
	}
	return report, nil
}

// buildOne wires a fresh budget, breaker and controller for one task.
func (r *Runner) buildOne(ctx context.Context, index int, task search.Task) (search.Result, error) {
	opts := []oracle.ResilientOption{
		oracle.WithLimiter(r.limiter),
		oracle.WithBudget(oracle.NewBudget(r.config.Budget)),
		oracle.WithBreaker(oracle.NewCircuitBreaker(r.config.CircuitBreaker)),
		oracle.WithRetry(r.config.Retry),
		oracle.WithOracleLogger(r.logger),
	}
	if r.describe != nil {
		opts = append(opts, oracle.WithDescribeCache(r.describe))
	}
	o := oracle.NewResilientOracle(r.oracle, opts...)

	cfg := r.config.Search
	if cfg.Seed != 0 {
		cfg.Seed += int64(index)
	}
	c := search.NewController(r.store, o, cfg,
		search.WithControllerLogger(r.logger.With(slog.String("run_id", r.runID))),
		search.WithRunID(r.runID),
	)

	res, err := c.BuildTree(ctx, task)
	if errors.Is(err, oracle.ErrBudgetExhausted) {
		r.logger.Warn("Oracle budget exhausted, checkpoint kept",
			slog.String("key", task.Key().String()),
			slog.String("budget", o.Budget().String()))
	}
	return res, err
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/chainforge/services/chainforge/oracle"
	"github.com/AleutianAI/chainforge/services/chainforge/storage"
	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

const tracerName = "chainforge.search"

// State is the chain controller state.
type State int

const (
	StateTraversing State = iota
	StateFinalizing
	StateChainComplete
	StateTreeComplete
)

func (s State) String() string {
	switch s {
	case StateTraversing:
		return "traversing"
	case StateFinalizing:
		return "finalizing"
	case StateChainComplete:
		return "chain_complete"
	case StateTreeComplete:
		return "tree_complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChainSummary describes one chain attempt of a build.
type ChainSummary struct {
	Index       int    `json:"index"`
	Depth       int    `json:"depth"`
	FinalAnswer string `json:"final_answer,omitempty"`
	Correct     bool   `json:"correct"`
	Reason      string `json:"reason"`
	Aborted     bool   `json:"aborted,omitempty"`
}

// Result summarizes one BuildTree call.
type Result struct {
	Key        storage.Key    `json:"key"`
	Skipped    bool           `json:"skipped"`
	Resumed    bool           `json:"resumed"`
	FinalState State          `json:"-"`
	Built      int            `json:"chains_built"`
	Correct    int            `json:"chains_correct"`
	Aborted    int            `json:"chains_aborted"`
	Chains     []ChainSummary `json:"chains,omitempty"`
	Tree       tree.Summary   `json:"tree"`
	Duration   time.Duration  `json:"duration"`
}

// Controller runs chains for a task until the tree is complete.
//
// Thread Safety: NOT safe for concurrent use. Create one Controller per
// worker.
type Controller struct {
	store      storage.Store
	oracle     oracle.Oracle
	config     Config
	runID      string
	logger     *slog.Logger
	tracer     trace.Tracer
	meters     metric.MeterProvider
	metrics    *instruments
	engineOpts []EngineOption
	now        func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithRunID tags checkpoints with the id of the current run.
func WithRunID(id string) ControllerOption {
	return func(c *Controller) { c.runID = id }
}

// WithEngineOptions passes options to every Engine the controller creates.
func WithEngineOptions(opts ...EngineOption) ControllerOption {
	return func(c *Controller) { c.engineOpts = append(c.engineOpts, opts...) }
}

// WithMeterProvider sets the provider of the OpenTelemetry instruments.
// Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) ControllerOption {
	return func(c *Controller) { c.meters = mp }
}

// NewController creates a controller that persists to st and consults o.
func NewController(st storage.Store, o oracle.Oracle, config Config, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:  st,
		oracle: o,
		config: config,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		meters: otel.GetMeterProvider(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	m, err := newInstruments(c.meters)
	if err != nil {
		c.logger.Warn("Search metrics disabled", slog.String("error", err.Error()))
		m = noopInstruments()
	}
	c.metrics = m
	return c
}

// build is the state of one BuildTree call.
type build struct {
	*Controller
	task   Task
	key    storage.Key
	engine *Engine
	state  State
	logger *slog.Logger
}

func (b *build) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Debug("State transition",
		slog.String("from", b.state.String()),
		slog.String("to", to.String()))
	b.state = to
}

// BuildTree runs chains for task until MaxChainCount chains are complete,
// then persists the tree.
//
// A task whose tree already exists is skipped. A task with a checkpoint
// resumes from it, keeping its statistics and chain numbering.
//
// Chains that fail on a retryable or malformed Oracle response are
// abandoned: the nodes and actions they created stay in the store, flagged
// provisional. More than MaxConsecutiveAborts abandoned chains in a row
// fail the build with ErrTooManyAborts.
//
// Budget exhaustion and cancellation stop the build and keep the last
// checkpoint. Persistence failures and fatal Oracle errors fail the build.
//
// Outputs:
//   - Result: What was built.
//   - error: Non-nil if the tree was not completed.
func (c *Controller) BuildTree(ctx context.Context, task Task) (res Result, err error) {
	start := c.now()
	key := task.Key()
	res.Key = key
	logger := c.logger.With(slog.String("key", key.String()))

	ctx, span := c.tracer.Start(ctx, "search.build_tree",
		trace.WithAttributes(
			attribute.String("chainforge.book_id", key.BookID),
			attribute.String("chainforge.image_id", key.ImageID),
			attribute.Int("chainforge.fq_no", key.FQNo),
			attribute.Int("chainforge.max_chain_count", c.config.MaxChainCount),
		),
	)
	defer func() {
		res.Duration = c.now().Sub(start)
		span.SetAttributes(
			attribute.Int("chainforge.chains_built", res.Built),
			attribute.Int("chainforge.chains_correct", res.Correct),
			attribute.Int("chainforge.chains_aborted", res.Aborted),
			attribute.Bool("chainforge.skipped", res.Skipped),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		c.metrics.recordTree(ctx, treeOutcome(res, err))
	}()

	if err := task.Validate(); err != nil {
		return res, err
	}

	exists, err := c.store.TreeExists(ctx, key)
	if err != nil {
		return res, err
	}
	if exists {
		logger.Info("Tree already built, skipping")
		res.Skipped = true
		res.FinalState = StateTreeComplete
		return res, nil
	}

	ts, built, next, resumed, err := c.restore(ctx, key)
	if err != nil {
		return res, err
	}
	res.Resumed = resumed
	res.Built = built
	if resumed {
		logger.Info("Resuming from checkpoint",
			slog.Int("chains_built", built),
			slog.Int("next_chain_index", next),
			slog.Int("nodes", ts.NodeCount()))
	}

	b := &build{
		Controller: c,
		task:       task,
		key:        key,
		engine:     NewEngine(ts, c.oracle, task, c.config, append([]EngineOption{WithEngineLogger(logger), withInstruments(c.metrics)}, c.engineOpts...)...),
		logger:     logger,
	}
	defer func() { res.Tree = ts.Summarize() }()

	consecutiveAborts := 0
	for res.Built < c.config.MaxChainCount {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		summary, pos, err := b.runChain(ctx, next)
		res.Chains = append(res.Chains, summary)

		if err != nil {
			if pos != nil {
				nodes, actions := pos.Created()
				ts.MarkProvisional(nodes, actions)
			}
			if !abandonable(err) {
				return res, err
			}
			consecutiveAborts++
			res.Aborted++
			res.Chains[len(res.Chains)-1].Aborted = true
			c.metrics.recordChain(ctx, "aborted", 0)
			logger.Warn("Chain abandoned",
				slog.Int("chain_index", next),
				slog.Int("consecutive_aborts", consecutiveAborts),
				slog.String("error", err.Error()))
			if consecutiveAborts > c.config.MaxConsecutiveAborts {
				return res, fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyAborts, consecutiveAborts, err)
			}
			continue
		}

		consecutiveAborts = 0
		res.Built++
		if summary.Correct {
			res.Correct++
		}
		next++
		b.transition(StateChainComplete)

		if res.Built >= c.config.MaxChainCount {
			break
		}
		// Reset for the next chain. Abandoned attempts never reach here.
		if err := ts.Visit(tree.RootID); err != nil {
			return res, err
		}
		if err := c.store.SaveCheckpoint(ctx, key, storage.Checkpoint{
			RunID:          c.runID,
			ChainsBuilt:    res.Built,
			NextChainIndex: next,
			Nodes:          ts.Nodes(),
			Actions:        ts.Actions(),
			UpdatedAt:      c.now().UTC(),
		}); err != nil {
			return res, err
		}
	}

	if err := ts.Validate(); err != nil {
		return res, err
	}
	if err := c.store.SaveTree(ctx, key, ts.Nodes(), ts.Actions()); err != nil {
		return res, err
	}
	if err := c.store.DeleteCheckpoint(ctx, key); err != nil {
		return res, err
	}
	b.transition(StateTreeComplete)
	res.FinalState = StateTreeComplete

	logger.Info("Tree complete",
		slog.Int("chains", res.Built),
		slog.Int("correct", res.Correct),
		slog.Int("aborted", res.Aborted),
		slog.Int("nodes", ts.NodeCount()),
		slog.Int("actions", ts.ActionCount()))
	return res, nil
}

// restore loads the checkpoint of key, or returns an empty store.
//
// A chain record is written before the checkpoint that counts it, so a crash
// in between leaves records whose statistics are not in the checkpoint.
// Chain numbering resumes at the checkpoint's NextChainIndex (0 without a
// checkpoint) and those records are overwritten by the chains that replace
// them.
func (c *Controller) restore(ctx context.Context, key storage.Key) (*tree.Store, int, int, bool, error) {
	saved, err := c.store.NextChainIndex(ctx, key)
	if err != nil {
		return nil, 0, 0, false, err
	}
	cp, err := c.store.LoadCheckpoint(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		if saved > 0 {
			c.logger.Warn("Overwriting chains saved without a checkpoint",
				slog.String("key", key.String()),
				slog.Int("saved_chains", saved))
		}
		return tree.NewStore(), 0, 0, false, nil
	}
	if err != nil {
		return nil, 0, 0, false, err
	}
	ts, err := tree.Restore(cp.Nodes, cp.Actions)
	if err != nil {
		return nil, 0, 0, false, fmt.Errorf("restore checkpoint %s: %w", key, err)
	}
	if saved > cp.NextChainIndex {
		c.logger.Warn("Overwriting chains saved after the last checkpoint",
			slog.String("key", key.String()),
			slog.Int("next_chain_index", cp.NextChainIndex),
			slog.Int("saved_chains", saved))
	}
	return ts, cp.ChainsBuilt, cp.NextChainIndex, true, nil
}

// runChain traverses one chain from the root to finalization and persists
// it. The returned position is nil only if the chain never started.
func (b *build) runChain(ctx context.Context, index int) (summary ChainSummary, pos *Position, err error) {
	summary.Index = index
	ctx, span := b.tracer.Start(ctx, "search.chain",
		trace.WithAttributes(attribute.Int("chainforge.chain_index", index)))
	defer func() {
		if pos != nil {
			summary.Depth = pos.Depth()
		}
		span.SetAttributes(
			attribute.Int("chainforge.chain_depth", summary.Depth),
			attribute.Bool("chainforge.correct", summary.Correct),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	b.transition(StateTraversing)
	pos, err = b.engine.Begin(ctx)
	if err != nil {
		return summary, nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary, pos, err
		}
		if err := b.engine.Advance(ctx, pos); err != nil {
			return summary, pos, err
		}
		done, reason, err := b.shouldFinalize(ctx, pos)
		if err != nil {
			return summary, pos, err
		}
		if done {
			summary.Reason = reason
			finalizations.WithLabelValues(reason).Inc()
			break
		}
	}

	b.transition(StateFinalizing)
	outcome, err := b.engine.Finalize(ctx, pos)
	if err != nil {
		return summary, pos, err
	}
	summary.FinalAnswer = outcome.Answer
	summary.Correct = outcome.Correct

	ts := b.engine.Store()
	if outcome.Correct {
		if _, err := ts.Backpropagate(pos.Chain); err != nil {
			return summary, pos, err
		}
	}
	ts.ClearProvisional(pos.Chain)

	nodes, actions, err := ts.Snapshot(pos.Chain)
	if err != nil {
		return summary, pos, err
	}
	if err := b.store.SaveChain(ctx, b.key, index, storage.ChainRecord{
		Index:       index,
		Entries:     pos.Chain.Clone(),
		Nodes:       nodes,
		Actions:     actions,
		Content:     pos.Content.Clone(),
		FinalAnswer: outcome.Answer,
		Correct:     outcome.Correct,
		CompletedAt: b.now().UTC(),
	}); err != nil {
		return summary, pos, err
	}

	outcomeLabel := "incorrect"
	if outcome.Correct {
		outcomeLabel = "correct"
	}
	b.metrics.recordChain(ctx, outcomeLabel, pos.Depth())

	b.logger.Info("Chain complete",
		slog.Int("chain_index", index),
		slog.Int("depth", pos.Depth()),
		slog.String("reason", summary.Reason),
		slog.Bool("correct", outcome.Correct),
		slog.String("final_answer", truncate(outcome.Answer, 80)))
	return summary, pos, nil
}

// shouldFinalize decides whether the chain moves to Finalizing. The depth
// cap applies at every level; the judge is consulted only at
// DecisionSupport.
func (b *build) shouldFinalize(ctx context.Context, pos *Position) (bool, string, error) {
	if pos.Depth() >= b.config.MaxChainNodeCount {
		return true, "depth", nil
	}
	if b.engine.Level(pos).Current != tree.DecisionSupport {
		return false, "", nil
	}
	ok, err := b.engine.CanAnswer(ctx, pos)
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "judge", nil
	}
	return false, "", nil
}

// abandonable reports whether err ends only the current chain.
func abandonable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, oracle.ErrBudgetExhausted) {
		return false
	}
	kind, ok := oracle.KindOf(err)
	return ok && (kind == oracle.KindUnavailable || kind == oracle.KindMalformed)
}

func treeOutcome(res Result, err error) string {
	switch {
	case res.Skipped:
		return "skipped"
	case err == nil:
		return "complete"
	case errors.Is(err, oracle.ErrBudgetExhausted):
		return "budget"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search builds reasoning-chain trees with curriculum-guided MCTS.
//
// An Engine advances one chain at a time through a tree.Store: it selects an
// existing child by UCT or expands a new question through the Oracle, then
// answers it. A Controller drives repeated chains for one (image, final
// question) pair, decides when a chain is finalized, backpropagates wins and
// persists chains, checkpoints and the finished tree.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/chainforge/services/chainforge/curriculum"
	"github.com/AleutianAI/chainforge/services/chainforge/oracle"
	"github.com/AleutianAI/chainforge/services/chainforge/storage"
	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// Task identifies one tree build: an image and one of its final questions.
type Task struct {
	BookID     string
	ImageID    string
	ImagePath  string
	Background string
	Final      tree.FinalQuestion
}

// Key returns the storage key of the task.
func (t Task) Key() storage.Key {
	return storage.Key{BookID: t.BookID, ImageID: t.ImageID, FQNo: t.Final.FQNo}
}

// Validate fails fast on tasks that cannot produce scored chains.
func (t Task) Validate() error {
	if t.Final.QuestionText == "" {
		return fmt.Errorf("%s: %w", t.Key(), ErrNoFinalQuestion)
	}
	if t.Final.Answer == "" {
		return fmt.Errorf("%s: %w", t.Key(), ErrMissingGroundTruth)
	}
	return nil
}

// Move is how the engine reached the current node on its last step.
type Move string

const (
	MoveRoot   Move = "root"
	MoveSelect Move = "select"
	MoveExpand Move = "expand"
)

// Position is the state of one chain in progress.
type Position struct {
	// Chain is the entry trace. It starts with the root's Question entry.
	Chain tree.Chain

	// Content holds one description per answered question.
	Content tree.ChainContent

	// Current is the node the chain is at.
	Current int

	// Answered is true once Current has an Answer entry.
	Answered bool

	// LastMove is how Current was reached.
	LastMove Move

	createdNodes   []int
	createdActions []int
}

// Depth is the number of question steps past the root.
func (p *Position) Depth() int {
	return p.Chain.Depth()
}

// Created returns the ids of nodes and actions this chain added to the store.
func (p *Position) Created() (nodes, actions []int) {
	return p.createdNodes, p.createdActions
}

// FinalOutcome is the result of answering the final question.
type FinalOutcome struct {
	Answer   string
	ActionID int
	Correct  bool
}

// Engine advances chains over a tree.Store.
//
// Thread Safety: NOT safe for concurrent use. One Engine serves one tree
// build and owns its Store and random source.
type Engine struct {
	store      *tree.Store
	oracle     oracle.Oracle
	curriculum *curriculum.Curriculum
	task       Task
	config     Config
	rng        *rand.Rand
	logger     *slog.Logger
	metrics    *instruments
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRand sets the random source for the exploit/expand coin.
func WithRand(r *rand.Rand) EngineOption {
	return func(e *Engine) { e.rng = r }
}

// WithCurriculum overrides the curriculum built from the config.
func WithCurriculum(c *curriculum.Curriculum) EngineOption {
	return func(e *Engine) { e.curriculum = c }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func withInstruments(m *instruments) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine for task over store.
//
// Inputs:
//   - store: The statistics table, shared across the task's chains.
//   - o: The Oracle. Usually a ResilientOracle.
//   - task: The image and final question.
//   - config: Search parameters. Thresholds are applied unless
//     WithCurriculum is given; invalid thresholds fall back to the default
//     table (Config.Validate reports them).
//
// Outputs:
//   - *Engine: Ready to use engine.
func NewEngine(store *tree.Store, o oracle.Oracle, task Task, config Config, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		oracle: o,
		task:   task,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = noopInstruments()
	}
	if e.curriculum == nil {
		c, err := config.Curriculum()
		if err != nil {
			c = curriculum.Default()
		}
		e.curriculum = c
	}
	if e.rng == nil {
		seed := config.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		e.rng = rand.New(rand.NewSource(seed))
	}
	return e
}

// Store returns the engine's tree store.
func (e *Engine) Store() *tree.Store {
	return e.store
}

// Level is the curriculum step for the chain's next question.
func (e *Engine) Level(pos *Position) curriculum.Step {
	return e.curriculum.FromContent(pos.Content)
}

// Begin starts a chain at the root. If the store has no root yet, the root
// is generated as the first expansion at the Perception level, with one
// visit. An existing root is reused as is: the Controller counts a root
// visit only when a chain completes and another one follows.
//
// The returned position has the chain [Question:0] and an unanswered root.
func (e *Engine) Begin(ctx context.Context) (*Position, error) {
	pos := &Position{Chain: tree.NewChain(), Current: tree.RootID, LastMove: MoveRoot}
	if e.store.HasRoot() {
		return pos, nil
	}

	step := e.Level(pos)
	res, err := e.oracle.GenerateQuestion(ctx, e.questionRequest(pos, step, nil))
	if err != nil {
		return nil, fmt.Errorf("generate root question: %w", err)
	}
	spec := res.Spec()
	if !spec.Capability.Valid() {
		spec.Capability = step.Current
	}
	root, err := e.store.AddRoot(spec)
	if err != nil {
		return nil, err
	}
	pos.createdNodes = append(pos.createdNodes, root.ID)
	e.metrics.recordNodeCreated(ctx)
	e.logger.Debug("Created root",
		slog.String("key", e.task.Key().String()),
		slog.String("capability", root.Capability.String()))
	return pos, nil
}

// Advance performs one traversal step: it answers the current node if it
// has no answer yet, otherwise it moves to a child (select or expand) and
// answers that child.
func (e *Engine) Advance(ctx context.Context, pos *Position) error {
	if len(pos.Chain) == 0 {
		return ErrEmptyChain
	}
	if !pos.Answered {
		return e.Act(ctx, pos)
	}

	children := e.store.ChildrenOf(pos.Current)
	exploit := false
	if len(children) > 0 {
		p := ExploitProbability(len(children), e.config.Alpha, e.config.Beta)
		exploit = e.rng.Float64() < p
	}

	if exploit {
		if _, err := e.Select(pos); err != nil {
			return err
		}
	} else {
		if _, err := e.Expand(ctx, pos); err != nil {
			return err
		}
	}
	return e.Act(ctx, pos)
}

// Select moves the chain to the UCT-best child of the current node and
// increments its visit count.
func (e *Engine) Select(pos *Position) (*tree.QuestionNode, error) {
	children := e.store.ChildrenOf(pos.Current)
	idx := SelectUCT(children, e.config.ExplorationConstant)
	if idx < 0 {
		return nil, fmt.Errorf("%w: select on leaf node %d", tree.ErrInvariant, pos.Current)
	}
	child := children[idx]
	if err := e.store.Visit(child.ID); err != nil {
		return nil, err
	}
	e.moveTo(pos, child.ID, MoveSelect)
	selections.WithLabelValues(string(MoveSelect)).Inc()
	return child, nil
}

// Expand asks the Oracle for a new question under the current node, adds
// it to the store and moves the chain to it.
func (e *Engine) Expand(ctx context.Context, pos *Position) (*tree.QuestionNode, error) {
	siblings := e.store.ChildrenOf(pos.Current)
	step := e.Level(pos)

	res, err := e.oracle.GenerateQuestion(ctx, e.questionRequest(pos, step, siblings))
	if err != nil {
		return nil, fmt.Errorf("expand node %d: %w", pos.Current, err)
	}
	spec := res.Spec()
	if !spec.Capability.Valid() {
		spec.Capability = step.Current
	}
	node, err := e.store.AddNode(pos.Current, spec)
	if err != nil {
		return nil, err
	}
	pos.createdNodes = append(pos.createdNodes, node.ID)
	e.moveTo(pos, node.ID, MoveExpand)
	selections.WithLabelValues(string(MoveExpand)).Inc()
	e.metrics.recordNodeCreated(ctx)

	e.logger.Debug("Expanded node",
		slog.Int("parent", node.ParentID),
		slog.Int("node", node.ID),
		slog.String("step", step.String()),
		slog.String("capability", node.Capability.String()))
	return node, nil
}

// Act answers the current node, describes the pair and records the answer
// action.
func (e *Engine) Act(ctx context.Context, pos *Position) error {
	if pos.Answered {
		return fmt.Errorf("%w: node %d already answered in this chain", tree.ErrInvariant, pos.Current)
	}
	node, err := e.store.Node(pos.Current)
	if err != nil {
		return err
	}

	ans, err := e.oracle.GenerateAnswer(ctx, oracle.AnswerRequest{
		ImagePath:  e.task.ImagePath,
		Background: e.task.Background,
		Target:     oracle.NodeTarget(node),
		Content:    pos.Content.Clone(),
	})
	if err != nil {
		return fmt.Errorf("answer node %d: %w", node.ID, err)
	}
	if ans.Malformed {
		e.logger.Warn("Using raw answer text",
			slog.Int("node", node.ID),
			slog.String("answer", truncate(ans.Answer, 80)))
	}

	desc, err := e.oracle.DescribeQAPair(ctx, node.QuestionText, ans.Answer)
	if err != nil {
		return fmt.Errorf("describe node %d: %w", node.ID, err)
	}

	action, created, err := e.store.ResolveAction(node.ID, ans.Answer)
	if err != nil {
		return err
	}
	if created {
		pos.createdActions = append(pos.createdActions, action.ID)
	}
	pos.Content = append(pos.Content, tree.ContentItem{Description: desc.Text, Capability: node.Capability})
	pos.Chain = append(pos.Chain, tree.AnswerEntry(action.ID))
	pos.Answered = true
	return nil
}

// Finalize answers the final question from the current node and records
// the sentinel action.
func (e *Engine) Finalize(ctx context.Context, pos *Position) (FinalOutcome, error) {
	if len(pos.Chain) == 0 {
		return FinalOutcome{}, ErrEmptyChain
	}
	fq := e.task.Final
	pos.Chain = append(pos.Chain, tree.FinalQuestionEntry(fq.FQNo))

	ans, err := e.oracle.GenerateAnswer(ctx, oracle.AnswerRequest{
		ImagePath:  e.task.ImagePath,
		Background: e.task.Background,
		Target:     oracle.FinalTarget(fq),
		Content:    pos.Content.Clone(),
	})
	if err != nil {
		return FinalOutcome{}, fmt.Errorf("answer final question %d: %w", fq.FQNo, err)
	}

	action, created, err := e.store.ResolveFinalAction(ans.Answer, pos.Current)
	if err != nil {
		return FinalOutcome{}, err
	}
	if created {
		pos.createdActions = append(pos.createdActions, action.ID)
	}
	pos.Chain = append(pos.Chain, tree.FinalAnswerEntry(action.ID))

	return FinalOutcome{
		Answer:   ans.Answer,
		ActionID: action.ID,
		Correct:  AnswersMatch(ans.Answer, fq.Answer, fq.Options),
	}, nil
}

// CanAnswer asks the Oracle whether the chain content suffices to answer
// the final question.
func (e *Engine) CanAnswer(ctx context.Context, pos *Position) (bool, error) {
	j, err := e.oracle.CanAnswerFinalQuestion(ctx, oracle.JudgeRequest{
		Background: e.task.Background,
		Final:      e.task.Final,
		Content:    pos.Content.Clone(),
	})
	if err != nil {
		return false, fmt.Errorf("judge final question %d: %w", e.task.Final.FQNo, err)
	}
	return j.CanAnswer, nil
}

func (e *Engine) moveTo(pos *Position, nodeID int, move Move) {
	pos.Current = nodeID
	pos.Answered = false
	pos.LastMove = move
	pos.Chain = append(pos.Chain, tree.QuestionEntry(nodeID))
}

func (e *Engine) questionRequest(pos *Position, step curriculum.Step, siblings []*tree.QuestionNode) oracle.QuestionRequest {
	sib := make([]tree.QuestionNode, 0, len(siblings))
	for _, s := range siblings {
		n := *s
		n.Options = s.Options.Clone()
		sib = append(sib, n)
	}
	return oracle.QuestionRequest{
		ImagePath:   e.task.ImagePath,
		Background:  e.task.Background,
		Final:       e.task.Final,
		Content:     pos.Content.Clone(),
		Siblings:    sib,
		Level:       step.Current,
		NextHint:    step.NextHint,
		Penultimate: step.Penultimate,
	}
}

// truncate shortens s to at most n bytes plus an ellipsis, cutting on a
// rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

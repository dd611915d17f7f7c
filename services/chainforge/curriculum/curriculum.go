// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package curriculum gates which capability the next generated question may
// exercise, given the capabilities a chain has visited so far.
//
// A chain climbs Perception → DataExtraction → CalculationAnalysis →
// PatternRecognition → LogicalReasoning → DecisionSupport. Each level has an
// advance threshold: once the chain holds that many questions at the level,
// the next question moves up.
package curriculum

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// ErrInvalidStages is returned when a stage table is inconsistent.
var ErrInvalidStages = errors.New("invalid curriculum stages")

// Stage is one non-terminal curriculum level.
type Stage struct {
	// Level is the capability this stage covers.
	Level tree.Capability

	// Threshold is the count at Level after which the chain advances.
	Threshold int

	// Next is the level the chain advances to.
	Next tree.Capability
}

// DefaultStages is the standard advance table.
var DefaultStages = []Stage{
	{Level: tree.Perception, Threshold: 3, Next: tree.DataExtraction},
	{Level: tree.DataExtraction, Threshold: 3, Next: tree.CalculationAnalysis},
	{Level: tree.CalculationAnalysis, Threshold: 2, Next: tree.PatternRecognition},
	{Level: tree.PatternRecognition, Threshold: 2, Next: tree.LogicalReasoning},
	{Level: tree.LogicalReasoning, Threshold: 2, Next: tree.DecisionSupport},
}

// Step is the curriculum decision for the next question.
type Step struct {
	// Current is the level the next question should be generated at.
	Current tree.Capability

	// NextHint is the level the chain is heading to.
	NextHint tree.Capability

	// Penultimate is true when the next question is the last one at Current.
	Penultimate bool
}

// String returns a compact form for logs.
func (s Step) String() string {
	return fmt.Sprintf("%s→%s penultimate=%t", s.Current, s.NextHint, s.Penultimate)
}

// Curriculum holds a validated stage table.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Curriculum struct {
	stages map[tree.Capability]Stage
}

// Default returns a Curriculum over DefaultStages.
func Default() *Curriculum {
	c, err := New(DefaultStages)
	if err != nil {
		panic(err)
	}
	return c
}

// New builds a Curriculum from a stage table.
//
// Inputs:
//   - stages: One entry per non-terminal level. Thresholds must be >= 1 and
//     each Next must be a higher level.
//
// Outputs:
//   - *Curriculum: The curriculum.
//   - error: Wraps ErrInvalidStages if the table is inconsistent.
func New(stages []Stage) (*Curriculum, error) {
	m := make(map[tree.Capability]Stage, len(stages))
	for _, st := range stages {
		if !st.Level.Valid() || st.Level.IsTerminal() {
			return nil, fmt.Errorf("%w: stage level %s", ErrInvalidStages, st.Level)
		}
		if st.Threshold < 1 {
			return nil, fmt.Errorf("%w: %s threshold %d", ErrInvalidStages, st.Level, st.Threshold)
		}
		if !st.Next.Valid() || st.Next <= st.Level {
			return nil, fmt.Errorf("%w: %s advances to %s", ErrInvalidStages, st.Level, st.Next)
		}
		if _, dup := m[st.Level]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %s", ErrInvalidStages, st.Level)
		}
		m[st.Level] = st
	}
	for _, c := range tree.AllCapabilities {
		if c.IsTerminal() {
			continue
		}
		if _, ok := m[c]; !ok {
			return nil, fmt.Errorf("%w: missing stage %s", ErrInvalidStages, c)
		}
	}
	return &Curriculum{stages: m}, nil
}

// Threshold returns the advance threshold of a level, or 0 for the terminal
// level.
func (c *Curriculum) Threshold(level tree.Capability) int {
	return c.stages[level].Threshold
}

// Next maps the chain history to the next allowed level.
//
// Inputs:
//   - last: Capability of the most recent question, CapabilityNone for an
//     empty chain.
//   - counts: Questions seen per capability in the chain so far.
//
// Outputs:
//   - Step: The decision. An empty chain yields (Perception, Perception,
//     false); DecisionSupport yields (DecisionSupport, DecisionSupport, false).
func (c *Curriculum) Next(last tree.Capability, counts map[tree.Capability]int) Step {
	if last == tree.CapabilityNone {
		return Step{Current: tree.Perception, NextHint: tree.Perception}
	}
	st, ok := c.stages[last]
	if !ok {
		// Terminal level, or a value outside the table.
		return Step{Current: last, NextHint: last}
	}
	count := counts[last]
	if count >= st.Threshold {
		return Step{Current: st.Next, NextHint: st.Next}
	}
	return Step{
		Current:     last,
		NextHint:    st.Next,
		Penultimate: count == st.Threshold-1,
	}
}

// FromContent derives the step from accumulated chain content.
func (c *Curriculum) FromContent(content tree.ChainContent) Step {
	return c.Next(content.LastCapability(), content.CapabilityCounts())
}

var std = Default()

// Next applies DefaultStages.
func Next(last tree.Capability, counts map[tree.Capability]int) Step {
	return std.Next(last, counts)
}

// FromContent applies DefaultStages to chain content.
func FromContent(content tree.ChainContent) Step {
	return std.FromContent(content)
}

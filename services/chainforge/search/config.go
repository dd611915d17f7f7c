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
	"fmt"
	"math"

	"github.com/AleutianAI/chainforge/services/chainforge/curriculum"
	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// Config controls one tree build.
type Config struct {
	// ExplorationConstant is C in the UCT score. Default: sqrt(2).
	ExplorationConstant float64 `yaml:"exploration_constant" json:"exploration_constant" validate:"gt=0"`

	// Alpha is the steepness of the exploit-probability sigmoid.
	Alpha float64 `yaml:"alpha" json:"alpha" validate:"gt=0"`

	// Beta is the child count at which exploit and expand are equally likely.
	Beta float64 `yaml:"beta" json:"beta" validate:"gte=0"`

	// MaxChainCount is the number of completed chains per tree.
	MaxChainCount int `yaml:"max_chain_count" json:"max_chain_count" validate:"gte=1"`

	// MaxChainNodeCount caps the chain depth (question steps past the root).
	MaxChainNodeCount int `yaml:"max_chain_node_count" json:"max_chain_node_count" validate:"gte=1"`

	// MaxConsecutiveAborts is how many chains in a row may be abandoned
	// before the tree build fails.
	MaxConsecutiveAborts int `yaml:"max_consecutive_aborts" json:"max_consecutive_aborts" validate:"gte=0"`

	// Seed seeds the exploit/expand coin. 0 seeds from the clock.
	Seed int64 `yaml:"seed" json:"seed"`

	// Thresholds overrides curriculum advance thresholds by level name,
	// e.g. {"Perception": 2}.
	Thresholds map[string]int `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
}

// DefaultConfig returns the standard search parameters.
func DefaultConfig() Config {
	return Config{
		ExplorationConstant:  math.Sqrt2,
		Alpha:                1.0,
		Beta:                 5.0,
		MaxChainCount:        8,
		MaxChainNodeCount:    16,
		MaxConsecutiveAborts: 3,
	}
}

// Validate checks the values that struct tags cannot express.
func (c Config) Validate() error {
	if c.ExplorationConstant <= 0 || math.IsNaN(c.ExplorationConstant) || math.IsInf(c.ExplorationConstant, 0) {
		return fmt.Errorf("%w: exploration_constant must be positive and finite", ErrInvalidConfig)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("%w: alpha must be positive", ErrInvalidConfig)
	}
	if c.Beta < 0 {
		return fmt.Errorf("%w: beta must be >= 0", ErrInvalidConfig)
	}
	if c.MaxChainCount < 1 {
		return fmt.Errorf("%w: max_chain_count must be >= 1", ErrInvalidConfig)
	}
	if c.MaxChainNodeCount < 1 {
		return fmt.Errorf("%w: max_chain_node_count must be >= 1", ErrInvalidConfig)
	}
	if c.MaxConsecutiveAborts < 0 {
		return fmt.Errorf("%w: max_consecutive_aborts must be >= 0", ErrInvalidConfig)
	}
	if _, err := c.Curriculum(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Curriculum builds the curriculum with any threshold overrides applied.
func (c Config) Curriculum() (*curriculum.Curriculum, error) {
	if len(c.Thresholds) == 0 {
		return curriculum.Default(), nil
	}
	stages := make([]curriculum.Stage, len(curriculum.DefaultStages))
	copy(stages, curriculum.DefaultStages)
	for name, threshold := range c.Thresholds {
		level, err := tree.ParseCapability(name)
		if err != nil {
			return nil, fmt.Errorf("threshold %q: %w", name, err)
		}
		found := false
		for i := range stages {
			if stages[i].Level == level {
				stages[i].Threshold = threshold
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("threshold %q: level has no advance stage", name)
		}
	}
	return curriculum.New(stages)
}

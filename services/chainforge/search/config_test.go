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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, math.Sqrt2, cfg.ExplorationConstant)
	assert.Equal(t, 1.0, cfg.Alpha)
	assert.Equal(t, 5.0, cfg.Beta)
	assert.Equal(t, 8, cfg.MaxChainCount)
	assert.Equal(t, 16, cfg.MaxChainNodeCount)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero C", func(c *Config) { c.ExplorationConstant = 0 }},
		{"infinite C", func(c *Config) { c.ExplorationConstant = math.Inf(1) }},
		{"zero alpha", func(c *Config) { c.Alpha = 0 }},
		{"negative beta", func(c *Config) { c.Beta = -1 }},
		{"no chains", func(c *Config) { c.MaxChainCount = 0 }},
		{"no depth", func(c *Config) { c.MaxChainNodeCount = 0 }},
		{"negative aborts", func(c *Config) { c.MaxConsecutiveAborts = -1 }},
		{"unknown level", func(c *Config) { c.Thresholds = map[string]int{"Intuition": 2} }},
		{"terminal level", func(c *Config) { c.Thresholds = map[string]int{"DecisionSupport": 2} }},
		{"zero threshold", func(c *Config) { c.Thresholds = map[string]int{"Perception": 0} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfig_CurriculumOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = map[string]int{"perception": 1, "data extraction": 2}

	c, err := cfg.Curriculum()
	require.NoError(t, err)
	assert.Equal(t, 1, c.Threshold(tree.Perception))
	assert.Equal(t, 2, c.Threshold(tree.DataExtraction))
	assert.Equal(t, 2, c.Threshold(tree.CalculationAnalysis))

	step := c.Next(tree.Perception, map[tree.Capability]int{tree.Perception: 1})
	assert.Equal(t, tree.DataExtraction, step.Current)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestBudget_CallLimit(t *testing.T) {
	b := NewBudget(BudgetConfig{CallLimit: 2})
	require.NoError(t, b.Check())
	b.Record(Usage{PromptTokens: 10, CompletionTokens: 5})
	require.NoError(t, b.Check())
	b.Record(Usage{})

	err := b.Check()
	assert.ErrorIs(t, err, ErrCallLimitExceeded)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, "calls", b.ExhaustedBy())
	assert.Equal(t, int64(15), b.Tokens())
}

func TestBudget_TokenLimit(t *testing.T) {
	b := NewBudget(BudgetConfig{TokenLimit: 100})
	b.Record(Usage{PromptTokens: 60, CompletionTokens: 40})
	assert.ErrorIs(t, b.Check(), ErrTokenLimitExceeded)
}

func TestBudget_TimeLimit(t *testing.T) {
	clock := newFakeClock()
	b := newBudgetWithClock(BudgetConfig{TimeLimit: time.Minute}, clock.Now)
	require.NoError(t, b.Check())

	clock.Advance(time.Minute)
	assert.ErrorIs(t, b.Check(), ErrTimeLimitExceeded)
	assert.True(t, b.Exhausted())
}

func TestBudget_StaysExhausted(t *testing.T) {
	b := NewBudget(BudgetConfig{CallLimit: 1})
	b.Record(Usage{})
	require.Error(t, b.Check())
	assert.ErrorIs(t, b.Check(), ErrCallLimitExceeded)
	assert.Contains(t, b.String(), "EXHAUSTED by calls")
}

func TestBudget_Unlimited(t *testing.T) {
	b := NewBudget(BudgetConfig{})
	for i := 0; i < 1000; i++ {
		b.Record(Usage{PromptTokens: 1000})
	}
	assert.NoError(t, b.Check())
	report := b.Report()
	assert.False(t, report.Exhausted)
	assert.Equal(t, int64(1000), report.Calls)
}

func TestBudget_TimeLeft(t *testing.T) {
	clock := newFakeClock()
	_, ok := newBudgetWithClock(BudgetConfig{}, clock.Now).TimeLeft()
	assert.False(t, ok)

	b := newBudgetWithClock(BudgetConfig{TimeLimit: time.Minute}, clock.Now)
	clock.Advance(20 * time.Second)
	left, ok := b.TimeLeft()
	require.True(t, ok)
	assert.Equal(t, 40*time.Second, left)

	clock.Advance(time.Hour)
	left, _ = b.TimeLeft()
	assert.Zero(t, left)
}

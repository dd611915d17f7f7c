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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// BudgetConfig limits the Oracle spend of one tree build. Zero disables a limit.
type BudgetConfig struct {
	CallLimit  int           `yaml:"call_limit" json:"call_limit" validate:"gte=0"`
	TokenLimit int           `yaml:"token_limit" json:"token_limit" validate:"gte=0"`
	TimeLimit  time.Duration `yaml:"time_limit" json:"time_limit" validate:"gte=0"`
}

// DefaultBudgetConfig returns limits sized for MaxChainCount=8 and
// MaxChainNodeCount=16 with headroom for retries.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		CallLimit:  600,
		TokenLimit: 2_000_000,
		TimeLimit:  2 * time.Hour,
	}
}

// Budget tracks the Oracle spend of one tree build.
//
// Thread Safety: Safe for concurrent use.
type Budget struct {
	config    BudgetConfig
	startTime time.Time
	now       func() time.Time

	calls  int64
	tokens int64

	mu          sync.RWMutex
	exhausted   bool
	exhaustedBy string
}

// NewBudget creates a budget whose clock starts now.
func NewBudget(config BudgetConfig) *Budget {
	return newBudgetWithClock(config, time.Now)
}

func newBudgetWithClock(config BudgetConfig, now func() time.Time) *Budget {
	return &Budget{
		config:    config,
		startTime: now(),
		now:       now,
	}
}

// Config returns the budget configuration.
func (b *Budget) Config() BudgetConfig {
	return b.config
}

// Calls returns the number of recorded calls.
func (b *Budget) Calls() int64 {
	return atomic.LoadInt64(&b.calls)
}

// Tokens returns the number of recorded tokens.
func (b *Budget) Tokens() int64 {
	return atomic.LoadInt64(&b.tokens)
}

// Elapsed returns the time since the budget was created.
func (b *Budget) Elapsed() time.Duration {
	return b.now().Sub(b.startTime)
}

// TimeLeft returns the wall-clock time left. ok is false when there is no
// time limit.
func (b *Budget) TimeLeft() (left time.Duration, ok bool) {
	if b.config.TimeLimit <= 0 {
		return 0, false
	}
	left = b.config.TimeLimit - b.Elapsed()
	if left < 0 {
		left = 0
	}
	return left, true
}

// Check returns an error wrapping ErrBudgetExhausted if any limit is reached.
// It is called before every Oracle call.
func (b *Budget) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exhausted {
		return b.errFor(b.exhaustedBy)
	}

	switch {
	case b.config.TimeLimit > 0 && b.now().Sub(b.startTime) >= b.config.TimeLimit:
		b.exhaustedBy = "time"
	case b.config.CallLimit > 0 && atomic.LoadInt64(&b.calls) >= int64(b.config.CallLimit):
		b.exhaustedBy = "calls"
	case b.config.TokenLimit > 0 && atomic.LoadInt64(&b.tokens) >= int64(b.config.TokenLimit):
		b.exhaustedBy = "tokens"
	default:
		return nil
	}
	b.exhausted = true
	return b.errFor(b.exhaustedBy)
}

func (b *Budget) errFor(by string) error {
	switch by {
	case "time":
		return ErrTimeLimitExceeded
	case "calls":
		return ErrCallLimitExceeded
	case "tokens":
		return ErrTokenLimitExceeded
	default:
		return ErrBudgetExhausted
	}
}

// Record accounts for one completed call.
func (b *Budget) Record(u Usage) {
	atomic.AddInt64(&b.calls, 1)
	atomic.AddInt64(&b.tokens, int64(u.Total()))
}

// Exhausted reports whether a limit has been reached.
func (b *Budget) Exhausted() bool {
	return b.Check() != nil
}

// ExhaustedBy returns which limit was hit, empty if none.
func (b *Budget) ExhaustedBy() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exhaustedBy
}

// BudgetReport is a point-in-time view of budget consumption.
type BudgetReport struct {
	Elapsed     time.Duration `json:"elapsed"`
	Calls       int64         `json:"calls"`
	Tokens      int64         `json:"tokens"`
	Exhausted   bool          `json:"exhausted"`
	ExhaustedBy string        `json:"exhausted_by,omitempty"`
}

// Report returns the current consumption.
func (b *Budget) Report() BudgetReport {
	exhausted := b.Exhausted()
	return BudgetReport{
		Elapsed:     b.Elapsed(),
		Calls:       b.Calls(),
		Tokens:      b.Tokens(),
		Exhausted:   exhausted,
		ExhaustedBy: b.ExhaustedBy(),
	}
}

// String returns a human-readable budget status.
func (b *Budget) String() string {
	status := ""
	if b.Exhausted() {
		status = fmt.Sprintf(" [EXHAUSTED by %s]", b.ExhaustedBy())
	}
	return fmt.Sprintf("Budget{calls=%d/%d, tokens=%d/%d, time=%v/%v}%s",
		b.Calls(), b.config.CallLimit,
		b.Tokens(), b.config.TokenLimit,
		b.Elapsed().Round(time.Second), b.config.TimeLimit,
		status)
}

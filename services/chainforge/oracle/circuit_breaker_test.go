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

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
	}
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	allowed, _ := cb.Allow()
	assert.False(t, allowed)
	assert.Equal(t, int64(1), cb.Stats().TotalRejections)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultCircuitBreakerConfig()
	cb := newCircuitBreakerWithClock(cfg, clock.Now)

	var transitions []string
	cb.OnStateChange(func(from, to CircuitState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for i := 0; i < cfg.FailureThreshold; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(cfg.OpenDuration)
	allowed, release := cb.Allow()
	require.True(t, allowed)
	require.NotNil(t, release)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Only one trial call at a time.
	second, _ := cb.Allow()
	assert.False(t, second)

	cb.RecordSuccess()
	release()
	allowed, release = cb.Allow()
	require.True(t, allowed)
	cb.RecordSuccess()
	release()
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreakerWithClock(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenDuration:     time.Second,
		HalfOpenMax:      1,
	}, clock.Now)

	cb.RecordFailure()
	clock.Advance(time.Second)
	allowed, release := cb.Allow()
	require.True(t, allowed)
	cb.RecordFailure()
	release()
	release() // idempotent
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_RetryAfter(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultCircuitBreakerConfig()
	cb := newCircuitBreakerWithClock(cfg, clock.Now)
	assert.Zero(t, cb.RetryAfter())

	for i := 0; i < cfg.FailureThreshold; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, cfg.OpenDuration, cb.RetryAfter())

	clock.Advance(cfg.OpenDuration / 3)
	assert.Equal(t, cfg.OpenDuration-cfg.OpenDuration/3, cb.RetryAfter())

	clock.Advance(cfg.OpenDuration)
	assert.Zero(t, cb.RetryAfter())
}

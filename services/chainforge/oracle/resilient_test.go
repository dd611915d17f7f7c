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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

var errNetwork = errors.New("connection reset by peer")

func fastRetry(max int) RetryConfig {
	return RetryConfig{MaxRetries: max, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func unavailable(op string) error {
	return &Error{Op: op, Kind: KindUnavailable, Err: errNetwork}
}

func answerReq() AnswerRequest {
	return AnswerRequest{Target: AnswerTarget{Question: "What is the 2023 revenue?", Capability: tree.DataExtraction}}
}

func TestResilientOracle_RetriesUnavailable(t *testing.T) {
	inner := NewScriptedOracle()
	inner.FailNext(OpGenerateAnswer, unavailable(OpGenerateAnswer)).
		FailNext(OpGenerateAnswer, unavailable(OpGenerateAnswer)).
		QueueAnswers("4.2bn")
	budget := NewBudget(BudgetConfig{})

	r := NewResilientOracle(inner, WithRetry(fastRetry(3)), WithBudget(budget))
	res, err := r.GenerateAnswer(context.Background(), answerReq())
	require.NoError(t, err)
	assert.Equal(t, "4.2bn", res.Answer)
	assert.Equal(t, 3, inner.Calls(OpGenerateAnswer))
	assert.Equal(t, int64(3), budget.Calls())
}

func TestResilientOracle_GivesUpAfterMaxRetries(t *testing.T) {
	inner := NewScriptedOracle()
	for i := 0; i < 5; i++ {
		inner.FailNext(OpGenerateAnswer, unavailable(OpGenerateAnswer))
	}
	r := NewResilientOracle(inner, WithRetry(fastRetry(2)),
		WithBreaker(NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 10, SuccessThreshold: 1, OpenDuration: time.Minute, HalfOpenMax: 1})))

	_, err := r.GenerateAnswer(context.Background(), answerReq())
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.ErrorIs(t, err, errNetwork)
	assert.Equal(t, 3, inner.Calls(OpGenerateAnswer))
}

func TestResilientOracle_FatalNotRetried(t *testing.T) {
	inner := NewScriptedOracle()
	inner.FailNext(OpGenerateAnswer, &Error{Op: OpGenerateAnswer, Kind: KindFatal, Err: errors.New("401")})

	r := NewResilientOracle(inner, WithRetry(fastRetry(3)))
	_, err := r.GenerateAnswer(context.Background(), answerReq())
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindFatal, kind)
	assert.Equal(t, 1, inner.Calls(OpGenerateAnswer))
}

func TestResilientOracle_MalformedQuestionRetried(t *testing.T) {
	inner := NewScriptedOracle()
	inner.FailNext(OpGenerateQuestion, malformed(OpGenerateQuestion, errors.New("decode")))

	r := NewResilientOracle(inner, WithRetry(fastRetry(1)))
	q, err := r.GenerateQuestion(context.Background(), QuestionRequest{Level: tree.Perception, NextHint: tree.Perception})
	require.NoError(t, err)
	assert.Equal(t, tree.Perception, q.Capability)
	assert.Equal(t, 2, inner.Calls(OpGenerateQuestion))
	assert.Equal(t, CircuitClosed, r.Breaker().State())
}

func TestResilientOracle_BudgetExhausted(t *testing.T) {
	inner := NewScriptedOracle()
	budget := NewBudget(BudgetConfig{CallLimit: 1})
	r := NewResilientOracle(inner, WithBudget(budget), WithRetry(fastRetry(3)))

	_, err := r.GenerateAnswer(context.Background(), answerReq())
	require.NoError(t, err)

	_, err = r.GenerateAnswer(context.Background(), answerReq())
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 1, inner.Calls(OpGenerateAnswer))
}

func TestResilientOracle_OpenCircuitWaitsForCancel(t *testing.T) {
	inner := NewScriptedOracle()
	inner.FailNext(OpGenerateAnswer, unavailable(OpGenerateAnswer)).
		FailNext(OpGenerateAnswer, unavailable(OpGenerateAnswer))

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenDuration:     time.Hour,
		HalfOpenMax:      1,
	})
	r := NewResilientOracle(inner, WithBreaker(breaker), WithRetry(fastRetry(0)))

	for i := 0; i < 2; i++ {
		_, err := r.GenerateAnswer(context.Background(), answerReq())
		require.Error(t, err)
	}
	require.Equal(t, CircuitOpen, breaker.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.GenerateAnswer(ctx, answerReq())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, inner.Calls(OpGenerateAnswer))
}

func TestResilientOracle_OpenCircuitRecovers(t *testing.T) {
	inner := NewScriptedOracle()
	for i := 0; i < 2; i++ {
		inner.FailNext(OpGenerateAnswer, unavailable(OpGenerateAnswer))
	}
	inner.QueueAnswers("4.2bn")

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenDuration:     20 * time.Millisecond,
		HalfOpenMax:      1,
	})
	r := NewResilientOracle(inner, WithBreaker(breaker), WithRetry(fastRetry(3)))

	// Two failures open the circuit; the third attempt waits for the
	// half-open trial call instead of failing.
	res, err := r.GenerateAnswer(context.Background(), answerReq())
	require.NoError(t, err)
	assert.Equal(t, "4.2bn", res.Answer)
	assert.Equal(t, 3, inner.Calls(OpGenerateAnswer))
	assert.Equal(t, CircuitClosed, breaker.State())
	assert.GreaterOrEqual(t, breaker.Stats().TotalRejections, int64(1))
}

func TestResilientOracle_OpenCircuitRespectsTimeBudget(t *testing.T) {
	inner := NewScriptedOracle()
	inner.FailNext(OpGenerateAnswer, unavailable(OpGenerateAnswer))

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenDuration:     time.Hour,
		HalfOpenMax:      1,
	})
	budget := NewBudget(BudgetConfig{TimeLimit: 30 * time.Millisecond})
	r := NewResilientOracle(inner, WithBreaker(breaker), WithBudget(budget), WithRetry(fastRetry(3)))

	start := time.Now()
	_, err := r.GenerateAnswer(context.Background(), answerReq())
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, inner.Calls(OpGenerateAnswer))
}

func TestResilientOracle_DescribeMemo(t *testing.T) {
	inner := NewScriptedOracle()
	r := NewResilientOracle(inner, WithDescribeCache(NewDescribeCache(time.Minute)))

	first, err := r.DescribeQAPair(context.Background(), "What chart?", "Bar chart")
	require.NoError(t, err)
	second, err := r.DescribeQAPair(context.Background(), "What chart?", "Bar chart")
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, inner.Calls(OpDescribe))

	_, err = r.DescribeQAPair(context.Background(), "What chart?", "Line chart")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Calls(OpDescribe))
}

func TestResilientOracle_Canceled(t *testing.T) {
	inner := NewScriptedOracle()
	r := NewResilientOracle(inner, WithRetry(fastRetry(3)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.CanAnswerFinalQuestion(ctx, JudgeRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, inner.Calls(OpCanAnswer))
}

func TestNewLimiter(t *testing.T) {
	unlimited := NewLimiter(0, 0)
	assert.True(t, unlimited.Allow())

	limited := NewLimiter(1, 0)
	assert.Equal(t, 1, limited.Burst())
}

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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// RetryConfig bounds the retries of a single Oracle call.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// DefaultRetryConfig returns 3 retries from 1s up to 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// ResilientOracle wraps an Oracle with per-tree budget accounting, a shared
// rate limiter, a circuit breaker, bounded retries and a DescribeQAPair memo.
//
// Retried: unavailable failures and unusable (malformed) questions. Never
// retried: fatal failures, usable malformed answers, budget exhaustion and
// cancellation. An open circuit is waited out, bounded by ctx and the
// budget's time limit, and does not use up a retry.
//
// Thread Safety: Safe for concurrent use, although a tree build calls it from
// one goroutine.
type ResilientOracle struct {
	inner   Oracle
	limiter *rate.Limiter
	breaker *CircuitBreaker
	budget  *Budget
	retry   RetryConfig
	memo    *cache.Cache
	logger  *slog.Logger
	meters  metric.MeterProvider
	metrics *instruments
}

// ResilientOption configures a ResilientOracle.
type ResilientOption func(*ResilientOracle)

// WithLimiter shares a rate limiter across oracles.
func WithLimiter(l *rate.Limiter) ResilientOption {
	return func(r *ResilientOracle) { r.limiter = l }
}

// WithBreaker sets the circuit breaker.
func WithBreaker(b *CircuitBreaker) ResilientOption {
	return func(r *ResilientOracle) { r.breaker = b }
}

// WithBudget sets the per-tree budget.
func WithBudget(b *Budget) ResilientOption {
	return func(r *ResilientOracle) { r.budget = b }
}

// WithRetry sets the retry policy.
func WithRetry(c RetryConfig) ResilientOption {
	return func(r *ResilientOracle) { r.retry = c }
}

// WithDescribeCache shares a DescribeQAPair memo.
func WithDescribeCache(c *cache.Cache) ResilientOption {
	return func(r *ResilientOracle) { r.memo = c }
}

// WithOracleLogger sets the logger.
func WithOracleLogger(l *slog.Logger) ResilientOption {
	return func(r *ResilientOracle) { r.logger = l }
}

// WithMeterProvider sets the provider of the OpenTelemetry instruments.
// Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) ResilientOption {
	return func(r *ResilientOracle) { r.meters = mp }
}

// NewLimiter builds a limiter for qps calls per second. qps <= 0 disables
// limiting.
func NewLimiter(qps float64, burst int) *rate.Limiter {
	if qps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(qps), burst)
}

// NewDescribeCache builds a DescribeQAPair memo.
func NewDescribeCache(ttl time.Duration) *cache.Cache {
	return cache.New(ttl, ttl/2)
}

// NewResilientOracle wraps inner.
func NewResilientOracle(inner Oracle, opts ...ResilientOption) *ResilientOracle {
	r := &ResilientOracle{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Inf, 1),
		breaker: NewCircuitBreaker(DefaultCircuitBreakerConfig()),
		retry:   DefaultRetryConfig(),
		logger:  slog.Default(),
		meters:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(r)
	}
	m, err := newInstruments(r.meters)
	if err != nil {
		r.logger.Warn("Oracle metrics disabled", "error", err)
		m = noopInstruments()
	}
	r.metrics = m
	r.breaker.OnStateChange(func(from, to CircuitState) {
		r.metrics.recordTransition(from, to)
		r.logger.Warn("Oracle circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	return r
}

// Budget returns the per-tree budget, nil if none.
func (r *ResilientOracle) Budget() *Budget {
	return r.budget
}

// Breaker returns the circuit breaker.
func (r *ResilientOracle) Breaker() *CircuitBreaker {
	return r.breaker
}

// GenerateQuestion implements Oracle.
func (r *ResilientOracle) GenerateQuestion(ctx context.Context, req QuestionRequest) (QuestionResult, error) {
	return call(ctx, r, "generate_question",
		func(ctx context.Context) (QuestionResult, error) { return r.inner.GenerateQuestion(ctx, req) },
		func(res QuestionResult) Usage { return res.Usage })
}

// GenerateAnswer implements Oracle.
func (r *ResilientOracle) GenerateAnswer(ctx context.Context, req AnswerRequest) (AnswerResult, error) {
	return call(ctx, r, "generate_answer",
		func(ctx context.Context) (AnswerResult, error) { return r.inner.GenerateAnswer(ctx, req) },
		func(res AnswerResult) Usage { return res.Usage })
}

// CanAnswerFinalQuestion implements Oracle.
func (r *ResilientOracle) CanAnswerFinalQuestion(ctx context.Context, req JudgeRequest) (Judgment, error) {
	return call(ctx, r, "can_answer_final_question",
		func(ctx context.Context) (Judgment, error) { return r.inner.CanAnswerFinalQuestion(ctx, req) },
		func(res Judgment) Usage { return res.Usage })
}

// DescribeQAPair implements Oracle. Identical pairs are served from the memo.
func (r *ResilientOracle) DescribeQAPair(ctx context.Context, question, answer string) (Description, error) {
	key := describeKey(question, answer)
	if r.memo != nil {
		if v, ok := r.memo.Get(key); ok {
			describeCacheHits.Inc()
			return Description{Text: v.(string)}, nil
		}
	}
	d, err := call(ctx, r, "describe_qa_pair",
		func(ctx context.Context) (Description, error) { return r.inner.DescribeQAPair(ctx, question, answer) },
		func(res Description) Usage { return res.Usage })
	if err == nil && r.memo != nil {
		r.memo.Set(key, d.Text, cache.DefaultExpiration)
	}
	return d, err
}

func describeKey(question, answer string) string {
	sum := sha256.Sum256([]byte(question + "\x00" + answer))
	return hex.EncodeToString(sum[:])
}

// call runs fn under the budget, limiter, breaker and retry policy.
func call[T any](ctx context.Context, r *ResilientOracle, op string, fn func(context.Context) (T, error), usage func(T) Usage) (T, error) {
	ctx, span := otel.Tracer("chainforge/oracle").Start(ctx, "oracle."+op)
	defer span.End()

	attempts := 0
	operation := func() (T, error) {
		var zero T
		attempts++

		if r.budget != nil {
			if err := r.budget.Check(); err != nil {
				r.metrics.recordCall(ctx, op, "budget")
				return zero, backoff.Permanent(err)
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			r.metrics.recordCall(ctx, op, "canceled")
			return zero, backoff.Permanent(err)
		}
		allowed, release := r.breaker.Allow()
		for !allowed {
			r.metrics.recordCall(ctx, op, "rejected")
			if err := r.waitForBreaker(ctx, op); err != nil {
				return zero, backoff.Permanent(err)
			}
			allowed, release = r.breaker.Allow()
		}
		if release != nil {
			defer release()
		}

		start := time.Now()
		res, err := fn(ctx)
		r.metrics.recordLatency(ctx, op, time.Since(start).Seconds())

		if err == nil {
			r.breaker.RecordSuccess()
			u := usage(res)
			r.record(u)
			r.metrics.recordTokens(ctx, op, u.Total())
			r.metrics.recordCall(ctx, op, "success")
			return res, nil
		}

		r.record(Usage{})
		kind, classified := KindOf(err)
		switch {
		case ctx.Err() != nil:
			r.metrics.recordCall(ctx, op, "canceled")
			return zero, backoff.Permanent(err)
		case classified && kind == KindUnavailable:
			r.breaker.RecordFailure()
			r.metrics.recordCall(ctx, op, kind.String())
			return zero, err
		case classified && kind == KindMalformed:
			r.breaker.RecordSuccess()
			r.metrics.recordCall(ctx, op, kind.String())
			return zero, err
		default:
			r.metrics.recordCall(ctx, op, KindFatal.String())
			return zero, backoff.Permanent(err)
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retry.InitialBackoff
	eb.MaxInterval = r.retry.MaxBackoff

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(r.retry.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			oracleRetries.WithLabelValues(op).Inc()
			r.logger.Warn("Retrying Oracle call", "op", op, "attempt", attempts, "wait", wait, "error", err)
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	span.SetAttributes(
		attribute.String("oracle.op", op),
		attribute.Int("oracle.attempts", attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// minBreakerWait is the poll interval while a half-open trial call is in flight.
const minBreakerWait = 10 * time.Millisecond

// waitForBreaker sleeps until the open window ends.
func (r *ResilientOracle) waitForBreaker(ctx context.Context, op string) error {
	wait := r.breaker.RetryAfter()
	if wait < minBreakerWait {
		wait = minBreakerWait
	}
	if r.budget != nil {
		if left, ok := r.budget.TimeLeft(); ok && left < wait {
			wait = left
		}
	}
	r.logger.Info("Oracle circuit open, waiting", "op", op, "wait", wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCircuitOpen, ctx.Err())
	case <-timer.C:
	}
	if r.budget != nil {
		return r.budget.Check()
	}
	return nil
}

func (r *ResilientOracle) record(u Usage) {
	if r.budget != nil {
		r.budget.Record(u)
	}
}

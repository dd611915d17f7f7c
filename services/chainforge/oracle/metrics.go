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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "chainforge.oracle"

var (
	// oracleCalls counts Oracle call attempts.
	// Labels: op, outcome (success, malformed, unavailable, fatal, rejected, budget, canceled)
	oracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "oracle",
		Name:      "calls_total",
		Help:      "Total Oracle call attempts by outcome",
	}, []string{"op", "outcome"})

	// oracleLatency measures Oracle round-trip time per attempt.
	oracleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainforge",
		Subsystem: "oracle",
		Name:      "latency_seconds",
		Help:      "Oracle call latency in seconds",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
	}, []string{"op"})

	// oracleTokens counts tokens consumed.
	oracleTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "oracle",
		Name:      "tokens_total",
		Help:      "Total tokens consumed by Oracle calls",
	}, []string{"op"})

	// oracleRetries counts retried attempts.
	oracleRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "oracle",
		Name:      "retries_total",
		Help:      "Total Oracle call retries",
	}, []string{"op"})

	// circuitTransitions counts circuit breaker transitions.
	// Labels: to (closed, open, half-open)
	circuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "oracle",
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"to"})

	// describeCacheHits counts DescribeQAPair memo hits.
	describeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "oracle",
		Name:      "describe_cache_hits_total",
		Help:      "DescribeQAPair calls served from the memo",
	})
)

// instruments are the OpenTelemetry instruments of a ResilientOracle. They
// mirror the Prometheus collectors above for the MeterProvider installed by
// the telemetry package.
type instruments struct {
	calls        metric.Int64Counter
	tokens       metric.Int64Counter
	latency      metric.Float64Histogram
	circuitState metric.Int64UpDownCounter
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	meter := mp.Meter(meterName)
	m := &instruments{}
	var err error

	m.calls, err = meter.Int64Counter(
		"chainforge_oracle_calls",
		metric.WithDescription("Oracle call attempts by op and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.tokens, err = meter.Int64Counter(
		"chainforge_oracle_tokens",
		metric.WithDescription("Tokens consumed by Oracle calls"),
	)
	if err != nil {
		return nil, err
	}

	m.latency, err = meter.Float64Histogram(
		"chainforge_oracle_latency",
		metric.WithDescription("Oracle round-trip time per attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// 0=closed, 1=open, 2=half-open
	m.circuitState, err = meter.Int64UpDownCounter(
		"chainforge_oracle_circuit_state",
		metric.WithDescription("Current circuit breaker state (0=closed, 1=open, 2=half-open)"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func noopInstruments() *instruments {
	m, _ := newInstruments(noop.NewMeterProvider())
	return m
}

// recordCall counts one attempt in both metric systems.
func (m *instruments) recordCall(ctx context.Context, op, outcome string) {
	oracleCalls.WithLabelValues(op, outcome).Inc()
	m.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (m *instruments) recordTokens(ctx context.Context, op string, n int) {
	oracleTokens.WithLabelValues(op).Add(float64(n))
	m.tokens.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
}

func (m *instruments) recordLatency(ctx context.Context, op string, seconds float64) {
	oracleLatency.WithLabelValues(op).Observe(seconds)
	m.latency.Record(ctx, seconds, metric.WithAttributes(attribute.String("op", op)))
}

// recordTransition keeps circuitState equal to the numeric value of the
// breaker's current state.
func (m *instruments) recordTransition(from, to CircuitState) {
	circuitTransitions.WithLabelValues(to.String()).Inc()
	m.circuitState.Add(context.Background(), int64(to)-int64(from))
}

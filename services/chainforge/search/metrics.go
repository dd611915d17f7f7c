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
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	// chainsTotal counts finished chain attempts.
	// Labels: outcome (correct, incorrect, aborted)
	chainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "search",
		Name:      "chains_total",
		Help:      "Chain attempts by outcome",
	}, []string{"outcome"})

	// treesTotal counts tree builds.
	// Labels: outcome (complete, skipped, budget, canceled, failed)
	treesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "search",
		Name:      "trees_total",
		Help:      "Tree builds by outcome",
	}, []string{"outcome"})

	chainDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chainforge",
		Subsystem: "search",
		Name:      "chain_depth",
		Help:      "Question steps past the root in completed chains",
		Buckets:   prometheus.LinearBuckets(0, 2, 10),
	})

	// selections counts traversal moves. Labels: move (select, expand)
	selections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "search",
		Name:      "moves_total",
		Help:      "Traversal moves by kind",
	}, []string{"move"})

	nodesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "search",
		Name:      "nodes_created_total",
		Help:      "Question nodes created",
	})

	// finalizations counts why chains were finalized.
	// Labels: reason (judge, depth)
	finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainforge",
		Subsystem: "search",
		Name:      "finalizations_total",
		Help:      "Chain finalizations by reason",
	}, []string{"reason"})
)

// instruments are the OpenTelemetry counterparts of the collectors above,
// created from the MeterProvider given to the Controller.
type instruments struct {
	nodesCreated metric.Int64Counter
	chains       metric.Int64Counter
	chainDepth   metric.Int64Histogram
	trees        metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	meter := mp.Meter(tracerName)
	m := &instruments{}
	var err error

	m.nodesCreated, err = meter.Int64Counter(
		"chainforge_search_nodes_created",
		metric.WithDescription("Question nodes created"),
	)
	if err != nil {
		return nil, err
	}

	m.chains, err = meter.Int64Counter(
		"chainforge_search_chains",
		metric.WithDescription("Chain attempts by outcome (correct, incorrect, aborted)"),
	)
	if err != nil {
		return nil, err
	}

	m.chainDepth, err = meter.Int64Histogram(
		"chainforge_search_chain_depth",
		metric.WithDescription("Question steps past the root in completed chains"),
	)
	if err != nil {
		return nil, err
	}

	m.trees, err = meter.Int64Counter(
		"chainforge_search_trees",
		metric.WithDescription("Tree builds by outcome"),
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

func (m *instruments) recordNodeCreated(ctx context.Context) {
	nodesCreated.Inc()
	m.nodesCreated.Add(ctx, 1)
}

// recordChain counts a chain attempt. depth is ignored for aborted chains.
func (m *instruments) recordChain(ctx context.Context, outcome string, depth int) {
	chainsTotal.WithLabelValues(outcome).Inc()
	m.chains.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "aborted" {
		return
	}
	chainDepth.Observe(float64(depth))
	m.chainDepth.Record(ctx, int64(depth))
}

func (m *instruments) recordTree(ctx context.Context, outcome string) {
	treesTotal.WithLabelValues(outcome).Inc()
	m.trees.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

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
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/chainforge/services/chainforge/oracle"
	"github.com/AleutianAI/chainforge/services/chainforge/storage"
	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// constSource makes rand.Float64 return a fixed value: 0 for constSource(0),
// just under 1 for constSource(math.MaxInt64).
type constSource int64

func (s constSource) Int63() int64 { return int64(s) }
func (s constSource) Seed(int64)   {}

// alwaysSelect makes every coin flip choose selection when children exist.
func alwaysSelect() *rand.Rand { return rand.New(constSource(0)) }

// neverSelect makes every coin flip choose expansion.
func neverSelect() *rand.Rand { return rand.New(constSource(math.MaxInt64)) }

func testTask() Task {
	return Task{
		BookID:     "acme-2023",
		ImageID:    "p12_fig3",
		ImagePath:  "/data/acme/p12_fig3.png",
		Background: "Revenue by segment, 2019-2023.",
		Final: tree.FinalQuestion{
			FQNo:         1,
			QuestionText: "Did total revenue grow every year?",
			Options:      tree.Options{{Label: "A", Text: "No"}, {Label: "B", Text: "Yes"}},
			Answer:       "B",
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxChainCount = 3
	return cfg
}

func newFileStore(t *testing.T) *storage.FileStore {
	t.Helper()
	s, err := storage.NewFileStore(t.TempDir(), false, quietLogger)
	require.NoError(t, err)
	return s
}

func newController(st storage.Store, o oracle.Oracle, cfg Config, rng *rand.Rand) *Controller {
	return NewController(st, o, cfg,
		WithControllerLogger(quietLogger),
		WithRunID("test-run"),
		WithEngineOptions(WithRand(rng)),
	)
}

func unavailableErr(op string) error {
	return &oracle.Error{Op: op, Kind: oracle.KindUnavailable, Err: errors.New("503 service unavailable")}
}

// recordingOracle records every question request.
type recordingOracle struct {
	*oracle.ScriptedOracle

	mu       sync.Mutex
	requests []oracle.QuestionRequest
}

func newRecordingOracle() *recordingOracle {
	return &recordingOracle{ScriptedOracle: oracle.NewScriptedOracle()}
}

func (r *recordingOracle) GenerateQuestion(ctx context.Context, req oracle.QuestionRequest) (oracle.QuestionResult, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return r.ScriptedOracle.GenerateQuestion(ctx, req)
}

// flakyOracle fails chosen DescribeQAPair calls (1-based) as unavailable.
type flakyOracle struct {
	*oracle.ScriptedOracle

	describeCalls int
	failOn        map[int]bool
}

func (f *flakyOracle) DescribeQAPair(ctx context.Context, q, a string) (oracle.Description, error) {
	f.describeCalls++
	if f.failOn[f.describeCalls] {
		return oracle.Description{}, unavailableErr(oracle.OpDescribe)
	}
	return f.ScriptedOracle.DescribeQAPair(ctx, q, a)
}

// failingStore fails SaveChain with a persistence error.
type failingStore struct {
	storage.Store
}

func (f failingStore) SaveChain(ctx context.Context, key storage.Key, index int, rec storage.ChainRecord) error {
	return errors.Join(storage.ErrPersistence, errors.New("disk full"))
}

// totalCalls sums the calls of every Oracle operation.
func totalCalls(o *oracle.ScriptedOracle) int {
	return o.Calls(oracle.OpGenerateQuestion) + o.Calls(oracle.OpGenerateAnswer) +
		o.Calls(oracle.OpCanAnswer) + o.Calls(oracle.OpDescribe)
}

// countingStore counts writes and records the Oracle call total at the time
// of each SaveChain.
type countingStore struct {
	storage.Store
	oracle *oracle.ScriptedOracle

	saveChain      int
	saveTree       int
	saveCheckpoint int
	callsAtChain   []int
}

func (c *countingStore) SaveChain(ctx context.Context, key storage.Key, index int, rec storage.ChainRecord) error {
	c.saveChain++
	c.callsAtChain = append(c.callsAtChain, totalCalls(c.oracle))
	return c.Store.SaveChain(ctx, key, index, rec)
}

func (c *countingStore) SaveTree(ctx context.Context, key storage.Key, nodes []tree.QuestionNode, actions []tree.AnswerAction) error {
	c.saveTree++
	return c.Store.SaveTree(ctx, key, nodes, actions)
}

func (c *countingStore) SaveCheckpoint(ctx context.Context, key storage.Key, cp storage.Checkpoint) error {
	c.saveCheckpoint++
	return c.Store.SaveCheckpoint(ctx, key, cp)
}

// crashingStore fails every SaveCheckpoint after the first okCheckpoints,
// as a process dying between a chain write and its checkpoint would.
type crashingStore struct {
	storage.Store
	okCheckpoints int
}

func (c *crashingStore) SaveCheckpoint(ctx context.Context, key storage.Key, cp storage.Checkpoint) error {
	if c.okCheckpoints == 0 {
		return errors.Join(storage.ErrPersistence, errors.New("killed"))
	}
	c.okCheckpoints--
	return c.Store.SaveCheckpoint(ctx, key, cp)
}

// meterSum collects reader and sums int64 data points by instrument name,
// keeping only points that carry every attr.
func meterSum(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is %T", name, m.Data)
			for _, dp := range sum.DataPoints {
				match := true
				for _, kv := range attrs {
					if v, found := dp.Attributes.Value(kv.Key); !found || v != kv.Value {
						match = false
						break
					}
				}
				if match {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

var testKey = Key{BookID: "annual report 2023", ImageID: "p12_fig3", FQNo: 2}

func sampleNodes() []tree.QuestionNode {
	return []tree.QuestionNode{
		{ID: 0, ParentID: tree.RootParentID, QuestionText: "What type of chart is this?", Capability: tree.Perception, Complexity: 1, VisitCount: 2, VictoryCount: 1},
		{ID: 1, ParentID: 0, QuestionText: "What is the 2023 revenue?", Capability: tree.DataExtraction, Complexity: 2, VisitCount: 1},
	}
}

func sampleActions() []tree.AnswerAction {
	end := 1
	return []tree.AnswerAction{
		{ID: 0, QuestionNodeID: 0, AnswerText: "Bar chart", VisitCount: 1, VictoryCount: 1},
		{ID: 1, QuestionNodeID: tree.FinalQuestionNodeID, AnswerText: "B", VisitCount: 1, ChainEndNodeID: &end},
	}
}

func sampleRecord() ChainRecord {
	return ChainRecord{
		Index: 0,
		Entries: tree.Chain{
			tree.QuestionEntry(0), tree.AnswerEntry(0), tree.QuestionEntry(1),
			tree.FinalQuestionEntry(2), tree.FinalAnswerEntry(1),
		},
		Nodes:   sampleNodes(),
		Actions: sampleActions(),
		Content: tree.ChainContent{
			{Description: "The figure is a bar chart.", Capability: tree.Perception},
		},
		FinalAnswer: "B",
		Correct:     true,
		CompletedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// backends runs fn against each Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("file", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir(), true, nil)
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadgerStore(InMemoryBadgerConfig())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestStore_TreeExistsOnlyAfterSaveTree(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		ok, err := s.TreeExists(ctx, testKey)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SaveChain(ctx, testKey, 0, sampleRecord()))
		require.NoError(t, s.SaveCheckpoint(ctx, testKey, Checkpoint{ChainsBuilt: 1}))
		ok, err = s.TreeExists(ctx, testKey)
		require.NoError(t, err)
		assert.False(t, ok, "chains and checkpoints do not mark the tree finished")

		require.NoError(t, s.SaveTree(ctx, testKey, sampleNodes(), sampleActions()))
		ok, err = s.TreeExists(ctx, testKey)
		require.NoError(t, err)
		assert.True(t, ok)

		nodes, actions, err := s.LoadTree(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, sampleNodes(), nodes)
		assert.Equal(t, sampleActions(), actions)
	})
}

func TestStore_ChainRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := sampleRecord()
		rec.Index = 3
		require.NoError(t, s.SaveChain(ctx, testKey, 3, rec))

		got, err := s.LoadChain(ctx, testKey, 3)
		require.NoError(t, err)
		assert.Equal(t, rec.Entries, got.Entries)
		assert.Equal(t, rec.Nodes, got.Nodes)
		assert.Equal(t, rec.Actions, got.Actions)
		assert.Equal(t, rec.Content, got.Content)
		assert.Equal(t, "B", got.FinalAnswer)
		assert.True(t, got.Correct)
		assert.True(t, rec.CompletedAt.Equal(got.CompletedAt))
		assert.Equal(t, 3, got.Index)

		_, err = s.LoadChain(ctx, testKey, 4)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_NextChainIndex(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		next, err := s.NextChainIndex(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, 0, next)

		require.NoError(t, s.SaveChain(ctx, testKey, 0, sampleRecord()))
		require.NoError(t, s.SaveChain(ctx, testKey, 1, sampleRecord()))
		require.NoError(t, s.SaveChain(ctx, testKey, 10, sampleRecord()))

		next, err = s.NextChainIndex(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, 11, next)

		other := testKey
		other.FQNo = 3
		next, err = s.NextChainIndex(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, 0, next, "keys are independent")
	})
}

func TestStore_CheckpointLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.LoadCheckpoint(ctx, testKey)
		assert.ErrorIs(t, err, ErrNotFound)

		cp := Checkpoint{
			RunID:          "run-1",
			ChainsBuilt:    2,
			NextChainIndex: 2,
			Nodes:          sampleNodes(),
			Actions:        sampleActions(),
			UpdatedAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		require.NoError(t, s.SaveCheckpoint(ctx, testKey, cp))

		got, err := s.LoadCheckpoint(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, cp.RunID, got.RunID)
		assert.Equal(t, cp.ChainsBuilt, got.ChainsBuilt)
		assert.Equal(t, cp.Nodes, got.Nodes)
		assert.Equal(t, cp.Actions, got.Actions)

		cp.ChainsBuilt = 3
		require.NoError(t, s.SaveCheckpoint(ctx, testKey, cp))
		got, err = s.LoadCheckpoint(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, 3, got.ChainsBuilt)

		require.NoError(t, s.DeleteCheckpoint(ctx, testKey))
		_, err = s.LoadCheckpoint(ctx, testKey)
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting again is fine.
		require.NoError(t, s.DeleteCheckpoint(ctx, testKey))
	})
}

func TestStore_LoadTreeMissing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		_, _, err := s.LoadTree(context.Background(), testKey)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CanceledContext(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.SaveTree(ctx, testKey, sampleNodes(), sampleActions())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFileStore_Layout(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root, false, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveChain(ctx, testKey, 0, sampleRecord()))
	require.NoError(t, s.SaveTree(ctx, testKey, sampleNodes(), sampleActions()))

	dir := filepath.Join(root, "annual%20report%202023", "p12_fig3", "fq_2")
	for _, name := range []string{
		"tree.json",
		"answer_actions.json",
		filepath.Join("chains", "0", "chain.json"),
		filepath.Join("chains", "0", "full_chain.json"),
		filepath.Join("chains", "0", "chain_content.json"),
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestFileStore_EmptyTreeWritesArrays(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root, false, nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveTree(context.Background(), testKey, nil, nil))

	data, err := os.ReadFile(filepath.Join(root, "annual%20report%202023", "p12_fig3", "fq_2", "tree.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestWriteFileAtomic_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestWriteFileAtomic_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "x.json")
	assert.Error(t, writeFileAtomic(path, []byte("x")))
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Backend: "file", Root: t.TempDir()}, nil)
	require.NoError(t, err)
	_, ok := s.(*FileStore)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	b, err := Open(Config{Backend: "badger", Root: filepath.Join(t.TempDir(), "db")}, nil)
	require.NoError(t, err)
	_, ok = b.(*BadgerStore)
	assert.True(t, ok)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	_, err = Open(Config{Backend: "s3", Root: "x"}, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "annual%20report%202023/p12_fig3/fq_2", testKey.String())
}

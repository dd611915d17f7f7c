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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// File names inside a key directory.
const (
	treeFile         = "tree.json"
	actionsFile      = "answer_actions.json"
	checkpointFile   = "checkpoint.json"
	chainsDir        = "chains"
	chainFile        = "chain.json"
	fullChainFile    = "full_chain.json"
	chainContentFile = "chain_content.json"
)

// chainEntries is the chain.json document.
type chainEntries struct {
	Index       int        `json:"index"`
	Entries     tree.Chain `json:"entries"`
	FinalAnswer string     `json:"final_answer"`
	Correct     bool       `json:"correct"`
	CompletedAt time.Time  `json:"completed_at"`
}

// fullChain is the full_chain.json document.
type fullChain struct {
	Nodes   []tree.QuestionNode `json:"nodes"`
	Actions []tree.AnswerAction `json:"actions"`
}

// FileStore keeps artifacts as JSON files under a root directory:
//
//	<root>/<book>/<image>/fq_<n>/tree.json
//	<root>/<book>/<image>/fq_<n>/answer_actions.json
//	<root>/<book>/<image>/fq_<n>/checkpoint.json
//	<root>/<book>/<image>/fq_<n>/chains/<index>/{chain,full_chain,chain_content}.json
//
// Every file is written to a temp file, synced and renamed into place, so a
// reader never sees a partial file.
//
// Thread Safety: Safe for concurrent use across different keys.
type FileStore struct {
	root   string
	indent bool
	logger *slog.Logger
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string, indent bool, logger *slog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: file store root is empty", ErrPersistence)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create root %s: %w", ErrPersistence, root, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{root: root, indent: indent, logger: logger.With("component", "file_store")}, nil
}

// Root returns the root directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) dir(key Key) string {
	return filepath.Join(s.root,
		url.PathEscape(key.BookID),
		url.PathEscape(key.ImageID),
		"fq_"+strconv.Itoa(key.FQNo))
}

func (s *FileStore) chainDir(key Key, index int) string {
	return filepath.Join(s.dir(key), chainsDir, strconv.Itoa(index))
}

// TreeExists implements Store.
func (s *FileStore) TreeExists(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.dir(key), treeFile))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, persistErr("stat tree", key, err)
	}
}

// NextChainIndex implements Store.
func (s *FileStore) NextChainIndex(ctx context.Context, key Key) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir(key), chainsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, persistErr("list chains", key, err)
	}
	next := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		idx, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if idx+1 > next {
			next = idx + 1
		}
	}
	return next, nil
}

// SaveChain implements Store. The three files are written in order
// content, full chain, entries; chain.json present means the chain is whole.
func (s *FileStore) SaveChain(ctx context.Context, key Key, index int, rec ChainRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.chainDir(key, index)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return persistErr("create chain dir", key, err)
	}
	if err := s.writeJSON(filepath.Join(dir, chainContentFile), rec.Content); err != nil {
		return persistErr("save chain content", key, err)
	}
	if err := s.writeJSON(filepath.Join(dir, fullChainFile), fullChain{Nodes: rec.Nodes, Actions: rec.Actions}); err != nil {
		return persistErr("save full chain", key, err)
	}
	doc := chainEntries{
		Index:       index,
		Entries:     rec.Entries,
		FinalAnswer: rec.FinalAnswer,
		Correct:     rec.Correct,
		CompletedAt: rec.CompletedAt.UTC(),
	}
	if err := s.writeJSON(filepath.Join(dir, chainFile), doc); err != nil {
		return persistErr("save chain", key, err)
	}
	s.logger.Debug("Saved chain", "key", key.String(), "index", index, "correct", rec.Correct)
	return nil
}

// LoadChain implements Store.
func (s *FileStore) LoadChain(ctx context.Context, key Key, index int) (ChainRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChainRecord{}, err
	}
	dir := s.chainDir(key, index)
	var doc chainEntries
	if err := s.readJSON(filepath.Join(dir, chainFile), &doc); err != nil {
		return ChainRecord{}, s.readErr("load chain", key, err)
	}
	var full fullChain
	if err := s.readJSON(filepath.Join(dir, fullChainFile), &full); err != nil {
		return ChainRecord{}, s.readErr("load full chain", key, err)
	}
	var content tree.ChainContent
	if err := s.readJSON(filepath.Join(dir, chainContentFile), &content); err != nil {
		return ChainRecord{}, s.readErr("load chain content", key, err)
	}
	return ChainRecord{
		Index:       doc.Index,
		Entries:     doc.Entries,
		Nodes:       full.Nodes,
		Actions:     full.Actions,
		Content:     content,
		FinalAnswer: doc.FinalAnswer,
		Correct:     doc.Correct,
		CompletedAt: doc.CompletedAt,
	}, nil
}

// SaveTree implements Store. The tree file is written last because its
// existence marks the build as finished.
func (s *FileStore) SaveTree(ctx context.Context, key Key, nodes []tree.QuestionNode, actions []tree.AnswerAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.dir(key)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return persistErr("create tree dir", key, err)
	}
	if err := s.writeJSON(filepath.Join(dir, actionsFile), nonNilActions(actions)); err != nil {
		return persistErr("save answer actions", key, err)
	}
	if err := s.writeJSON(filepath.Join(dir, treeFile), nonNilNodes(nodes)); err != nil {
		return persistErr("save tree", key, err)
	}
	s.logger.Info("Saved tree", "key", key.String(), "nodes", len(nodes), "actions", len(actions))
	return nil
}

// LoadTree implements Store.
func (s *FileStore) LoadTree(ctx context.Context, key Key) ([]tree.QuestionNode, []tree.AnswerAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var nodes []tree.QuestionNode
	if err := s.readJSON(filepath.Join(s.dir(key), treeFile), &nodes); err != nil {
		return nil, nil, s.readErr("load tree", key, err)
	}
	var actions []tree.AnswerAction
	if err := s.readJSON(filepath.Join(s.dir(key), actionsFile), &actions); err != nil {
		return nil, nil, s.readErr("load answer actions", key, err)
	}
	return nodes, actions, nil
}

// SaveCheckpoint implements Store.
func (s *FileStore) SaveCheckpoint(ctx context.Context, key Key, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.dir(key)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return persistErr("create checkpoint dir", key, err)
	}
	if err := s.writeJSON(filepath.Join(dir, checkpointFile), cp); err != nil {
		return persistErr("save checkpoint", key, err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *FileStore) LoadCheckpoint(ctx context.Context, key Key) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := s.readJSON(filepath.Join(s.dir(key), checkpointFile), &cp); err != nil {
		return Checkpoint{}, s.readErr("load checkpoint", key, err)
	}
	return cp, nil
}

// DeleteCheckpoint implements Store.
func (s *FileStore) DeleteCheckpoint(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir(key), checkpointFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistErr("delete checkpoint", key, err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readErr(op string, key Key, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	return persistErr(op, key, err)
}

func (s *FileStore) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON encodes v and writes it atomically: temp file in the target
// directory, fsync, close, rename.
func (s *FileStore) writeJSON(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if s.indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}

	success = true
	return nil
}

func nonNilNodes(n []tree.QuestionNode) []tree.QuestionNode {
	if n == nil {
		return []tree.QuestionNode{}
	}
	return n
}

func nonNilActions(a []tree.AnswerAction) []tree.AnswerAction {
	if a == nil {
		return []tree.AnswerAction{}
	}
	return a
}

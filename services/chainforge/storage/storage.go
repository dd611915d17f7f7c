// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists completed chains, finished trees and in-progress
// checkpoints for each (book, image, final question) triple.
//
// Two backends implement Store: FileStore writes one JSON file per artifact
// using temp-file-plus-rename, BadgerStore keeps the same artifacts in an
// embedded BadgerDB. A finished tree is the resume marker: TreeExists
// reports true only after SaveTree.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// Sentinel errors for the storage package.
var (
	// ErrPersistence wraps every I/O failure. It is fatal for a tree build.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound is returned when a requested artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Key identifies one tree build.
type Key struct {
	BookID  string `json:"book_id"`
	ImageID string `json:"image_id"`
	FQNo    int    `json:"fq_no"`
}

// String returns "book/image/fq_n" with ids escaped.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/fq_%d", url.PathEscape(k.BookID), url.PathEscape(k.ImageID), k.FQNo)
}

// ChainRecord is everything persisted for one completed chain.
type ChainRecord struct {
	Index       int                 `json:"index"`
	Entries     tree.Chain          `json:"entries"`
	Nodes       []tree.QuestionNode `json:"nodes"`
	Actions     []tree.AnswerAction `json:"actions"`
	Content     tree.ChainContent   `json:"content"`
	FinalAnswer string              `json:"final_answer"`
	Correct     bool                `json:"correct"`
	CompletedAt time.Time           `json:"completed_at"`
}

// Checkpoint is the state of an unfinished tree build after its last
// completed chain.
type Checkpoint struct {
	RunID          string              `json:"run_id"`
	ChainsBuilt    int                 `json:"chains_built"`
	NextChainIndex int                 `json:"next_chain_index"`
	Nodes          []tree.QuestionNode `json:"nodes"`
	Actions        []tree.AnswerAction `json:"actions"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Store persists tree build artifacts.
//
// Thread Safety: Implementations are safe for concurrent use across
// different keys. One key is written by one worker at a time.
type Store interface {
	// TreeExists reports whether the finished tree of key has been saved.
	TreeExists(ctx context.Context, key Key) (bool, error)

	// NextChainIndex returns one past the highest saved chain index, 0 if none.
	NextChainIndex(ctx context.Context, key Key) (int, error)

	// SaveChain persists a completed chain under index.
	SaveChain(ctx context.Context, key Key, index int, rec ChainRecord) error

	// LoadChain reads a saved chain.
	LoadChain(ctx context.Context, key Key, index int) (ChainRecord, error)

	// SaveTree persists the finished tree and its answer actions.
	SaveTree(ctx context.Context, key Key, nodes []tree.QuestionNode, actions []tree.AnswerAction) error

	// LoadTree reads a finished tree. ErrNotFound if absent.
	LoadTree(ctx context.Context, key Key) ([]tree.QuestionNode, []tree.AnswerAction, error)

	// SaveCheckpoint overwrites the checkpoint of key.
	SaveCheckpoint(ctx context.Context, key Key, cp Checkpoint) error

	// LoadCheckpoint reads the checkpoint. ErrNotFound if absent.
	LoadCheckpoint(ctx context.Context, key Key) (Checkpoint, error)

	// DeleteCheckpoint removes the checkpoint. Absent is not an error.
	DeleteCheckpoint(ctx context.Context, key Key) error

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "file" or "badger".
	Backend string `yaml:"backend" json:"backend" validate:"oneof=file badger"`

	// Root is the output directory (file) or database directory (badger).
	Root string `yaml:"root" json:"root" validate:"required"`

	// SyncWrites fsyncs every write (badger only; file writes always sync).
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// GCInterval is the badger value-log GC interval. 0 disables GC.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval" validate:"gte=0"`

	// Indent pretty-prints JSON files (file only).
	Indent bool `yaml:"indent" json:"indent"`
}

// DefaultConfig returns a file backend rooted at ./output.
func DefaultConfig() Config {
	return Config{
		Backend:    "file",
		Root:       "output",
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
		Indent:     true,
	}
}

// Open creates the configured backend.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Root, cfg.Indent, logger)
	case "badger":
		bcfg := DefaultBadgerConfig()
		bcfg.Path = cfg.Root
		bcfg.SyncWrites = cfg.SyncWrites
		bcfg.GCInterval = cfg.GCInterval
		bcfg.Logger = logger
		return OpenBadgerStore(bcfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func persistErr(op string, key Key, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrPersistence, op, key, err)
}

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
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// BadgerConfig configures the embedded database.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	SyncWrites bool

	// Logger receives badger's internal logs. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value-log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable settings with 5-minute GC.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger. Badger's info chatter is
// demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func openBadger(cfg BadgerConfig) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// gcRunner triggers value-log GC on a ticker until stopped.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func startGC(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	r := &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *gcRunner) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			err := r.db.RunValueLogGC(r.ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
				r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *gcRunner) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

// BadgerStore keeps artifacts in BadgerDB under the keys
//
//	tree/<book>/<image>/<fq>/nodes
//	tree/<book>/<image>/<fq>/actions
//	ckpt/<book>/<image>/<fq>
//	chain/<book>/<image>/<fq>/<index>/{entries,full,content}
//
// Ids are path-escaped. All writes for one chain or one tree happen in a
// single transaction.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db   *badger.DB
	gc   *gcRunner
	once sync.Once
}

// OpenBadgerStore opens the database and starts GC if configured.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	s := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.gc = startGC(db, cfg.GCInterval, ratio, cfg.Logger)
	}
	return s, nil
}

func keyPrefix(kind string, key Key) string {
	return kind + "/" + url.PathEscape(key.BookID) + "/" + url.PathEscape(key.ImageID) + "/" + strconv.Itoa(key.FQNo)
}

func treeKey(key Key, part string) []byte {
	return []byte(keyPrefix("tree", key) + "/" + part)
}

func checkpointKey(key Key) []byte {
	return []byte(keyPrefix("ckpt", key))
}

func chainKey(key Key, index int, part string) []byte {
	return []byte(keyPrefix("chain", key) + "/" + strconv.Itoa(index) + "/" + part)
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	return txn.Set(k, data)
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", k, err)
	}
	return nil
}

func (s *BadgerStore) readErr(op string, key Key, err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	return persistErr(op, key, err)
}

// TreeExists implements Store.
func (s *BadgerStore) TreeExists(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(treeKey(key, "nodes"))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, persistErr("stat tree", key, err)
	}
}

// NextChainIndex implements Store.
func (s *BadgerStore) NextChainIndex(ctx context.Context, key Key) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := []byte(keyPrefix("chain", key) + "/")
	next := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			idxStr, _, _ := strings.Cut(rest, "/")
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				continue
			}
			if idx+1 > next {
				next = idx + 1
			}
		}
		return nil
	})
	if err != nil {
		return 0, persistErr("list chains", key, err)
	}
	return next, nil
}

// SaveChain implements Store.
func (s *BadgerStore) SaveChain(ctx context.Context, key Key, index int, rec ChainRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		entries := chainEntries{
			Index:       index,
			Entries:     rec.Entries,
			FinalAnswer: rec.FinalAnswer,
			Correct:     rec.Correct,
			CompletedAt: rec.CompletedAt.UTC(),
		}
		if err := setJSON(txn, chainKey(key, index, "entries"), entries); err != nil {
			return err
		}
		if err := setJSON(txn, chainKey(key, index, "full"), fullChain{Nodes: rec.Nodes, Actions: rec.Actions}); err != nil {
			return err
		}
		return setJSON(txn, chainKey(key, index, "content"), rec.Content)
	})
	if err != nil {
		return persistErr("save chain", key, err)
	}
	return nil
}

// LoadChain implements Store.
func (s *BadgerStore) LoadChain(ctx context.Context, key Key, index int) (ChainRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChainRecord{}, err
	}
	var (
		entries chainEntries
		full    fullChain
		content tree.ChainContent
	)
	err := s.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, chainKey(key, index, "entries"), &entries); err != nil {
			return err
		}
		if err := getJSON(txn, chainKey(key, index, "full"), &full); err != nil {
			return err
		}
		return getJSON(txn, chainKey(key, index, "content"), &content)
	})
	if err != nil {
		return ChainRecord{}, s.readErr("load chain", key, err)
	}
	return ChainRecord{
		Index:       entries.Index,
		Entries:     entries.Entries,
		Nodes:       full.Nodes,
		Actions:     full.Actions,
		Content:     content,
		FinalAnswer: entries.FinalAnswer,
		Correct:     entries.Correct,
		CompletedAt: entries.CompletedAt,
	}, nil
}

// SaveTree implements Store.
func (s *BadgerStore) SaveTree(ctx context.Context, key Key, nodes []tree.QuestionNode, actions []tree.AnswerAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, treeKey(key, "actions"), nonNilActions(actions)); err != nil {
			return err
		}
		return setJSON(txn, treeKey(key, "nodes"), nonNilNodes(nodes))
	})
	if err != nil {
		return persistErr("save tree", key, err)
	}
	return nil
}

// LoadTree implements Store.
func (s *BadgerStore) LoadTree(ctx context.Context, key Key) ([]tree.QuestionNode, []tree.AnswerAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var (
		nodes   []tree.QuestionNode
		actions []tree.AnswerAction
	)
	err := s.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, treeKey(key, "nodes"), &nodes); err != nil {
			return err
		}
		return getJSON(txn, treeKey(key, "actions"), &actions)
	})
	if err != nil {
		return nil, nil, s.readErr("load tree", key, err)
	}
	return nodes, actions, nil
}

// SaveCheckpoint implements Store.
func (s *BadgerStore) SaveCheckpoint(ctx context.Context, key Key, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, checkpointKey(key), cp)
	})
	if err != nil {
		return persistErr("save checkpoint", key, err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *BadgerStore) LoadCheckpoint(ctx context.Context, key Key) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, checkpointKey(key), &cp)
	})
	if err != nil {
		return Checkpoint{}, s.readErr("load checkpoint", key, err)
	}
	return cp, nil
}

// DeleteCheckpoint implements Store.
func (s *BadgerStore) DeleteCheckpoint(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(checkpointKey(key))
	})
	if err != nil {
		return persistErr("delete checkpoint", key, err)
	}
	return nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		if s.gc != nil {
			s.gc.stop()
		}
		err = s.db.Close()
	})
	return err
}

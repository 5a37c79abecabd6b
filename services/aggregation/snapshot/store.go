// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot persists task graph snapshots in BadgerDB.
//
// Each task and each edge is one key, so a save rewrites only what the
// snapshot contains and a load is a pair of prefix scans:
//
//	meta/version            -> uint64 snapshot version
//	task/<id>               -> JSON taskgraph.TaskRecord
//	edge/<parent>\x00<child> -> JSON taskgraph.EdgeRecord
//
// Aggregates are not stored. Restoring replays the structure and the tree
// recomputes every aggregate.
package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/aggtree/services/aggregation/taskgraph"
)

var (
	// ErrNoSnapshot is returned by Load when nothing has been saved.
	ErrNoSnapshot = errors.New("no snapshot stored")

	// ErrPathRequired is returned when a persistent store has no path.
	ErrPathRequired = errors.New("path is required for persistent store")
)

var (
	versionKey = []byte("meta/version")
	taskPrefix = []byte("task/")
	edgePrefix = []byte("edge/")
)

// Config holds configuration for a Store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable fraction before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns durable settings with a 5 minute GC interval.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store saves and loads graph snapshots.
//
// Thread Safety: Safe for concurrent use. Concurrent saves are serialized
// by BadgerDB transactions; the last commit wins.
type Store struct {
	db *badger.DB
	gc *gcRunner
}

// Open opens or creates a store.
//
// Outputs:
//   - *Store: Must be closed.
//   - error: ErrPathRequired, or a BadgerDB open failure.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, ErrPathRequired
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		s.gc.start()
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Save replaces the stored snapshot with snap.
//
// Outputs:
//   - error: Context or write failure. A failed transactional save leaves
//     the previous snapshot intact.
func (s *Store) Save(ctx context.Context, snap taskgraph.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	// A snapshot too large for one transaction is written as a batch,
	// which is not atomic.
	err := s.db.Update(func(txn *badger.Txn) error {
		return write(txn, snap)
	})
	if !errors.Is(err, badger.ErrTxnTooBig) {
		return err
	}
	return s.saveBatch(snap)
}

func write(txn *badger.Txn, snap taskgraph.Snapshot) error {
	for _, prefix := range [][]byte{taskPrefix, edgePrefix} {
		keys, err := keysWithPrefix(txn, prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
	}
	for _, e := range entries(snap) {
		if err := txn.Set(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveBatch(snap taskgraph.Snapshot) error {
	if err := s.db.DropPrefix(taskPrefix, edgePrefix); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	wb := s.db.NewWriteBatch()
	for _, e := range entries(snap) {
		if err := wb.Set(e.key, e.value); err != nil {
			wb.Cancel()
			return err
		}
	}
	return wb.Flush()
}

// Load reads the stored snapshot.
//
// Outputs:
//   - error: ErrNoSnapshot if nothing was saved, or a decode failure.
func (s *Store) Load(ctx context.Context) (taskgraph.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return taskgraph.Snapshot{}, fmt.Errorf("context cancelled: %w", err)
	}

	var snap taskgraph.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoSnapshot
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt version value of %d bytes", len(v))
			}
			snap.Version = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return err
		}

		snap.Tasks, err = scan[taskgraph.TaskRecord](txn, taskPrefix)
		if err != nil {
			return err
		}
		snap.Edges, err = scan[taskgraph.EdgeRecord](txn, edgePrefix)
		return err
	})
	if err != nil {
		return taskgraph.Snapshot{}, err
	}
	return snap, nil
}

type entry struct {
	key, value []byte
}

// entries encodes snap. Records come from a Snapshot, so encoding cannot
// fail on them.
func entries(snap taskgraph.Snapshot) []entry {
	out := make([]entry, 0, len(snap.Tasks)+len(snap.Edges)+1)
	version := make([]byte, 8)
	binary.BigEndian.PutUint64(version, snap.Version)
	out = append(out, entry{versionKey, version})
	for _, t := range snap.Tasks {
		v, _ := json.Marshal(t)
		out = append(out, entry{append(append([]byte{}, taskPrefix...), t.ID...), v})
	}
	for _, e := range snap.Edges {
		v, _ := json.Marshal(e)
		k := append(append([]byte{}, edgePrefix...), e.Parent...)
		k = append(append(k, 0), e.Child...)
		out = append(out, entry{k, v})
	}
	return out
}

func keysWithPrefix(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func scan[T any](txn *badger.Txn, prefix []byte) ([]T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	out := []T{}
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var rec T
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		}); err != nil {
			return nil, fmt.Errorf("decode %s: %w", item.Key(), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

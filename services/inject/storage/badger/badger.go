// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens the embedded BadgerDB used for per-trial
// bookkeeping that is too chatty for the JSON history directory.
//
// The time-feedback store records one timestamp per injection occurrence;
// a busy target produces thousands per trial, written concurrently from
// every instrumented thread. BadgerDB absorbs those writes; the history
// directory keeps only the one record per trial.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// ErrPathRequired is returned by Open for a persistent config without Path.
var ErrPathRequired = errors.New("path is required for persistent database")

// maxConflictRetries bounds Update retries on transaction conflicts.
const maxConflictRetries = 64

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string

	// InMemory enables in-memory mode (tests, and targets run without a
	// time store directory).
	InMemory bool

	// SyncWrites enables synchronous writes.
	SyncWrites bool

	// Logger receives BadgerDB's internal messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns the persistent configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
//
// Badger is chatty at Info; its Info and Debug both map to Debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB instance with transaction helpers.
//
// Thread Safety: safe for concurrent use.
type DB struct {
	*badger.DB
	path      string
	inMemory  bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens a BadgerDB with the given configuration.
//
// Description:
//
//	Opens the database at cfg.Path, creating the directory, or in memory
//	when cfg.InMemory is set.
//
// Outputs:
//
//	*DB - The database. Caller must Close it.
//	error - ErrPathRequired, or the open failure.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, ErrPathRequired
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
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
	return &DB{DB: db, path: cfg.Path, inMemory: cfg.InMemory}, nil
}

// Close closes the database. Safe to call multiple times.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string { return d.path }

// InMemory reports whether the database is in memory.
func (d *DB) InMemory() bool { return d.inMemory }

// Update runs fn in a read-write transaction and commits it.
//
// Description:
//
//	Conflicting commits (another writer touched a key fn read) are retried
//	with a fresh transaction, so fn must be safe to run more than once.
//
// Outputs:
//
//	error - fn's error, the commit error, or ctx.Err().
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		err := d.WithTxn(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			return err
		}
	}
}

// WithTxn executes fn within a read-write transaction, committing if fn
// returns nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn executes fn within a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// Scan calls fn for every key with the given prefix, in key order.
func (d *DB) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %q: %w", item.Key(), err)
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

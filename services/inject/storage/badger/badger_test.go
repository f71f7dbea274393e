// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestOpen_Persistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "times")
	ctx := context.Background()

	db, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	assert.Equal(t, path, db.Path())
	assert.False(t, db.InMemory())

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")

	db, err = Open(DefaultConfig(path))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		assert.Equal(t, "v", string(v))
		return err
	}))
}

func TestWithTxn_ErrorDiscards(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	boom := errors.New("boom")

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, db.WithTxn(ctx, func(*badger.Txn) error { return nil }), context.Canceled)
	assert.ErrorIs(t, db.Update(ctx, func(*badger.Txn) error { return nil }), context.Canceled)
}

func TestUpdate_ConcurrentIncrements(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	key := []byte("counter")

	incr := func(txn *badger.Txn) error {
		var n uint64
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			n = binary.BigEndian.Uint64(v)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, n+1)
		return txn.Set(key, buf)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				assert.NoError(t, db.Update(ctx, incr))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		assert.Equal(t, uint64(20), binary.BigEndian.Uint64(v))
		return err
	}))
}

func TestScan_Prefix(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"a/2", "a/1", "b/1"} {
			if err := txn.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	var keys []string
	require.NoError(t, db.Scan(ctx, []byte("a/"), func(key, value []byte) error {
		assert.Equal(t, key, value)
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"a/1", "a/2"}, keys)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	storage "github.com/AleutianAI/faultline/services/inject/storage/badger"
)

// TimeRecord is the wall-clock time of one injection occurrence.
type TimeRecord struct {
	TrialID     int       `json:"trial_id"`
	PID         int       `json:"pid"`
	InjectionID int       `json:"id"`
	Occurrence  int       `json:"occurrence"`
	At          time.Time `json:"at"`
}

// TimeStore keeps the time of every injection occurrence, fired or not,
// for building the next trial's time priority table.
//
// # Key Layout
//
//	c/<trial>/<pid>/<id>          -> uint64 last occurrence number
//	t/<trial>/<pid>/<id>/<occ>    -> int64 unix nanos
//
// Numbers are zero-padded so keys sort numerically.
//
// # Thread Safety
//
// Safe for concurrent use.
type TimeStore struct {
	db     *storage.DB
	logger *slog.Logger
}

// OpenTimeStore opens the store. An empty dir opens an in-memory store.
func OpenTimeStore(dir string, logger *slog.Logger) (*TimeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := storage.InMemoryConfig()
	if dir != "" {
		cfg = storage.DefaultConfig(dir)
	}
	cfg.Logger = logger.With(slog.String("component", "badger"))
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open time store: %w", err)
	}
	return &TimeStore{db: db, logger: logger}, nil
}

func counterKey(trialID, pid, id int) []byte {
	return []byte(fmt.Sprintf("c/%010d/%010d/%010d", trialID, pid, id))
}

func timeKey(trialID, pid, id, occ int) []byte {
	return []byte(fmt.Sprintf("t/%010d/%010d/%010d/%010d", trialID, pid, id, occ))
}

func trialPrefix(trialID int) []byte {
	return []byte(fmt.Sprintf("t/%010d/", trialID))
}

// Record stores the time of the next occurrence of (pid, id) and returns
// its occurrence number, starting at 1.
func (s *TimeStore) Record(ctx context.Context, trialID, pid, id int, at time.Time) (int, error) {
	var occ int
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		ck := counterKey(trialID, pid, id)
		var last uint64
		item, err := txn.Get(ck)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				last = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		}
		occ = int(last) + 1

		counter := make([]byte, 8)
		binary.BigEndian.PutUint64(counter, uint64(occ))
		if err := txn.Set(ck, counter); err != nil {
			return err
		}
		stamp := make([]byte, 8)
		binary.BigEndian.PutUint64(stamp, uint64(at.UnixNano()))
		return txn.Set(timeKey(trialID, pid, id, occ), stamp)
	})
	if err != nil {
		return 0, fmt.Errorf("record injection time: %w", err)
	}
	return occ, nil
}

// Records returns the times recorded in a trial, in (pid, id, occurrence)
// order.
func (s *TimeStore) Records(ctx context.Context, trialID int) ([]TimeRecord, error) {
	var out []TimeRecord
	err := s.db.Scan(ctx, trialPrefix(trialID), func(key, value []byte) error {
		var r TimeRecord
		if _, err := fmt.Sscanf(string(key), "t/%d/%d/%d/%d", &r.TrialID, &r.PID, &r.InjectionID, &r.Occurrence); err != nil {
			s.logger.Warn("skipping time store key", slog.String("key", string(key)), slog.String("error", err.Error()))
			return nil
		}
		if len(value) != 8 {
			s.logger.Warn("skipping time store value", slog.String("key", string(key)))
			return nil
		}
		r.At = time.Unix(0, int64(binary.BigEndian.Uint64(value)))
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan time store: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *TimeStore) Close() error {
	return s.db.Close()
}

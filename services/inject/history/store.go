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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/AleutianAI/faultline/services/inject/lock"
)

var recordFileRE = regexp.MustCompile(`^trial-(\d+)\.json$`)

// RecordFileName returns the file name of a trial's record.
func RecordFileName(trialID int) string {
	return fmt.Sprintf("trial-%06d.json", trialID)
}

// Options configures a Store.
type Options struct {
	// Logger for skipped records and mirror failures. Default: slog.Default().
	Logger *slog.Logger

	// RunID identifies this process in the directory lock.
	RunID string

	// Mirrors receive every appended record, best effort.
	Mirrors []Mirror
}

// Store is a directory of trial records.
//
// Thread Safety: safe for concurrent use. Appends from several processes
// serialize on the directory lock.
type Store struct {
	dir     string
	logger  *slog.Logger
	lock    *lock.DirLock
	mirrors []Mirror
}

// Open prepares a store rooted at dir, creating the directory.
func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, errors.New("history directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history directory %s: %w", dir, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:     dir,
		logger:  logger,
		lock:    lock.New(dir, lock.Config{RunID: opts.RunID, Logger: logger}),
		mirrors: opts.Mirrors,
	}, nil
}

// Dir returns the history directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the record path of a trial.
func (s *Store) Path(trialID int) string {
	return filepath.Join(s.dir, RecordFileName(trialID))
}

// Load reads every record in the directory.
//
// Description:
//
//	Files that are not named trial-<n>.json are ignored. Records that fail
//	to decode, fail schema validation, or whose trial_id disagrees with the
//	file name are skipped with a warning and counted in Snapshot.Skipped.
//
// Outputs:
//
//	*Snapshot - Records sorted by trial id.
//	error - Only when the directory itself cannot be read.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read history directory %s: %w", s.dir, err)
	}

	snap := &Snapshot{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		m := recordFileRE.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		rec, err := ReadRecord(path)
		if err != nil {
			s.logger.Warn("skipping trial record", slog.String("path", path), slog.String("error", err.Error()))
			snap.Skipped++
			continue
		}
		if fileID, _ := strconv.Atoi(m[1]); fileID != rec.TrialID {
			s.logger.Warn("skipping trial record",
				slog.String("path", path),
				slog.Int("trial_id", rec.TrialID),
				slog.String("error", "trial_id does not match file name"))
			snap.Skipped++
			continue
		}
		snap.Records = append(snap.Records, *rec)
	}
	slices.SortFunc(snap.Records, func(a, b Record) int { return a.TrialID - b.TrialID })
	return snap, nil
}

// Append writes a trial record exactly once.
//
// Description:
//
//	Validates the record, then under the directory lock refuses an existing
//	trial id and writes a temporary file that is renamed into place. After
//	the rename the record is published to every mirror; mirror failures are
//	logged only.
//
// Outputs:
//
//	error - ErrInvalidTrialID, ErrMalformedRecord, ErrRecordExists, a lock
//	error, or an I/O error.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	if rec.TrialID < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidTrialID, rec.TrialID)
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	path := s.Path(rec.TrialID)
	err = s.lock.Do(ctx, fmt.Sprintf("append trial %d", rec.TrialID), func() error {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: trial %d", ErrRecordExists, rec.TrialID)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return writeAtomic(s.dir, path, data)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("trial record written", slog.String("path", path), slog.Int("trial_id", rec.TrialID))
	for _, m := range s.mirrors {
		if err := m.Publish(ctx, rec); err != nil {
			s.logger.Warn("history mirror publish failed",
				slog.Int("trial_id", rec.TrialID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Close closes the mirrors.
func (s *Store) Close() error {
	var errs []error
	for _, m := range s.mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".trial-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename record into place: %w", err)
	}
	return nil
}

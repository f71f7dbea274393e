// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the lock file created inside a locked directory.
const FileName = ".faultline.lock"

// DefaultPollInterval is how often Acquire retries a held lock.
const DefaultPollInterval = 10 * time.Millisecond

// Info is the holder metadata written into the lock file.
type Info struct {
	PID      int       `json:"pid"`
	RunID    string    `json:"run_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	LockedAt time.Time `json:"locked_at"`
}

// Config configures a DirLock.
type Config struct {
	// RunID identifies the holder in Info. Optional.
	RunID string

	// PollInterval between retries. Default: DefaultPollInterval.
	PollInterval time.Duration

	// Logger for contention messages. Default: slog.Default().
	Logger *slog.Logger
}

// DirLock is an exclusive advisory lock on a directory.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Acquire calls on the same DirLock
// serialize on an internal mutex before touching the OS lock.
type DirLock struct {
	path     string
	runID    string
	interval time.Duration
	locker   FileLocker
	logger   *slog.Logger

	// held serializes holders within this process.
	held chan struct{}

	mu   sync.Mutex
	file *os.File
}

// New creates a DirLock for dir. The directory is created on Acquire.
func New(dir string, config Config) *DirLock {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &DirLock{
		path:     filepath.Join(dir, FileName),
		runID:    config.RunID,
		interval: config.PollInterval,
		locker:   newFileLocker(),
		logger:   config.Logger,
		held:     make(chan struct{}, 1),
	}
}

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.path }

// Acquire blocks until the lock is held or ctx is done.
//
// # Description
//
// Opens (creating if needed) the lock file and retries a non-blocking
// exclusive lock every PollInterval. On success the holder Info is written
// into the file.
//
// # Inputs
//
//   - ctx: Bounds the wait.
//   - reason: Free text recorded in Info.
//
// # Outputs
//
//   - error: *LockError wrapping ErrLocked and the context error when ctx
//     ends first, or an I/O error.
func (l *DirLock) Acquire(ctx context.Context, reason string) error {
	select {
	case l.held <- struct{}{}:
	case <-ctx.Done():
		return &LockError{Path: l.path, Err: errors.Join(ErrLocked, ctx.Err())}
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		<-l.held
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-l.held
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	logged := false
	for {
		err := l.locker.Lock(f)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrLocked) {
			f.Close()
			<-l.held
			return fmt.Errorf("lock %s: %w", l.path, err)
		}
		if !logged {
			holder, _ := readInfo(l.path)
			args := []any{slog.String("path", l.path)}
			if holder != nil {
				args = append(args, slog.Int("holder_pid", holder.PID), slog.String("holder_reason", holder.Reason))
			}
			l.logger.Debug("waiting for history lock", args...)
			logged = true
		}
		select {
		case <-ctx.Done():
			holder, _ := readInfo(l.path)
			f.Close()
			<-l.held
			return &LockError{Path: l.path, Holder: holder, Err: errors.Join(ErrLocked, ctx.Err())}
		case <-ticker.C:
		}
	}

	info := Info{PID: os.Getpid(), RunID: l.runID, Reason: reason, LockedAt: time.Now()}
	if err := writeInfo(f, info); err != nil {
		l.logger.Warn("write lock info", slog.String("path", l.path), slog.String("error", err.Error()))
	}

	l.mu.Lock()
	l.file = f
	l.mu.Unlock()
	return nil
}

// Release drops the lock.
func (l *DirLock) Release() error {
	l.mu.Lock()
	f := l.file
	l.file = nil
	l.mu.Unlock()
	if f == nil {
		return ErrNotHeld
	}

	var errs []error
	if err := f.Truncate(0); err != nil {
		errs = append(errs, err)
	}
	if err := l.locker.Unlock(f); err != nil {
		errs = append(errs, fmt.Errorf("unlock %s: %w", l.path, err))
	}
	if err := f.Close(); err != nil {
		errs = append(errs, err)
	}
	<-l.held
	return errors.Join(errs...)
}

// Do runs fn while holding the lock.
func (l *DirLock) Do(ctx context.Context, reason string, fn func() error) error {
	if err := l.Acquire(ctx, reason); err != nil {
		return err
	}
	fnErr := fn()
	if err := l.Release(); err != nil {
		return errors.Join(fnErr, err)
	}
	return fnErr
}

// Holder returns the metadata of the current holder, or nil if the lock
// file is empty or missing.
func (l *DirLock) Holder() (*Info, error) {
	return readInfo(l.path)
}

func writeInfo(f *os.File, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

func readInfo(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode lock info %s: %w", path, err)
	}
	return &info, nil
}

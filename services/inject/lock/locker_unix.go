// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// UnixFileLocker implements FileLocker using flock(2).
//
// Locks belong to the open file description: two opens of the same file in
// one process conflict with each other, which lets several coordinators in
// one test binary exercise the lock.
type UnixFileLocker struct{}

// Lock takes LOCK_EX|LOCK_NB.
func (l *UnixFileLocker) Lock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return ErrLocked
		default:
			return err
		}
	}
}

// Unlock releases the lock with LOCK_UN.
func (l *UnixFileLocker) Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// isProcessAlive sends signal 0. EPERM means the process exists but belongs
// to someone else.
func isProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func newPlatformLocker() FileLocker {
	return &UnixFileLocker{}
}

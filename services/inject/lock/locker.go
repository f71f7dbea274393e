// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the advisory lock that serializes writers of a
// trial history directory.
//
// # Description
//
// A trial record is appended exactly once, at the end of a trial. Several
// processes can finish at the same moment (a driver re-running the target
// while a previous run is still dumping, or several coordinators pointed at
// one directory), so the append runs under an exclusive OS-level lock on a
// well-known file inside the directory. Readers never lock.
//
// Unix uses flock(2), Windows uses LockFileEx, both through golang.org/x/sys.
// The OS drops the lock when the holding process dies, so there is no stale
// lock cleanup; the lock file only carries holder metadata for diagnostics.
package lock

import (
	"os"
)

// FileLocker abstracts platform-specific file locking operations.
//
// # Description
//
// Lock is non-blocking: it returns ErrLocked immediately if another open
// file description holds the lock. DirLock layers polling on top.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// Lock acquires an exclusive lock on the file or returns ErrLocked.
	Lock(f *os.File) error

	// Unlock releases the lock on the file. Safe to call even if not locked.
	Unlock(f *os.File) error
}

// IsProcessAlive reports whether a process with the given PID is running.
//
// Used only to annotate holder information in lock errors.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessAlive(pid)
}

// newFileLocker creates the platform FileLocker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}

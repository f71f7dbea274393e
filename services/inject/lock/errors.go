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
	"errors"
	"fmt"
)

var (
	// ErrLocked is returned when another holder has the lock.
	ErrLocked = errors.New("lock held by another process")

	// ErrNotHeld is returned by Release when the lock is not held.
	ErrNotHeld = errors.New("lock not held")
)

// LockError describes a failed acquisition.
type LockError struct {
	Path   string
	Holder *Info
	Err    error
}

func (e *LockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock %s: held by pid %d (run %s, alive=%t) since %s: %v",
			e.Path, e.Holder.PID, e.Holder.RunID, IsProcessAlive(e.Holder.PID),
			e.Holder.LockedAt.Format("15:04:05.000"), e.Err)
	}
	return fmt.Sprintf("lock %s: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

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
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WaitForRecord blocks until the record of trialID exists in dir and
// decodes, or ctx ends.
//
// Description:
//
//	Watches dir with fsnotify. Records are renamed into place, so the final
//	name appears in one Create event; Write events are handled too for
//	records copied in by other tools. The file is checked once after the
//	watch is installed so a record written before the call is found.
func WaitForRecord(ctx context.Context, dir string, trialID int) (*Record, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	path := filepath.Join(dir, RecordFileName(trialID))
	tryRead := func() (*Record, bool) {
		rec, err := ReadRecord(path)
		if err != nil {
			return nil, false
		}
		return rec, true
	}

	if rec, ok := tryRead(); ok {
		return rec, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for trial %d record: %w", trialID, ctx.Err())
		case event, ok := <-watcher.Events:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if rec, ok := tryRead(); ok {
				return rec, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			// Overflow drops events; fall back to checking the file.
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				if rec, ok := tryRead(); ok {
					return rec, nil
				}
				continue
			}
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
}

// RecordExists reports whether the trial's record file exists.
func RecordExists(dir string, trialID int) bool {
	_, err := os.Stat(filepath.Join(dir, RecordFileName(trialID)))
	return err == nil
}

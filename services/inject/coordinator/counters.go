// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import "sync"

type counter struct {
	mu sync.Mutex
	n  int
}

// Counters numbers the occurrences of each key. Each key has its own lock,
// so hits on different injection points never contend.
//
// The zero value is ready to use.
type Counters[K comparable] struct {
	m sync.Map // K -> *counter
}

// Next increments the counter for key and returns the new value, starting
// at 1.
func (c *Counters[K]) Next(key K) int {
	v, ok := c.m.Load(key)
	if !ok {
		v, _ = c.m.LoadOrStore(key, &counter{})
	}
	ctr := v.(*counter)
	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	ctr.n++
	return ctr.n
}

// Get returns the current count for key.
func (c *Counters[K]) Get(key K) int {
	v, ok := c.m.Load(key)
	if !ok {
		return 0
	}
	ctr := v.(*counter)
	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	return ctr.n
}

// Snapshot copies every count.
func (c *Counters[K]) Snapshot() map[K]int {
	out := make(map[K]int)
	c.m.Range(func(k, v any) bool {
		ctr := v.(*counter)
		ctr.mu.Lock()
		out[k.(K)] = ctr.n
		ctr.mu.Unlock()
		return true
	})
	return out
}

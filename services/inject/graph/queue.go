// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

// itemType orders queue items of equal weight: injections drain before the
// nodes that share their weight.
type itemType uint8

const (
	itemInjection itemType = iota
	itemNode
)

type walkItem struct {
	weight int
	typ    itemType
	id     int
	source int
}

func (a walkItem) less(b walkItem) bool {
	if a.weight != b.weight {
		return a.weight < b.weight
	}
	if a.typ != b.typ {
		return a.typ < b.typ
	}
	return a.id < b.id
}

// walkQueue is a min-heap of walkItem for container/heap.
type walkQueue []walkItem

func (q walkQueue) Len() int           { return len(q) }
func (q walkQueue) Less(i, j int) bool { return q[i].less(q[j]) }
func (q walkQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *walkQueue) Push(x any) {
	*q = append(*q, x.(walkItem))
}

func (q *walkQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

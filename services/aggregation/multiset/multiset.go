// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package multiset provides a counted set that collapses duplicate
// insertions into a single observable element.
//
// Two structural edges to the same neighbor must appear as one relationship
// while still being individually removable. Multiset reports only the
// transitions that matter to the caller: the first Add of an element and the
// Remove that takes it back to zero.
//
// # Thread Safety
//
// Multiset is NOT safe for concurrent use. Owners serialize access with
// their own lock.
package multiset

import "iter"

// Multiset is a deduplicating set with a per-element reference count.
//
// Invariants:
//   - counts never holds an entry with a count <= 0
//   - Add returns true only on the 0→1 transition
//   - Remove returns true only on the 1→0 transition
//
// The zero value is ready to use.
type Multiset[T comparable] struct {
	counts map[T]int
}

// New creates an empty multiset.
func New[T comparable]() *Multiset[T] {
	return &Multiset[T]{}
}

// Add records one more observation of x.
//
// Outputs:
//   - bool: True if x was not present before this call.
func (m *Multiset[T]) Add(x T) bool {
	if m.counts == nil {
		m.counts = make(map[T]int)
	}
	n := m.counts[x]
	m.counts[x] = n + 1
	return n == 0
}

// Remove drops one observation of x.
//
// Removing an absent element is a no-op and returns false.
//
// Outputs:
//   - bool: True if this call removed the last observation of x.
func (m *Multiset[T]) Remove(x T) bool {
	n, ok := m.counts[x]
	if !ok {
		return false
	}
	if n == 1 {
		delete(m.counts, x)
		return true
	}
	m.counts[x] = n - 1
	return false
}

// Count returns how many observations of x are recorded.
func (m *Multiset[T]) Count(x T) int {
	return m.counts[x]
}

// Contains reports whether x has at least one observation.
func (m *Multiset[T]) Contains(x T) bool {
	_, ok := m.counts[x]
	return ok
}

// Len returns the number of distinct elements.
func (m *Multiset[T]) Len() int {
	return len(m.counts)
}

// IsEmpty reports whether no element is present.
func (m *Multiset[T]) IsEmpty() bool {
	return len(m.counts) == 0
}

// All yields each distinct element exactly once, in unspecified order.
//
// The multiset must not be modified during iteration.
func (m *Multiset[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for x := range m.counts {
			if !yield(x) {
				return
			}
		}
	}
}

// Items returns a snapshot of the distinct elements.
func (m *Multiset[T]) Items() []T {
	items := make([]T, 0, len(m.counts))
	for x := range m.counts {
		items = append(items, x)
	}
	return items
}

// Clear removes every element and returns the distinct elements that were
// present.
func (m *Multiset[T]) Clear() []T {
	items := m.Items()
	m.counts = nil
	return items
}

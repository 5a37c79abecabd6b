// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package arena stores values in reference-counted slots addressed by small
// generation-tagged handles.
//
// A Handle names one slot incarnation. When a slot is freed its generation
// is bumped, so a handle kept past the lifetime of its value never resolves
// to whatever reuses the slot later. Handle equality is identity: two
// handles are equal iff they name the same incarnation.
//
// # Ownership Model
//
// Insert returns a handle with one reference. Acquire adds a reference,
// Release drops one. The slot is freed when the count reaches zero.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The arena lock is a leaf lock:
// no callback or foreign lock is ever taken while it is held.
package arena

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStaleHandle is returned when a handle names a freed slot incarnation.
var ErrStaleHandle = errors.New("stale arena handle")

// Handle identifies one incarnation of an arena slot.
//
// The zero Handle is never issued and is always invalid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero (never issued) handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

// Index returns the slot index. Useful for logging and map keys in tests.
func (h Handle) Index() uint32 {
	return h.index
}

// Generation returns the slot generation this handle was issued for.
func (h Handle) Generation() uint32 {
	return h.gen
}

// String renders the handle as "index@generation".
func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.index, h.gen)
}

type slot[V any] struct {
	value V
	gen   uint32
	refs  int32
	live  bool
}

// Arena is a slot allocator with reference-counted, generation-tagged
// handles.
type Arena[V any] struct {
	mu    sync.RWMutex
	slots []slot[V]
	free  []uint32
	live  int
}

// New creates an empty arena.
func New[V any]() *Arena[V] {
	return &Arena[V]{}
}

// Insert stores v in a fresh or recycled slot and returns its handle with a
// reference count of one.
//
// Thread Safety: Safe for concurrent use.
func (a *Arena[V]) Insert(v V) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[V]{})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		// Skip the reserved zero generation on wraparound.
		s.gen = 1
	}
	s.value = v
	s.refs = 1
	s.live = true
	a.live++

	return Handle{index: idx, gen: s.gen}
}

// Get resolves h to its value.
//
// Outputs:
//   - V: The stored value, zero if the handle is stale.
//   - bool: False if h is zero, out of range, or names a freed incarnation.
//
// Thread Safety: Safe for concurrent use.
func (a *Arena[V]) Get(h Handle) (V, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if s, ok := a.lookup(h); ok {
		return s.value, true
	}
	var zero V
	return zero, false
}

// Acquire adds a reference to the slot named by h.
//
// Outputs:
//   - error: ErrStaleHandle if h does not name a live incarnation.
//
// Thread Safety: Safe for concurrent use.
func (a *Arena[V]) Acquire(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.lookup(h)
	if !ok {
		return fmt.Errorf("%w: acquire %s", ErrStaleHandle, h)
	}
	s.refs++
	return nil
}

// Release drops a reference to the slot named by h and frees the slot when
// the last reference goes away.
//
// Outputs:
//   - V: The value that was freed, zero unless freed is true.
//   - bool: True if this call freed the slot.
//   - error: ErrStaleHandle if h does not name a live incarnation.
//
// Thread Safety: Safe for concurrent use.
func (a *Arena[V]) Release(h Handle) (V, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero V
	s, ok := a.lookup(h)
	if !ok {
		return zero, false, fmt.Errorf("%w: release %s", ErrStaleHandle, h)
	}
	s.refs--
	if s.refs > 0 {
		return zero, false, nil
	}

	v := s.value
	s.value = zero
	s.live = false
	s.refs = 0
	a.free = append(a.free, h.index)
	a.live--
	return v, true, nil
}

// Refs returns the current reference count of h, or 0 if h is stale.
//
// Thread Safety: Safe for concurrent use.
func (a *Arena[V]) Refs(h Handle) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if s, ok := a.lookup(h); ok {
		return int(s.refs)
	}
	return 0
}

// Len returns the number of live slots.
//
// Thread Safety: Safe for concurrent use.
func (a *Arena[V]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

// Capacity returns the number of slots ever allocated (live or free).
//
// Thread Safety: Safe for concurrent use.
func (a *Arena[V]) Capacity() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}

// lookup returns the live slot named by h. Caller must hold a.mu.
func (a *Arena[V]) lookup(h Handle) (*slot[V], bool) {
	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil, false
	}
	return s, true
}

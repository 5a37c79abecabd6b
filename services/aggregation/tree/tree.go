// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/aggtree/services/aggregation/arena"
)

// DefaultMaxDepth is the deepest level a tree instantiates unless
// configured otherwise.
const DefaultMaxDepth uint8 = 64

// Option configures a Tree.
type Option func(*options)

type options struct {
	name     string
	maxDepth uint8
	logger   *slog.Logger
}

// WithName labels the tree in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithMaxDepth bounds the depth of nodes created through AddChild.
// A value of 0 allows only leaf nodes.
func WithMaxDepth(depth uint8) Option {
	return func(o *options) {
		o.maxDepth = depth
	}
}

// WithLogger sets the logger used for teardown warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type key[I comparable] struct {
	item  I
	depth uint8
}

// Tree is the node factory: it owns every node and hands out the unique
// node for each (item, depth) pair.
//
// Description:
//
//	Nodes live in a generation-tagged arena. A node is kept alive by three
//	kinds of reference: the factory pin taken by Node, one reference per
//	distinct lower node linked to it, and one per outstanding InfoGuard.
//	When the last reference goes away the node is removed from the table
//	and freed; any upward links it still holds are withdrawn first.
//
// Type Parameters:
//   - I: Item identity, e.g. a task ID.
//   - T, C, K, R: See Context.
//
// Thread Safety:
//
//	Safe for concurrent use. The table lock and the arena lock are leaf
//	locks: no node lock is acquired while either is held.
type Tree[I comparable, T, C, K, R any] struct {
	name     string
	policy   Context[T, C, K, R]
	maxDepth uint8
	logger   *slog.Logger
	rec      *recorder

	nodes *arena.Arena[*Node[I, T, C, K, R]]

	mu      sync.Mutex
	table   map[key[I]]*Node[I, T, C, K, R]
	deepest uint8
}

// New creates an empty tree driven by policy.
//
// Inputs:
//   - policy: The aggregation policy. Must not be nil.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Tree: The new tree. Never nil.
func New[I comparable, T, C, K, R any](policy Context[T, C, K, R], opts ...Option) *Tree[I, T, C, K, R] {
	o := options{
		name:     "default",
		maxDepth: DefaultMaxDepth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Tree[I, T, C, K, R]{
		name:     o.name,
		policy:   policy,
		maxDepth: o.maxDepth,
		logger:   o.logger.With(slog.String("tree", o.name)),
		rec:      newRecorder(o.name),
		nodes:    arena.New[*Node[I, T, C, K, R]](),
		table:    make(map[key[I]]*Node[I, T, C, K, R]),
	}
}

// Name returns the tree's label.
func (t *Tree[I, T, C, K, R]) Name() string {
	return t.name
}

// MaxDepth returns the deepest level AddChild may create.
func (t *Tree[I, T, C, K, R]) MaxDepth() uint8 {
	return t.maxDepth
}

// Node returns the unique node for (item, depth), creating it if needed,
// and pins it.
//
// Description:
//
//	Repeated calls with the same pair return the same node for as long as
//	it is live. The pin keeps the node live until Release(item), even after
//	every link to it is removed. Pinning an already pinned node is a no-op.
//
// Inputs:
//   - item: The graph item.
//   - depth: The level. Must not exceed MaxDepth.
//
// Outputs:
//   - *Node: Never nil.
//
// Thread Safety: Safe for concurrent use. Panics with *InvariantError if
// depth exceeds MaxDepth.
func (t *Tree[I, T, C, K, R]) Node(item I, depth uint8) *Node[I, T, C, K, R] {
	n, _ := t.Ensure(item, depth)
	return n
}

// Ensure is Node, additionally reporting whether the node was created by
// this call. Callers use it to seed a fresh node exactly once.
func (t *Tree[I, T, C, K, R]) Ensure(item I, depth uint8) (*Node[I, T, C, K, R], bool) {
	if depth > t.maxDepth {
		panic(violation("Node", ErrDepthExceeded, "depth %d, max depth %d", depth, t.maxDepth))
	}

	t.mu.Lock()
	k := key[I]{item: item, depth: depth}
	if n, ok := t.table[k]; ok {
		if !n.pinned {
			t.acquire("Node", n.handle)
			n.pinned = true
		}
		t.mu.Unlock()
		return n, false
	}

	n := &Node[I, T, C, K, R]{
		tree:   t,
		item:   item,
		depth:  depth,
		pinned: true,
	}
	// Insert's initial reference is the pin.
	n.handle = t.nodes.Insert(n)
	t.table[k] = n
	if depth > t.deepest {
		t.deepest = depth
	}
	deepest := t.deepest
	t.mu.Unlock()

	t.rec.nodeCreated(deepest)
	return n, true
}

// Lookup returns the node for (item, depth) without creating or pinning it.
//
// Thread Safety: Safe for concurrent use. The returned node may be freed
// by a concurrent Release; callers that race Release must hold a guard.
func (t *Tree[I, T, C, K, R]) Lookup(item I, depth uint8) (*Node[I, T, C, K, R], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.table[key[I]{item: item, depth: depth}]
	return n, ok
}

// Depths returns, in increasing order, every level at which item has a
// live node.
//
// Thread Safety: Safe for concurrent use.
func (t *Tree[I, T, C, K, R]) Depths(item I) []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var depths []uint8
	for d := 0; d <= int(t.deepest); d++ {
		if _, ok := t.table[key[I]{item: item, depth: uint8(d)}]; ok {
			depths = append(depths, uint8(d))
		}
	}
	return depths
}

// Release drops the factory pin on every node of item.
//
// Description:
//
//	Nodes that are still linked from below or guarded stay live until those
//	references go away. A node freed while it still has uppers withdraws
//	its contribution from them, which is logged as a warning because it
//	means the caller released an item that is still part of the graph.
//
// Outputs:
//   - int: Number of pins dropped.
//
// Thread Safety: Safe for concurrent use. Must not be called while holding
// a node lock.
func (t *Tree[I, T, C, K, R]) Release(item I) int {
	t.mu.Lock()
	var handles []arena.Handle
	for d := 0; d <= int(t.deepest); d++ {
		n, ok := t.table[key[I]{item: item, depth: uint8(d)}]
		if !ok || !n.pinned {
			continue
		}
		n.pinned = false
		handles = append(handles, n.handle)
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.release(h)
	}
	return len(handles)
}

// ReleaseAt drops the factory pin on the node of item at depth only.
//
// Description:
//
//	Used by drivers that pin one node per level and unpin levels
//	independently as links disappear. The same liveness rules as Release
//	apply.
//
// Outputs:
//   - bool: True if a pin was dropped.
//
// Thread Safety: Safe for concurrent use. Must not be called while holding
// a node lock.
func (t *Tree[I, T, C, K, R]) ReleaseAt(item I, depth uint8) bool {
	t.mu.Lock()
	n, ok := t.table[key[I]{item: item, depth: depth}]
	if !ok || !n.pinned {
		t.mu.Unlock()
		return false
	}
	n.pinned = false
	h := n.handle
	t.mu.Unlock()

	t.release(h)
	return true
}

// Len returns the number of live nodes.
func (t *Tree[I, T, C, K, R]) Len() int {
	return t.nodes.Len()
}

// Stats is a point-in-time summary of a tree.
type Stats struct {
	Name         string `json:"name"`
	LiveNodes    int    `json:"live_nodes"`
	ArenaSlots   int    `json:"arena_slots"`
	DeepestLevel uint8  `json:"deepest_level"`
	Created      int64  `json:"nodes_created"`
	Released     int64  `json:"nodes_released"`
	LinksAdded   int64  `json:"links_added"`
	LinksRemoved int64  `json:"links_removed"`
	Forwarded    int64  `json:"changes_forwarded"`
	Absorbed     int64  `json:"changes_absorbed"`
	RootVisits   int64  `json:"root_query_visits"`
	RootBreaks   int64  `json:"root_query_breaks"`
}

// Stats returns activity counters for this tree.
//
// Thread Safety: Safe for concurrent use.
func (t *Tree[I, T, C, K, R]) Stats() Stats {
	t.mu.Lock()
	deepest := t.deepest
	t.mu.Unlock()

	c := &t.rec.c
	return Stats{
		Name:         t.name,
		LiveNodes:    t.nodes.Len(),
		ArenaSlots:   t.nodes.Capacity(),
		DeepestLevel: deepest,
		Created:      c.created.Load(),
		Released:     c.released.Load(),
		LinksAdded:   c.linked.Load(),
		LinksRemoved: c.unlinked.Load(),
		Forwarded:    c.forwarded.Load(),
		Absorbed:     c.absorbed.Load(),
		RootVisits:   c.visits.Load(),
		RootBreaks:   c.breaks.Load(),
	}
}

// Validate checks the structural invariants of every live node.
//
// Description:
//
//	Verifies that every upper resolves to a live node of this tree one
//	level down, that the table and arena agree, and that each node's
//	reference count equals its pin plus its distinct lower links.
//
// Outputs:
//   - error: All violations joined, or nil.
//
// Thread Safety: Only meaningful while no other goroutine mutates the
// tree or holds an InfoGuard.
func (t *Tree[I, T, C, K, R]) Validate() error {
	type entry struct {
		node   *Node[I, T, C, K, R]
		pinned bool
	}

	t.mu.Lock()
	entries := make([]entry, 0, len(t.table))
	for _, n := range t.table {
		entries = append(entries, entry{node: n, pinned: n.pinned})
	}
	t.mu.Unlock()

	var errs []error
	if live := t.nodes.Len(); live != len(entries) {
		errs = append(errs, fmt.Errorf("table has %d nodes, arena has %d live", len(entries), live))
	}

	inbound := make(map[arena.Handle]int, len(entries))
	for _, e := range entries {
		for _, ref := range e.node.Uppers() {
			upper, ok := t.nodes.Get(ref.h)
			if !ok {
				errs = append(errs, fmt.Errorf("node %v@%d: %w: upper %s", e.node.item, e.node.depth, ErrStaleHandle, ref.h))
				continue
			}
			if int(upper.depth)+1 != int(e.node.depth) {
				errs = append(errs, fmt.Errorf("node %v@%d: %w: upper at depth %d", e.node.item, e.node.depth, ErrLockOrder, upper.depth))
			}
			inbound[ref.h]++
		}
	}

	for _, e := range entries {
		want := inbound[e.node.handle]
		if e.pinned {
			want++
		}
		if got := t.nodes.Refs(e.node.handle); got != want {
			errs = append(errs, fmt.Errorf("node %v@%d: refcount %d, expected %d", e.node.item, e.node.depth, got, want))
		}
	}
	return errors.Join(errs...)
}

// resolve maps an upward reference to its node. The caller holds the lock
// of a lower node whose link keeps the upper live, so a miss is a bug.
func (t *Tree[I, T, C, K, R]) resolve(op string, ref UpwardRef) *Node[I, T, C, K, R] {
	n, ok := t.nodes.Get(ref.h)
	if !ok {
		panic(violation(op, ErrStaleHandle, "upper %s", ref.h))
	}
	return n
}

func (t *Tree[I, T, C, K, R]) acquire(op string, h arena.Handle) {
	if err := t.nodes.Acquire(h); err != nil {
		panic(violation(op, ErrStaleHandle, "%s", h))
	}
}

// release drops one reference on h. The free decision and the table
// removal happen under t.mu so Ensure never observes a freed entry.
func (t *Tree[I, T, C, K, R]) release(h arena.Handle) {
	t.mu.Lock()
	n, freed, err := t.nodes.Release(h)
	if err != nil {
		t.mu.Unlock()
		panic(violation("release", ErrStaleHandle, "%s", h))
	}
	if freed {
		delete(t.table, key[I]{item: n.item, depth: n.depth})
	}
	t.mu.Unlock()

	if freed {
		t.onFreed(n)
	}
}

// onFreed withdraws a freed node from its uppers and drops the references
// it held on them.
func (t *Tree[I, T, C, K, R]) onFreed(n *Node[I, T, C, K, R]) {
	n.mu.Lock()
	var change C
	var withdraw bool
	if !n.uppers.IsEmpty() {
		change, withdraw = t.policy.InfoToRemoveChange(&n.info)
	}
	remaining := n.uppers.Clear()
	for _, ref := range remaining {
		if withdraw {
			t.resolve("release", ref).ChildChange(change)
		}
	}
	n.mu.Unlock()

	t.rec.nodeReleased()
	if len(remaining) > 0 {
		t.rec.releasedLinked()
		t.logger.Warn("aggregation node released while linked",
			slog.Any("item", n.item),
			slog.Int("depth", int(n.depth)),
			slog.Int("uppers", len(remaining)),
		)
	}
	for _, ref := range remaining {
		t.release(ref.h)
	}
}

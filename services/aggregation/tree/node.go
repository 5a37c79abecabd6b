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
	"sync"

	"github.com/AleutianAI/aggtree/services/aggregation/arena"
	"github.com/AleutianAI/aggtree/services/aggregation/multiset"
)

// NodeKind distinguishes the two node tiers. Both share one shape and one
// operation surface; only depth-0 nodes answer root queries directly.
type NodeKind int

const (
	// NodeLeaf is a depth-0 node: the tier closest to raw graph items and
	// the point where root queries resolve.
	NodeLeaf NodeKind = iota

	// NodeMerge is a node at depth >= 1. It is shared by every lower node
	// that links into it, which bounds fan-out.
	NodeMerge
)

// String returns the string representation of the node kind.
func (k NodeKind) String() string {
	switch k {
	case NodeLeaf:
		return "leaf"
	case NodeMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// UpwardRef is an identity handle to an upper node.
//
// Two refs are equal iff they name the same node incarnation, however many
// times they were constructed. Refs are comparable and serve directly as
// multiset elements.
type UpwardRef struct {
	h arena.Handle
}

// Handle returns the arena handle behind the reference.
func (r UpwardRef) Handle() arena.Handle {
	return r.h
}

// Node is the aggregation state of one graph item at one depth.
//
// Description:
//
//	A node holds the policy-defined Info for its item and the multiset of
//	upper nodes it reports into. Changes applied to a node are forwarded to
//	every upper while the node's lock is held, so the aggregate at depth 0
//	always reflects a consistent prefix of the changes applied below it.
//
// Invariants:
//   - depth is immutable
//   - every upper has depth == n.depth-1 and belongs to the same tree
//   - each distinct upper in uppers holds one arena reference on that upper
//   - info and uppers are only touched while mu is held
//
// Thread Safety:
//
//	All methods are safe for concurrent use. A goroutine holding n.mu only
//	ever acquires the lock of a node at depth n.depth-1.
type Node[I comparable, T, C, K, R any] struct {
	tree   *Tree[I, T, C, K, R]
	item   I
	depth  uint8
	handle arena.Handle

	// pinned is the factory's ownership reference. Guarded by tree.mu.
	pinned bool

	mu     sync.Mutex
	info   T
	uppers multiset.Multiset[UpwardRef]
}

// Item returns the graph item this node aggregates.
func (n *Node[I, T, C, K, R]) Item() I {
	return n.item
}

// Depth returns the node's level. Depth 0 is the query root.
func (n *Node[I, T, C, K, R]) Depth() uint8 {
	return n.depth
}

// Kind reports whether the node is a leaf (depth 0) or merge node.
func (n *Node[I, T, C, K, R]) Kind() NodeKind {
	if n.depth == 0 {
		return NodeLeaf
	}
	return NodeMerge
}

// Ref returns an identity reference to this node.
func (n *Node[I, T, C, K, R]) Ref() UpwardRef {
	return UpwardRef{h: n.handle}
}

// AddChildren links the depth+1 node of every child to n.
//
// Description:
//
//	Batched form of AddChild, used when an item gains several graph
//	children at once. Duplicate children count as duplicate edges.
//
// Thread Safety: Safe for concurrent use.
func (n *Node[I, T, C, K, R]) AddChildren(children []I) {
	for _, child := range children {
		n.AddChild(child)
	}
}

// AddChild links the depth+1 node of child to n.
//
// Description:
//
//	Obtains (creating if needed) the canonical node for (child, depth+1)
//	and registers n as one of its uppers. The first link seeds n with the
//	child node's entire current aggregate.
//
// Thread Safety: Safe for concurrent use. n's lock is not held.
func (n *Node[I, T, C, K, R]) AddChild(child I) {
	lower := n.tree.Node(child, n.childDepth("AddChild"))
	lower.AddUpper(n)
}

// RemoveChild drops one link from the depth+1 node of child to n.
//
// Description:
//
//	Symmetric to AddChild. When the link count reaches zero, the child's
//	contribution is withdrawn from n. Removing a child that was never added
//	is a no-op.
//
// Thread Safety: Safe for concurrent use. n's lock is not held.
func (n *Node[I, T, C, K, R]) RemoveChild(child I) {
	lower, ok := n.tree.Lookup(child, n.childDepth("RemoveChild"))
	if !ok {
		return
	}
	lower.RemoveUpper(n)
}

// AddUpper registers upper as a parent of n.
//
// Description:
//
//	On the first link to upper, the policy's add change for n's current
//	Info is forwarded to upper so it sees n's whole aggregate, not a
//	delta. Later duplicate links only bump the multiset count.
//
// Inputs:
//   - upper: A node of the same tree at depth n.Depth()-1.
//
// Thread Safety: Safe for concurrent use. Panics with *InvariantError on a
// depth-order or tree mismatch.
func (n *Node[I, T, C, K, R]) AddUpper(upper *Node[I, T, C, K, R]) {
	n.checkUpward("AddUpper", upper)

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.uppers.Add(upper.Ref()) {
		return
	}
	n.tree.acquire("AddUpper", upper.handle)
	n.tree.rec.linkAdded()

	if change, ok := n.tree.policy.InfoToAddChange(&n.info); ok {
		upper.ChildChange(change)
	}
}

// RemoveUpper drops one link from n to upper.
//
// Description:
//
//	On the last link, the policy's remove change for n's current Info is
//	forwarded to upper, then n's reference on upper is released. Removing
//	an upper that is not linked is a no-op.
//
// Thread Safety: Safe for concurrent use. Panics with *InvariantError on a
// depth-order or tree mismatch.
func (n *Node[I, T, C, K, R]) RemoveUpper(upper *Node[I, T, C, K, R]) {
	n.checkUpward("RemoveUpper", upper)

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.uppers.Remove(upper.Ref()) {
		return
	}
	n.tree.rec.linkRemoved()

	if change, ok := n.tree.policy.InfoToRemoveChange(&n.info); ok {
		upper.ChildChange(change)
	}
	// The reference is dropped last so upper stays alive while it absorbs
	// the change. Releasing may lock upper, which is one level down.
	n.tree.release(upper.handle)
}

// ChildChange applies change to n's Info and forwards the policy's result
// to every upper.
//
// Description:
//
//	The change is applied and forwarded under n's lock, so two changes
//	reaching n reach each upper in the same order. A change the policy
//	absorbs stops here.
//
// Thread Safety: Safe for concurrent use.
func (n *Node[I, T, C, K, R]) ChildChange(change C) {
	n.mu.Lock()
	defer n.mu.Unlock()

	forward, ok := n.tree.policy.ApplyChange(&n.info, change)
	if !ok {
		n.tree.rec.absorbed()
		return
	}
	n.propagateLocked(forward)
}

// propagateLocked forwards change to every upper. Caller must hold n.mu.
func (n *Node[I, T, C, K, R]) propagateLocked(change C) {
	for ref := range n.uppers.All() {
		upper := n.tree.resolve("ChildChange", ref)
		n.tree.rec.forwarded()
		upper.ChildChange(change)
	}
}

// RootInfo answers a root query for this node.
//
// Description:
//
//	A depth-0 node converts its own Info. Deeper nodes start a neutral
//	accumulator and fold in the answer of every upper, visiting each
//	distinct upper once, until the policy returns Break.
//
// Algorithm:
//
//	Time: O(number of upward paths to depth 0), pruned by Break.
//	Locks held: at most the chain from n to depth 0.
//
// Thread Safety: Safe for concurrent use. Never mutates Info.
func (n *Node[I, T, C, K, R]) RootInfo(kind K) R {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.tree.rec.rootVisit()
	policy := n.tree.policy
	if n.depth == 0 {
		return policy.InfoToRootInfo(&n.info, kind)
	}

	result := policy.NewRootInfo(kind)
	for ref := range n.uppers.All() {
		upper := n.tree.resolve("RootInfo", ref)
		if policy.MergeRootInfo(&result, upper.RootInfo(kind)) == Break {
			n.tree.rec.rootBreak()
			break
		}
	}
	return result
}

// LockInfo returns a guard granting read/write access to n's Info.
//
// Description:
//
//	The guard holds a reference on n, so n cannot be released while the
//	guard is outstanding, and holds n's lock until Release. Writes made
//	through the guard are NOT propagated upward; use it for depth-0 data
//	that no lower node contributes to, or for consistent reads.
//
// Outputs:
//   - *InfoGuard[T]: Never nil. Must be released exactly once; extra
//     Release calls are no-ops.
//
// Example:
//
//	g := node.LockInfo()
//	defer g.Release()
//	g.Info().Active = true
//
// Thread Safety: Blocks until n's lock is available. Must not be called
// while holding the lock of any node at depth >= n.Depth().
func (n *Node[I, T, C, K, R]) LockInfo() *InfoGuard[T] {
	n.tree.acquire("LockInfo", n.handle)
	n.mu.Lock()
	return &InfoGuard[T]{
		info:   &n.info,
		unlock: n.mu.Unlock,
		drop:   func() { n.tree.release(n.handle) },
	}
}

// WithInfo runs fn with the node's Info locked and releases the guard on
// every exit path, including a panic in fn.
func (n *Node[I, T, C, K, R]) WithInfo(fn func(info *T)) {
	g := n.LockInfo()
	defer g.Release()
	fn(g.Info())
}

// Uppers returns a snapshot of the distinct upper references.
//
// Thread Safety: Safe for concurrent use.
func (n *Node[I, T, C, K, R]) Uppers() []UpwardRef {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.uppers.Items()
}

// UpperLinks returns how many structural links justify the link to upper.
//
// Thread Safety: Safe for concurrent use.
func (n *Node[I, T, C, K, R]) UpperLinks(upper *Node[I, T, C, K, R]) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.uppers.Count(upper.Ref())
}

// childDepth returns the depth children of n live at, enforcing the tree's
// depth limit.
func (n *Node[I, T, C, K, R]) childDepth(op string) uint8 {
	if n.depth >= n.tree.maxDepth {
		panic(violation(op, ErrDepthExceeded, "node depth %d, max depth %d", n.depth, n.tree.maxDepth))
	}
	return n.depth + 1
}

// checkUpward is the single place that admits an upward link. It keeps the
// lock acquisition order strictly decreasing in depth.
func (n *Node[I, T, C, K, R]) checkUpward(op string, upper *Node[I, T, C, K, R]) {
	if upper.tree != n.tree {
		panic(violation(op, ErrForeignNode, "lower %s, upper %s", n.handle, upper.handle))
	}
	if int(upper.depth)+1 != int(n.depth) {
		panic(violation(op, ErrLockOrder, "lower depth %d, upper depth %d", n.depth, upper.depth))
	}
}

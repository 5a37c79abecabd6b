// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aggtree/services/aggregation/policy"
	"github.com/AleutianAI/aggtree/services/aggregation/tree"
)

type countTree = tree.Tree[string, int64, int64, policy.CountKind, policy.CountResult]

func newCountTree(opts ...tree.Option) *countTree {
	return tree.New[string](tree.Context[int64, int64, policy.CountKind, policy.CountResult](policy.Counting{}), opts...)
}

func readInfo[I comparable, T, C, K, R any](n *tree.Node[I, T, C, K, R]) T {
	var out T
	n.WithInfo(func(info *T) { out = *info })
	return out
}

// childCounter counts distinct linked children and records how often the
// add and remove hooks fire.
type childCounter struct {
	adds    atomic.Int32
	removes atomic.Int32
}

func (c *childCounter) ApplyChange(info *int, change int) (int, bool) {
	*info += change
	return change, true
}

func (c *childCounter) InfoToAddChange(*int) (int, bool) {
	c.adds.Add(1)
	return 1, true
}

func (c *childCounter) InfoToRemoveChange(*int) (int, bool) {
	c.removes.Add(1)
	return -1, true
}

func (c *childCounter) InfoToRootInfo(info *int, _ struct{}) int { return *info }
func (c *childCounter) NewRootInfo(struct{}) int                 { return 0 }
func (c *childCounter) MergeRootInfo(acc *int, info int) tree.ControlFlow {
	*acc += info
	return tree.Continue
}

// Test the single-leaf child counting scenario with a duplicate edge
func TestNode_SingleLeafDuplicateEdge(t *testing.T) {
	p := &childCounter{}
	tr := tree.New[string](tree.Context[int, int, struct{}, int](p))
	leaf := tr.Node("L", 0)
	assert.Equal(t, tree.NodeLeaf, leaf.Kind())

	leaf.AddChild("a")
	leaf.AddChild("b")
	leaf.AddChild("a")

	assert.Equal(t, int32(2), p.adds.Load(), "duplicate edge must not fire a second add")
	assert.Equal(t, 2, readInfo(leaf))

	a, ok := tr.Lookup("a", 1)
	require.True(t, ok)
	assert.Equal(t, tree.NodeMerge, a.Kind())
	assert.Equal(t, 2, a.UpperLinks(leaf))

	leaf.RemoveChild("a")
	assert.Equal(t, int32(0), p.removes.Load(), "link count 2→1 fires nothing")
	assert.Equal(t, 2, readInfo(leaf))

	leaf.RemoveChild("a")
	assert.Equal(t, int32(1), p.removes.Load())
	assert.Equal(t, 1, readInfo(leaf))

	// Removing an edge that no longer exists is ignored.
	leaf.RemoveChild("a")
	leaf.RemoveChild("never-added")
	assert.Equal(t, int32(1), p.removes.Load())
	assert.Equal(t, 1, readInfo(leaf))

	require.NoError(t, tr.Validate())
}

// Test that a change applied deep in a chain reaches depth 0
func TestNode_ChainPropagation(t *testing.T) {
	tr := newCountTree()
	root := tr.Node("r", 0)
	root.AddChild("a")
	a := tr.Node("a", 1)
	a.AddChild("b")
	b := tr.Node("b", 2)

	b.ChildChange(5)
	assert.Equal(t, int64(5), readInfo(b))
	assert.Equal(t, int64(5), readInfo(a))
	assert.Equal(t, int64(5), readInfo(root))

	assert.Equal(t, policy.CountResult{Kind: policy.KindTotal, Value: 5}, b.RootInfo(policy.KindTotal))
	assert.Equal(t, []uint8{2}, tr.Depths("b"))
}

// Test that linking seeds the upper with the lower node's whole aggregate
func TestNode_AddUpperSeedsExistingInfo(t *testing.T) {
	tr := newCountTree()
	child := tr.Node("c", 1)
	child.ChildChange(7)

	root := tr.Node("r", 0)
	child.AddUpper(root)
	assert.Equal(t, int64(7), readInfo(root))

	child.RemoveUpper(root)
	assert.Equal(t, int64(0), readInfo(root))
	assert.Empty(t, child.Uppers())
}

// Test that add followed by remove restores every node exactly
func TestNode_AddRemoveSymmetry(t *testing.T) {
	tr := newCountTree()
	r1 := tr.Node("r1", 0)
	r2 := tr.Node("r2", 0)
	r1.ChildChange(10)
	r2.ChildChange(20)

	leaf := tr.Node("x", 1)
	leaf.ChildChange(3)

	before := []int64{readInfo(r1), readInfo(r2), readInfo(leaf)}
	statsBefore := tr.Stats()

	r1.AddChild("x")
	r2.AddChild("x")
	assert.Equal(t, int64(13), readInfo(r1))
	assert.Equal(t, int64(23), readInfo(r2))

	r1.RemoveChild("x")
	r2.RemoveChild("x")

	after := []int64{readInfo(r1), readInfo(r2), readInfo(leaf)}
	assert.Equal(t, before, after)
	assert.Empty(t, leaf.Uppers())

	stats := tr.Stats()
	assert.Equal(t, statsBefore.LinksAdded+2, stats.LinksAdded)
	assert.Equal(t, statsBefore.LinksRemoved+2, stats.LinksRemoved)
	assert.Equal(t, statsBefore.LiveNodes, stats.LiveNodes)
	require.NoError(t, tr.Validate())
}

// Test that root queries stop at the first Break
func TestNode_RootInfoShortCircuit(t *testing.T) {
	tr := newCountTree()
	for _, r := range []string{"r1", "r2", "r3"} {
		root := tr.Node(r, 0)
		root.ChildChange(1)
		root.AddChild("x")
	}
	x := tr.Node("x", 1)
	require.Len(t, x.Uppers(), 3)

	before := tr.Stats()
	got := x.RootInfo(policy.KindAny)
	after := tr.Stats()

	assert.Equal(t, int64(1), got.Value)
	assert.Equal(t, int64(1), after.RootBreaks-before.RootBreaks)
	assert.Equal(t, int64(2), after.RootVisits-before.RootVisits, "x and exactly one root")

	total := x.RootInfo(policy.KindTotal)
	assert.Equal(t, int64(3), total.Value)
	assert.Equal(t, int64(1), tr.Stats().RootBreaks-before.RootBreaks, "KindTotal never breaks")
}

// Test that root queries with no hit visit every branch
func TestNode_RootInfoNoHit(t *testing.T) {
	tr := newCountTree()
	for _, r := range []string{"r1", "r2"} {
		tr.Node(r, 0).AddChild("x")
	}
	x := tr.Node("x", 1)

	got := x.RootInfo(policy.KindAny)
	assert.Equal(t, int64(0), got.Value)
	assert.Equal(t, int64(0), tr.Stats().RootBreaks)

	unlinked := tr.Node("y", 1)
	assert.Equal(t, policy.CountResult{Kind: policy.KindTotal}, unlinked.RootInfo(policy.KindTotal))
}

func recoverInvariant(t *testing.T, fn func()) (ierr *tree.InvariantError) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		var ok bool
		ierr, ok = r.(*tree.InvariantError)
		require.True(t, ok, "panic value %v is not *InvariantError", r)
	}()
	fn()
	return nil
}

// Test that invariant violations panic with matchable errors
func TestNode_InvariantViolations(t *testing.T) {
	t.Run("upper at same depth", func(t *testing.T) {
		tr := newCountTree()
		a := tr.Node("a", 1)
		b := tr.Node("b", 1)
		err := recoverInvariant(t, func() { a.AddUpper(b) })
		assert.True(t, errors.Is(err, tree.ErrLockOrder))
		assert.Equal(t, "AddUpper", err.Op)
	})

	t.Run("upper deeper than lower", func(t *testing.T) {
		tr := newCountTree()
		a := tr.Node("a", 0)
		b := tr.Node("b", 1)
		err := recoverInvariant(t, func() { a.RemoveUpper(b) })
		assert.ErrorIs(t, err, tree.ErrLockOrder)
	})

	t.Run("foreign tree", func(t *testing.T) {
		t1 := newCountTree(tree.WithName("one"))
		t2 := newCountTree(tree.WithName("two"))
		lower := t1.Node("a", 1)
		upper := t2.Node("b", 0)
		err := recoverInvariant(t, func() { lower.AddUpper(upper) })
		assert.ErrorIs(t, err, tree.ErrForeignNode)
	})

	t.Run("child past max depth", func(t *testing.T) {
		tr := newCountTree(tree.WithMaxDepth(1))
		leaf := tr.Node("a", 1)
		err := recoverInvariant(t, func() { leaf.AddChild("b") })
		assert.ErrorIs(t, err, tree.ErrDepthExceeded)
		assert.Contains(t, err.Error(), "max depth 1")
	})

	t.Run("node past max depth", func(t *testing.T) {
		tr := newCountTree(tree.WithMaxDepth(2))
		err := recoverInvariant(t, func() { tr.Node("a", 3) })
		assert.ErrorIs(t, err, tree.ErrDepthExceeded)
	})
}

// Test that a guard keeps its node alive and releases in order
func TestInfoGuard_Lifecycle(t *testing.T) {
	tr := newCountTree()
	n := tr.Node("a", 0)

	g := n.LockInfo()
	*g.Info() = 42

	assert.Equal(t, 1, tr.Release("a"))
	assert.Equal(t, 1, tr.Len(), "guard keeps the node live")

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.ChildChange(1)
	}()

	select {
	case <-done:
		t.Fatal("ChildChange ran while the guard held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()
	<-done
	assert.Nil(t, g.Info())
	g.Release()

	assert.Equal(t, 0, tr.Len(), "last reference was the guard")
	_, ok := tr.Lookup("a", 0)
	assert.False(t, ok)
}

// Test that WithInfo releases the guard when the callback panics
func TestNode_WithInfoReleasesOnPanic(t *testing.T) {
	tr := newCountTree()
	n := tr.Node("a", 0)

	assert.Panics(t, func() {
		n.WithInfo(func(info *int64) {
			*info = 9
			panic("boom")
		})
	})

	assert.Equal(t, int64(9), readInfo(n))
	require.NoError(t, tr.Validate())
}

// Test that releasing a linked item withdraws its contribution
func TestTree_ReleaseWithdrawsLinkedNode(t *testing.T) {
	tr := newCountTree()
	root := tr.Node("r", 0)
	root.AddChild("a")
	a := tr.Node("a", 1)
	a.ChildChange(3)
	require.Equal(t, int64(3), readInfo(root))

	assert.Equal(t, 1, tr.Release("a"))
	assert.Equal(t, int64(0), readInfo(root))
	assert.Equal(t, 1, tr.Len())
	assert.Empty(t, tr.Depths("a"))
	require.NoError(t, tr.Validate())

	stats := tr.Stats()
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, int64(1), stats.Released)
}

// Test that an unpinned upper lives until its last lower link goes away
func TestTree_LinksKeepUpperAlive(t *testing.T) {
	tr := newCountTree()
	root := tr.Node("r", 0)
	root.AddChild("a")
	oldRef := root.Ref()

	assert.Equal(t, 1, tr.Release("r"))
	assert.Equal(t, 0, tr.Release("r"), "already unpinned")
	_, ok := tr.Lookup("r", 0)
	require.True(t, ok, "link from a@1 keeps r@0 live")
	require.NoError(t, tr.Validate())

	root.RemoveChild("a")
	_, ok = tr.Lookup("r", 0)
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())

	fresh := tr.Node("r", 0)
	assert.NotEqual(t, oldRef, fresh.Ref(), "a new incarnation gets a new identity")
	assert.Equal(t, oldRef.Handle().Index(), fresh.Ref().Handle().Index())
}

// Test that ReleaseAt unpins a single level of an item
func TestTree_ReleaseAt(t *testing.T) {
	tr := newCountTree()
	root := tr.Node("r", 0)
	root.AddChild("a")
	a2 := tr.Node("a", 2)
	a2.ChildChange(4)

	assert.True(t, tr.ReleaseAt("a", 2))
	assert.False(t, tr.ReleaseAt("a", 2), "already unpinned")
	assert.False(t, tr.ReleaseAt("missing", 1))
	assert.Equal(t, []uint8{1}, tr.Depths("a"))

	root.RemoveChild("a")
	assert.True(t, tr.ReleaseAt("a", 1))
	assert.Empty(t, tr.Depths("a"))
	assert.Equal(t, int64(0), readInfo(root))
	assert.Equal(t, 1, tr.Len())
	require.NoError(t, tr.Validate())
}

// Test that the factory returns one node per (item, depth)
func TestTree_NodeIdentity(t *testing.T) {
	tr := newCountTree(tree.WithName("identity"))
	a0, created := tr.Ensure("a", 0)
	assert.True(t, created)
	again, created := tr.Ensure("a", 0)
	assert.False(t, created)
	assert.Same(t, a0, again)

	a1 := tr.Node("a", 1)
	assert.NotSame(t, a0, a1)
	assert.NotEqual(t, a0.Ref(), a1.Ref())
	assert.Equal(t, []uint8{0, 1}, tr.Depths("a"))
	assert.Equal(t, "a", a1.Item())
	assert.Equal(t, uint8(1), a1.Depth())

	stats := tr.Stats()
	assert.Equal(t, "identity", stats.Name)
	assert.Equal(t, 2, stats.LiveNodes)
	assert.Equal(t, uint8(1), stats.DeepestLevel)
}

// Test that AddChildren treats duplicates as duplicate edges
func TestNode_AddChildren(t *testing.T) {
	tr := newCountTree()
	root := tr.Node("r", 0)
	tr.Node("a", 1).ChildChange(1)
	tr.Node("b", 1).ChildChange(2)

	root.AddChildren([]string{"a", "b", "a"})
	assert.Equal(t, int64(3), readInfo(root))

	a, _ := tr.Lookup("a", 1)
	assert.Equal(t, 2, a.UpperLinks(root))
	assert.Len(t, root.Uppers(), 0)
}

func TestControlFlowAndKindStrings(t *testing.T) {
	assert.Equal(t, "continue", tree.Continue.String())
	assert.Equal(t, "break", tree.Break.String())
	assert.Equal(t, "leaf", tree.NodeLeaf.String())
	assert.Equal(t, "merge", tree.NodeMerge.String())
}

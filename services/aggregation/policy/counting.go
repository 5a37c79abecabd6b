// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy provides aggregation policies for the tree package.
//
// Counting sums an integer per node and backs tests, benchmarks, and the
// stress command. TaskAggregate is the build-engine policy: it tracks
// unfinished work, dirty tasks, and emitted collectibles below each node,
// and answers whether any root reaching a task is active.
package policy

import "github.com/AleutianAI/aggtree/services/aggregation/tree"

// CountKind selects a root query for the Counting policy.
type CountKind int

const (
	// KindTotal sums the counts of every root reached.
	KindTotal CountKind = iota

	// KindAny reports whether any reached root has a positive count. The
	// query stops at the first such root.
	KindAny
)

// CountResult is the answer to a Counting root query.
type CountResult struct {
	Kind  CountKind
	Value int64
}

// Counting aggregates an int64 per node. A node's Info is its own value
// plus the Info of every distinct lower node linked to it.
type Counting struct{}

var _ tree.Context[int64, int64, CountKind, CountResult] = Counting{}

// ApplyChange adds change to info and forwards it unless it is zero.
func (Counting) ApplyChange(info *int64, change int64) (int64, bool) {
	*info += change
	return change, change != 0
}

// InfoToAddChange forwards the whole count to a new upper.
func (Counting) InfoToAddChange(info *int64) (int64, bool) {
	return *info, *info != 0
}

// InfoToRemoveChange withdraws the whole count from an upper.
func (Counting) InfoToRemoveChange(info *int64) (int64, bool) {
	return -*info, *info != 0
}

// InfoToRootInfo reads a root's count.
func (Counting) InfoToRootInfo(info *int64, kind CountKind) CountResult {
	if kind == KindAny {
		if *info > 0 {
			return CountResult{Kind: kind, Value: 1}
		}
		return CountResult{Kind: kind}
	}
	return CountResult{Kind: kind, Value: *info}
}

// NewRootInfo returns a zero result for kind.
func (Counting) NewRootInfo(kind CountKind) CountResult {
	return CountResult{Kind: kind}
}

// MergeRootInfo folds one branch into acc.
func (Counting) MergeRootInfo(acc *CountResult, info CountResult) tree.ControlFlow {
	if acc.Kind == KindAny {
		if info.Value > 0 {
			acc.Value = 1
			return tree.Break
		}
		return tree.Continue
	}
	acc.Value += info.Value
	return tree.Continue
}

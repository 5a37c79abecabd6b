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

// ControlFlow tells a root query whether to keep merging sibling branches.
type ControlFlow int

const (
	// Continue merges the next upper branch.
	Continue ControlFlow = iota

	// Break stops the query at the current node and returns the partially
	// merged accumulator.
	Break
)

// String returns the string representation of the control flow value.
func (f ControlFlow) String() string {
	switch f {
	case Continue:
		return "continue"
	case Break:
		return "break"
	default:
		return "unknown"
	}
}

// Context is the aggregation policy a Tree is parameterized with.
//
// Description:
//
//	The policy defines what a node's Info means and how changes combine.
//	The tree only moves values between nodes; every interpretation happens
//	here.
//
// Type Parameters:
//   - T: Info, the per-node aggregate. The zero value must be the neutral
//     element ("no information yet").
//   - C: Change, a delta applied to an Info and forwarded upward.
//   - K: RootInfoKind, selects which root query is being answered.
//   - R: RootInfo, the answer of a root query.
//
// Contract:
//   - Every method is called while the owning node's lock is held and must
//     not call back into the tree.
//   - Methods must not panic. A panic unwinds through the node (its lock is
//     released) but leaves Info in whatever state the callback produced.
//   - A change value may be forwarded to several uppers, so ApplyChange must
//     not mutate or retain the change it receives.
type Context[T, C, K, R any] interface {
	// ApplyChange merges change into info and returns the change to forward
	// upward. Returning false absorbs the change: nothing above this node
	// can observe it.
	ApplyChange(info *T, change C) (C, bool)

	// InfoToAddChange returns the change that makes info visible to a newly
	// linked upper. Returning false means info contributes nothing.
	InfoToAddChange(info *T) (C, bool)

	// InfoToRemoveChange returns the inverse of InfoToAddChange, used when
	// the last link to an upper goes away.
	InfoToRemoveChange(info *T) (C, bool)

	// InfoToRootInfo answers a root query directly from a depth-0 node.
	InfoToRootInfo(info *T, kind K) R

	// NewRootInfo returns the neutral accumulator for kind.
	NewRootInfo(kind K) R

	// MergeRootInfo folds one branch's answer into acc. Break skips the
	// remaining sibling branches.
	MergeRootInfo(acc *R, info R) ControlFlow
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree implements a multi-level aggregation tree over a cyclic,
// concurrently mutated graph.
//
// Every graph item may have one node per depth. A node at depth d+1 reports
// into the depth-d nodes of the item's graph parents, so changes flow
// toward depth 0, where root queries resolve. What a node aggregates is
// defined entirely by a Context policy.
//
// # Locking
//
// Each node has its own mutex. Changes are forwarded to uppers while the
// lower node is locked, and the only lock a goroutine takes while holding a
// depth-d lock is a depth d-1 lock. Every upward link passes through one
// check that enforces this, so lock acquisition order is strictly
// decreasing in depth and cannot cycle.
//
// # Lifetime
//
// Nodes are stored in an arena and referenced by generation-tagged
// handles. A node lives while it is pinned by the factory, linked from a
// lower node, or held by an InfoGuard.
//
// # Example
//
//	t := tree.New[string, int64, int64, policy.CountKind, policy.CountResult](policy.Counting{})
//	root := t.Node("app", 0)
//	root.AddChild("lib")
//	t.Node("lib", 1).ChildChange(1)
//	total := root.RootInfo(policy.KindTotal)
package tree

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskgraph owns a task dependency graph and drives an aggregation
// tree over it.
//
// # Model
//
// A task has its own state and directed edges to child tasks. Root tasks
// get a node at depth 0; every node of a task at depth d links the nodes
// of the task's children at depth d+1, down to the configured maximum
// depth. Cycles are therefore unrolled and truncated at that depth.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Mutations are serialized by
// the graph; queries run concurrently with each other.
package taskgraph

import "errors"

// Sentinel errors for task graph operations.
var (
	// ErrTaskNotFound is returned when an operation names an unknown task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when adding a task whose ID exists.
	ErrDuplicateTask = errors.New("duplicate task ID")

	// ErrInvalidTaskID is returned for IDs rejected by validation.ValidateTaskID.
	ErrInvalidTaskID = errors.New("invalid task ID")

	// ErrEdgeNotFound is returned when disconnecting an edge that does not
	// exist.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrSelfEdge is returned when connecting a task to itself.
	ErrSelfEdge = errors.New("task cannot depend on itself")

	// ErrTaskHasEdges is returned when removing a task that still has
	// parents or children.
	ErrTaskHasEdges = errors.New("task still has edges")

	// ErrNotInstantiated is returned when querying a depth at which the
	// task has no aggregation node.
	ErrNotInstantiated = errors.New("task has no aggregation node at depth")

	// ErrAggregateMismatch is reported by Verify when an incremental
	// aggregate differs from recomputation.
	ErrAggregateMismatch = errors.New("aggregate differs from recomputation")

	// ErrUnreachableNode is reported by Verify for a node that no root
	// reaches any more.
	ErrUnreachableNode = errors.New("aggregation node unreachable from any root")
)

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

	"github.com/AleutianAI/aggtree/services/aggregation/arena"
)

// Sentinel errors for invariant violations.
//
// The tree has no expected-failure path. These values only ever surface
// wrapped in an *InvariantError carried by a panic.
var (
	// ErrLockOrder is raised when an upward link would not step from depth
	// d+1 to depth d. Allowing it would break the acquisition order that
	// makes the per-node locks deadlock free.
	ErrLockOrder = errors.New("upward link violates depth order")

	// ErrForeignNode is raised when two nodes from different trees are
	// linked together.
	ErrForeignNode = errors.New("node belongs to a different tree")

	// ErrStaleHandle is raised when an upward reference names a node that
	// has already been released.
	ErrStaleHandle = arena.ErrStaleHandle

	// ErrDepthExceeded is raised when a child node would be created past
	// the tree's maximum depth.
	ErrDepthExceeded = errors.New("maximum aggregation depth exceeded")
)

// InvariantError describes a programmer-error violation of a tree
// invariant. It is delivered through panic, never returned.
type InvariantError struct {
	// Op is the node operation that detected the violation.
	Op string

	// Err is one of the sentinel errors above.
	Err error

	// Detail carries the depths or handles involved.
	Detail string
}

// Error implements error.
func (e *InvariantError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("aggregation tree invariant violated in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("aggregation tree invariant violated in %s: %v (%s)", e.Op, e.Err, e.Detail)
}

// Unwrap returns the sentinel so errors.Is works on recovered panics.
func (e *InvariantError) Unwrap() error {
	return e.Err
}

func violation(op string, err error, format string, args ...any) *InvariantError {
	return &InvariantError{Op: op, Err: err, Detail: fmt.Sprintf(format, args...)}
}

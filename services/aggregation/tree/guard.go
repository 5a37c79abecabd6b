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

// InfoGuard is a scoped handle to one node's Info.
//
// Description:
//
//	While the guard is held the node is locked and cannot be freed. Release
//	unlocks the node first and then drops the guard's reference, so the
//	node always outlives its own lock.
//
// Thread Safety:
//
//	A guard belongs to the goroutine that created it. Info must not be
//	used after Release.
type InfoGuard[T any] struct {
	info     *T
	unlock   func()
	drop     func()
	released bool
}

// Info returns the guarded Info. The pointer is valid until Release.
func (g *InfoGuard[T]) Info() *T {
	if g.released {
		return nil
	}
	return g.info
}

// Release unlocks the node and drops the guard's reference. Calling it
// again is a no-op.
func (g *InfoGuard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.info = nil
	g.unlock()
	g.drop()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/AleutianAI/aggtree/services/aggregation/tree"
)

// TaskState is the own state of one task, as reported by the engine.
type TaskState struct {
	// Unfinished is true while the task has not completed.
	Unfinished bool `json:"unfinished" yaml:"unfinished"`

	// Dirty is true when the task's output is stale.
	Dirty bool `json:"dirty" yaml:"dirty"`

	// Collectibles names the collectible types the task emits.
	Collectibles []string `json:"collectibles,omitempty" yaml:"collectibles,omitempty"`
}

// TaskInfo is the per-node aggregate of the TaskAggregate policy.
//
// Dirty and Collectibles count, per key, how many contributors make that
// key visible: the node's own task plus each distinct lower node in which
// the key is visible. A key is visible when its count is positive.
type TaskInfo struct {
	Unfinished   int64          `json:"unfinished"`
	Dirty        map[string]int `json:"dirty,omitempty"`
	Collectibles map[string]int `json:"collectibles,omitempty"`

	// Active marks a root whose output is being observed. It is set through
	// an InfoGuard on depth-0 nodes and never propagated.
	Active bool `json:"active"`
}

// Clone returns a deep copy of i.
func (i TaskInfo) Clone() TaskInfo {
	i.Dirty = maps.Clone(i.Dirty)
	i.Collectibles = maps.Clone(i.Collectibles)
	return i
}

// DirtyIDs returns the visible dirty task IDs in sorted order.
func (i TaskInfo) DirtyIDs() []string {
	return visibleKeys(i.Dirty)
}

// CollectibleTypes returns the visible collectible types in sorted order.
func (i TaskInfo) CollectibleTypes() []string {
	return visibleKeys(i.Collectibles)
}

// EqualAggregate reports whether a and b carry the same aggregate. Active
// is root-local state and is ignored.
func EqualAggregate(a, b TaskInfo) bool {
	return a.Unfinished == b.Unfinished &&
		maps.Equal(a.Dirty, b.Dirty) &&
		maps.Equal(a.Collectibles, b.Collectibles)
}

// TaskChange is a delta between two TaskInfo values.
type TaskChange struct {
	Unfinished   int64
	Dirty        map[string]int
	Collectibles map[string]int
}

// IsEmpty reports whether the change has no effect.
func (c TaskChange) IsEmpty() bool {
	return c.Unfinished == 0 && len(c.Dirty) == 0 && len(c.Collectibles) == 0
}

// Negate returns the inverse change.
func (c TaskChange) Negate() TaskChange {
	return TaskChange{
		Unfinished:   -c.Unfinished,
		Dirty:        negateCounts(c.Dirty),
		Collectibles: negateCounts(c.Collectibles),
	}
}

// Contribution returns the change that adds the own state of task id to
// its node.
func Contribution(id string, s TaskState) TaskChange {
	var c TaskChange
	if s.Unfinished {
		c.Unfinished = 1
	}
	if s.Dirty {
		c.Dirty = map[string]int{id: 1}
	}
	for _, name := range s.Collectibles {
		if c.Collectibles == nil {
			c.Collectibles = make(map[string]int, len(s.Collectibles))
		}
		// A task emitting the same type twice is still one contributor.
		c.Collectibles[name] = 1
	}
	return c
}

// StateDelta returns the change that turns the contribution of old into
// the contribution of updated. The bool is false when nothing changed.
func StateDelta(id string, old, updated TaskState) (TaskChange, bool) {
	before := Contribution(id, old)
	after := Contribution(id, updated)
	delta := TaskChange{
		Unfinished:   after.Unfinished - before.Unfinished,
		Dirty:        subtractCounts(after.Dirty, before.Dirty),
		Collectibles: subtractCounts(after.Collectibles, before.Collectibles),
	}
	return delta, !delta.IsEmpty()
}

// TaskRootKind selects a TaskAggregate root query.
type TaskRootKind int

const (
	// KindActive reports whether any root reaching the task is active. The
	// query stops at the first active root.
	KindActive TaskRootKind = iota

	// KindRootCount counts the root paths reaching the task.
	KindRootCount

	// KindDirty unions the dirty task IDs visible at every reached root.
	KindDirty
)

// String returns the string representation of the kind.
func (k TaskRootKind) String() string {
	switch k {
	case KindActive:
		return "active"
	case KindRootCount:
		return "root_count"
	case KindDirty:
		return "dirty"
	default:
		return fmt.Sprintf("TaskRootKind(%d)", int(k))
	}
}

// ParseTaskRootKind parses the String form of a TaskRootKind.
func ParseTaskRootKind(s string) (TaskRootKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "":
		return KindActive, nil
	case "root_count", "roots":
		return KindRootCount, nil
	case "dirty":
		return KindDirty, nil
	default:
		return 0, fmt.Errorf("unknown root info kind %q", s)
	}
}

// TaskRootInfo is the answer to a TaskAggregate root query. Only the
// field selected by Kind is meaningful.
type TaskRootInfo struct {
	Kind   TaskRootKind    `json:"-"`
	Active bool            `json:"active"`
	Roots  int64           `json:"roots"`
	Dirty  map[string]bool `json:"dirty,omitempty"`
}

// DirtyIDs returns the dirty IDs in sorted order.
func (r TaskRootInfo) DirtyIDs() []string {
	return slices.Sorted(maps.Keys(r.Dirty))
}

// TaskAggregate is the build-engine aggregation policy.
//
// Description:
//
//	Unfinished counts are forwarded as plain deltas. Dirty and
//	Collectibles forward only visibility transitions: an upper learns
//	when a key appears in or disappears from a lower node, not how many
//	contributors the lower node has for it. Changes that do not move any
//	visibility and carry no unfinished delta are absorbed.
type TaskAggregate struct{}

var _ tree.Context[TaskInfo, TaskChange, TaskRootKind, TaskRootInfo] = TaskAggregate{}

// ApplyChange merges change into info.
func (TaskAggregate) ApplyChange(info *TaskInfo, change TaskChange) (TaskChange, bool) {
	info.Unfinished += change.Unfinished
	out := TaskChange{
		Unfinished:   change.Unfinished,
		Dirty:        applyCounts(&info.Dirty, change.Dirty),
		Collectibles: applyCounts(&info.Collectibles, change.Collectibles),
	}
	if out.IsEmpty() {
		return TaskChange{}, false
	}
	return out, true
}

// InfoToAddChange makes every visible key of info visible to a new upper.
func (TaskAggregate) InfoToAddChange(info *TaskInfo) (TaskChange, bool) {
	c := visibility(info, 1)
	return c, !c.IsEmpty()
}

// InfoToRemoveChange withdraws every visible key of info from an upper.
func (TaskAggregate) InfoToRemoveChange(info *TaskInfo) (TaskChange, bool) {
	c := visibility(info, -1)
	return c, !c.IsEmpty()
}

// InfoToRootInfo answers kind from a root's own Info.
func (TaskAggregate) InfoToRootInfo(info *TaskInfo, kind TaskRootKind) TaskRootInfo {
	r := TaskRootInfo{Kind: kind}
	switch kind {
	case KindActive:
		r.Active = info.Active
	case KindRootCount:
		r.Roots = 1
	case KindDirty:
		for _, id := range visibleKeys(info.Dirty) {
			if r.Dirty == nil {
				r.Dirty = make(map[string]bool)
			}
			r.Dirty[id] = true
		}
	}
	return r
}

// NewRootInfo returns the neutral answer for kind.
func (TaskAggregate) NewRootInfo(kind TaskRootKind) TaskRootInfo {
	return TaskRootInfo{Kind: kind}
}

// MergeRootInfo folds one branch into acc.
func (TaskAggregate) MergeRootInfo(acc *TaskRootInfo, info TaskRootInfo) tree.ControlFlow {
	switch acc.Kind {
	case KindActive:
		if info.Active {
			acc.Active = true
			return tree.Break
		}
	case KindRootCount:
		acc.Roots += info.Roots
	case KindDirty:
		for id := range info.Dirty {
			if acc.Dirty == nil {
				acc.Dirty = make(map[string]bool)
			}
			acc.Dirty[id] = true
		}
	}
	return tree.Continue
}

// applyCounts adds delta to counts and returns the visibility transitions
// it caused: +1 for keys that became visible, -1 for keys that vanished.
func applyCounts(counts *map[string]int, delta map[string]int) map[string]int {
	var out map[string]int
	for k, d := range delta {
		if d == 0 {
			continue
		}
		if *counts == nil {
			*counts = make(map[string]int)
		}
		before := (*counts)[k]
		after := before + d
		if after == 0 {
			delete(*counts, k)
		} else {
			(*counts)[k] = after
		}

		var transition int
		switch {
		case before <= 0 && after > 0:
			transition = 1
		case before > 0 && after <= 0:
			transition = -1
		default:
			continue
		}
		if out == nil {
			out = make(map[string]int)
		}
		out[k] = transition
	}
	return out
}

func visibility(info *TaskInfo, sign int) TaskChange {
	return TaskChange{
		Unfinished:   int64(sign) * info.Unfinished,
		Dirty:        visibleSet(info.Dirty, sign),
		Collectibles: visibleSet(info.Collectibles, sign),
	}
}

func visibleSet(counts map[string]int, sign int) map[string]int {
	var out map[string]int
	for k, n := range counts {
		if n <= 0 {
			continue
		}
		if out == nil {
			out = make(map[string]int)
		}
		out[k] = sign
	}
	return out
}

func visibleKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k, n := range counts {
		if n > 0 {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func negateCounts(counts map[string]int) map[string]int {
	if counts == nil {
		return nil
	}
	out := make(map[string]int, len(counts))
	for k, n := range counts {
		out[k] = -n
	}
	return out
}

func subtractCounts(a, b map[string]int) map[string]int {
	var out map[string]int
	set := func(k string, v int) {
		if v == 0 {
			return
		}
		if out == nil {
			out = make(map[string]int)
		}
		out[k] = v
	}
	for k, n := range a {
		set(k, n-b[k])
	}
	for k, n := range b {
		if _, ok := a[k]; !ok {
			set(k, -n)
		}
	}
	return out
}

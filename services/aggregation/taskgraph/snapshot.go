// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskgraph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/aggtree/services/aggregation/policy"
)

// ErrGraphNotEmpty is returned when restoring into a graph that already
// has tasks.
var ErrGraphNotEmpty = errors.New("graph is not empty")

// TaskRecord is the persisted form of one task.
type TaskRecord struct {
	ID     string           `json:"id"`
	State  policy.TaskState `json:"state"`
	Root   bool             `json:"root,omitempty"`
	Active bool             `json:"active,omitempty"`
}

// EdgeRecord is the persisted form of a parent -> child edge. Count is the
// number of parallel edges.
type EdgeRecord struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
	Count  int    `json:"count"`
}

// Snapshot is the graph structure without derived aggregates. Tasks and
// edges are sorted by ID.
type Snapshot struct {
	Version uint64       `json:"version"`
	Tasks   []TaskRecord `json:"tasks"`
	Edges   []EdgeRecord `json:"edges"`
}

// Version returns a counter that increases on every successful mutation.
//
// Thread Safety: Safe for concurrent use.
func (g *Graph) Version() uint64 {
	return g.version.Load()
}

// Snapshot captures tasks, edges, roots, and root activity.
//
// Thread Safety: Safe for concurrent use; runs alongside other queries.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := Snapshot{
		Version: g.version.Load(),
		Tasks:   make([]TaskRecord, 0, len(g.tasks)),
		Edges:   make([]EdgeRecord, 0, g.edges),
	}
	for id, t := range g.tasks {
		rec := TaskRecord{ID: id, State: t.state, Root: t.root}
		if t.root {
			if n, ok := g.tree.Lookup(id, 0); ok {
				n.WithInfo(func(info *policy.TaskInfo) { rec.Active = info.Active })
			}
		}
		snap.Tasks = append(snap.Tasks, rec)
		for child, count := range t.children {
			snap.Edges = append(snap.Edges, EdgeRecord{Parent: id, Child: child, Count: count})
		}
	}
	slices.SortFunc(snap.Tasks, func(a, b TaskRecord) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Edges, func(a, b EdgeRecord) int {
		return cmp.Or(cmp.Compare(a.Parent, b.Parent), cmp.Compare(a.Child, b.Child))
	})
	return snap
}

// Restore rebuilds an empty graph from snap.
//
// Description:
//
//	Tasks and edges are added before any root is marked, so each root's
//	subgraph is instantiated once with its final shape. On success the
//	version continues from snap.Version; it never moves backwards.
//
// Outputs:
//   - error: ErrGraphNotEmpty, or the first error of the replayed
//     operations. A failed restore leaves a partial graph.
func (g *Graph) Restore(ctx context.Context, snap Snapshot) (err error) {
	ctx, span := startSpan(ctx, "Restore",
		attribute.Int("tasks", len(snap.Tasks)),
		attribute.Int("edges", len(snap.Edges)),
	)
	defer span.End()
	defer observe("restore", time.Now(), &err)
	defer func() { finishSpan(span, err, "graph restored") }()

	g.mu.RLock()
	n := len(g.tasks)
	g.mu.RUnlock()
	if n != 0 {
		return fmt.Errorf("%w: %d tasks", ErrGraphNotEmpty, n)
	}

	for _, t := range snap.Tasks {
		if err := g.AddTask(ctx, t.ID, t.State); err != nil {
			return err
		}
	}
	for _, e := range snap.Edges {
		if e.Count < 1 {
			return fmt.Errorf("%w: %s -> %s has count %d", ErrEdgeNotFound, e.Parent, e.Child, e.Count)
		}
		for range e.Count {
			if err := g.Connect(ctx, e.Parent, e.Child); err != nil {
				return err
			}
		}
	}
	for _, t := range snap.Tasks {
		if !t.Root {
			continue
		}
		if err := g.MarkRoot(ctx, t.ID); err != nil {
			return err
		}
		if t.Active {
			if err := g.SetActive(ctx, t.ID, true); err != nil {
				return err
			}
		}
	}

	g.mu.Lock()
	if snap.Version > g.version.Load() {
		g.version.Store(snap.Version)
	}
	g.mu.Unlock()
	span.SetAttributes(attribute.Int64("version", int64(g.version.Load())))
	return nil
}

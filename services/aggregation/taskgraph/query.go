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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/aggtree/services/aggregation/policy"
	"github.com/AleutianAI/aggtree/services/aggregation/tree"
)

// Aggregate returns a copy of the aggregate held by the task's node at
// depth.
//
// Outputs:
//   - policy.TaskInfo: Deep copy, safe to retain.
//   - error: ErrTaskNotFound or ErrNotInstantiated.
//
// Thread Safety: Safe for concurrent use; runs alongside other queries.
func (g *Graph) Aggregate(ctx context.Context, id string, depth uint8) (info policy.TaskInfo, err error) {
	_, span := startSpan(ctx, "Aggregate",
		attribute.String("task_id", id),
		attribute.Int("depth", int(depth)),
	)
	defer span.End()
	defer observe("aggregate", time.Now(), &err)
	defer func() { finishSpan(span, err, "aggregate read") }()

	g.mu.RLock()
	defer g.mu.RUnlock()

	n, err := g.nodeLocked(id, depth)
	if err != nil {
		return policy.TaskInfo{}, err
	}
	n.WithInfo(func(i *policy.TaskInfo) {
		info = i.Clone()
	})
	return info, nil
}

// RootInfo answers a root query from the task's node at depth.
//
// Outputs:
//   - policy.TaskRootInfo: The merged answer over every root path.
//   - error: ErrTaskNotFound or ErrNotInstantiated.
//
// Thread Safety: Safe for concurrent use; runs alongside other queries.
func (g *Graph) RootInfo(ctx context.Context, id string, depth uint8, kind policy.TaskRootKind) (info policy.TaskRootInfo, err error) {
	_, span := startSpan(ctx, "RootInfo",
		attribute.String("task_id", id),
		attribute.Int("depth", int(depth)),
		attribute.String("kind", kind.String()),
	)
	defer span.End()
	defer observe("root_info", time.Now(), &err)
	defer func() { finishSpan(span, err, "root info read") }()

	g.mu.RLock()
	defer g.mu.RUnlock()

	n, err := g.nodeLocked(id, depth)
	if err != nil {
		return policy.TaskRootInfo{}, err
	}
	return n.RootInfo(kind), nil
}

// Depths returns the levels at which the task has aggregation nodes.
//
// Outputs:
//   - error: ErrTaskNotFound.
func (g *Graph) Depths(id string) ([]uint8, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, err := g.lookupLocked(id); err != nil {
		return nil, err
	}
	return g.tree.Depths(id), nil
}

// Recompute returns the aggregate of (id, depth) computed from scratch
// from the graph, without reading the tree.
//
// Description:
//
//	The node at depth holds the task's own contribution plus the visible
//	aggregate of each distinct child at depth+1, down to MaxDepth.
//	Parallel edges count once, as they do in the tree.
//
// Outputs:
//   - error: ErrTaskNotFound.
func (g *Graph) Recompute(id string, depth uint8) (policy.TaskInfo, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, err := g.lookupLocked(id); err != nil {
		return policy.TaskInfo{}, err
	}
	return g.recomputeLocked(id, depth, make(map[nodeKey]policy.TaskInfo)), nil
}

type nodeKey struct {
	id    string
	depth uint8
}

func (g *Graph) recomputeLocked(id string, depth uint8, memo map[nodeKey]policy.TaskInfo) policy.TaskInfo {
	k := nodeKey{id: id, depth: depth}
	if info, ok := memo[k]; ok {
		return info
	}

	t := g.tasks[id]
	var info policy.TaskInfo
	g.policy.ApplyChange(&info, policy.Contribution(id, t.state))
	if depth < g.maxDepth {
		for child := range t.children {
			childInfo := g.recomputeLocked(child, depth+1, memo)
			if change, ok := g.policy.InfoToAddChange(&childInfo); ok {
				g.policy.ApplyChange(&info, change)
			}
		}
	}
	memo[k] = info
	return info
}

// Verify checks the tree against the graph.
//
// Description:
//
//	Runs the tree's structural validation, then checks that every node of
//	every task links each child edge exactly as often as the edge exists
//	and that its aggregate equals Recompute.
//
// Outputs:
//   - error: All violations joined, or nil. Aggregate differences wrap
//     ErrAggregateMismatch.
//
// Thread Safety: Takes the exclusive lock so no guard is outstanding.
func (g *Graph) Verify(ctx context.Context) (err error) {
	_, span := startSpan(ctx, "Verify")
	defer span.End()
	defer observe("verify", time.Now(), &err)
	defer func() { finishSpan(span, err, "graph verified") }()

	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	if err := g.tree.Validate(); err != nil {
		errs = append(errs, err)
	}

	memo := make(map[nodeKey]policy.TaskInfo)
	checked := 0
	for id, t := range g.tasks {
		for _, d := range g.tree.Depths(id) {
			n, ok := g.tree.Lookup(id, d)
			if !ok {
				continue
			}
			checked++

			if d < g.maxDepth {
				errs = append(errs, g.verifyLinksLocked(n, t)...)
			}
			if reachable := (d == 0 && t.root) || (d > 0 && len(n.Uppers()) > 0); !reachable {
				errs = append(errs, fmt.Errorf("%w: %s@%d", ErrUnreachableNode, id, d))
			}

			var got policy.TaskInfo
			n.WithInfo(func(i *policy.TaskInfo) { got = i.Clone() })
			want := g.recomputeLocked(id, d, memo)
			if !policy.EqualAggregate(got, want) {
				errs = append(errs, fmt.Errorf("%w: %s@%d has %+v, recomputed %+v",
					ErrAggregateMismatch, id, d, got, want))
			}
		}
	}
	span.SetAttributes(attribute.Int("nodes_checked", checked))

	if len(errs) > 0 {
		g.logger.Error("graph verification failed",
			slog.Int("violations", len(errs)),
			slog.Int("nodes_checked", checked),
		)
	}
	return errors.Join(errs...)
}

func (g *Graph) verifyLinksLocked(n *TaskNode, t *task) []error {
	var errs []error
	for child, count := range t.children {
		lower, ok := g.tree.Lookup(child, n.Depth()+1)
		if !ok {
			errs = append(errs, fmt.Errorf("%s@%d: child %s not instantiated", t.id, n.Depth(), child))
			continue
		}
		if links := lower.UpperLinks(n); links != count {
			errs = append(errs, fmt.Errorf("%s@%d: child %s linked %d times, edge count %d",
				t.id, n.Depth(), child, links, count))
		}
	}
	return errs
}

// Stats is a point-in-time summary of a graph.
type Stats struct {
	Tasks    int        `json:"tasks"`
	Edges    int        `json:"edges"`
	Roots    int        `json:"roots"`
	MaxDepth uint8      `json:"max_depth"`
	Tree     tree.Stats `json:"tree"`
}

// Stats returns graph and tree counters.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	roots := 0
	for _, t := range g.tasks {
		if t.root {
			roots++
		}
	}
	return Stats{
		Tasks:    len(g.tasks),
		Edges:    g.edges,
		Roots:    roots,
		MaxDepth: g.maxDepth,
		Tree:     g.tree.Stats(),
	}
}

func (g *Graph) nodeLocked(id string, depth uint8) (*TaskNode, error) {
	if _, err := g.lookupLocked(id); err != nil {
		return nil, err
	}
	n, ok := g.tree.Lookup(id, depth)
	if !ok {
		return nil, fmt.Errorf("%w: %s@%d", ErrNotInstantiated, id, depth)
	}
	return n, nil
}

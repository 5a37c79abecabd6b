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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/aggtree/pkg/validation"
	"github.com/AleutianAI/aggtree/services/aggregation/policy"
	"github.com/AleutianAI/aggtree/services/aggregation/tree"
)

// DefaultMaxDepth bounds how far a root's subgraph is instantiated.
const DefaultMaxDepth uint8 = 32

// TaskTree is the aggregation tree type the graph drives.
type TaskTree = tree.Tree[string, policy.TaskInfo, policy.TaskChange, policy.TaskRootKind, policy.TaskRootInfo]

// TaskNode is one aggregation node of a task.
type TaskNode = tree.Node[string, policy.TaskInfo, policy.TaskChange, policy.TaskRootKind, policy.TaskRootInfo]

// Config configures a Graph.
type Config struct {
	// Name labels the graph's tree in logs and metrics.
	Name string

	// MaxDepth is the deepest level instantiated. Zero means DefaultMaxDepth.
	MaxDepth uint8

	// Logger receives graph and tree logs. Nil means slog.Default().
	Logger *slog.Logger
}

type task struct {
	id       string
	state    policy.TaskState
	root     bool
	children map[string]int
	parents  map[string]int
}

func (t *task) hasEdges() bool {
	return len(t.children) > 0 || len(t.parents) > 0
}

// Graph is a task dependency graph with incrementally maintained
// aggregates.
//
// Description:
//
//	The graph owns task state and edges and keeps the aggregation tree in
//	step with them: every node of a task carries the task's own
//	contribution and links the nodes of all its children one level deeper.
//	Parallel edges are allowed and counted.
//
// Thread Safety:
//
//	Mutations hold an exclusive lock, queries a shared one. Tree
//	propagation itself uses per-node locks.
type Graph struct {
	name     string
	maxDepth uint8
	logger   *slog.Logger
	policy   policy.TaskAggregate
	tree     *TaskTree

	mu    sync.RWMutex
	tasks map[string]*task
	edges int

	// version counts successful mutations.
	version atomic.Uint64
}

// New creates an empty graph.
//
// Inputs:
//   - cfg: Graph configuration. The zero value is valid.
//
// Outputs:
//   - *Graph: Ready to use. Never nil.
func New(cfg Config) *Graph {
	if cfg.Name == "" {
		cfg.Name = "taskgraph"
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := policy.TaskAggregate{}
	return &Graph{
		name:     cfg.Name,
		maxDepth: cfg.MaxDepth,
		logger:   cfg.Logger.With(slog.String("graph", cfg.Name)),
		policy:   p,
		tree: tree.New[string](
			tree.Context[policy.TaskInfo, policy.TaskChange, policy.TaskRootKind, policy.TaskRootInfo](p),
			tree.WithName(cfg.Name),
			tree.WithMaxDepth(cfg.MaxDepth),
			tree.WithLogger(cfg.Logger),
		),
		tasks: make(map[string]*task),
	}
}

// MaxDepth returns the deepest instantiated level.
func (g *Graph) MaxDepth() uint8 {
	return g.maxDepth
}

// AddTask registers a task with its initial state.
//
// Inputs:
//   - ctx: Context for tracing.
//   - id: Unique task ID. See validation.ValidateTaskID.
//   - state: Initial own state.
//
// Outputs:
//   - error: ErrInvalidTaskID or ErrDuplicateTask.
func (g *Graph) AddTask(ctx context.Context, id string, state policy.TaskState) (err error) {
	_, span := startSpan(ctx, "AddTask", attribute.String("task_id", id))
	defer span.End()
	defer observe("add_task", time.Now(), &err)
	defer func() { finishSpan(span, err, "task added") }()

	if err := validation.ValidateTaskID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTaskID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.changed(&err)

	if _, ok := g.tasks[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	g.tasks[id] = &task{
		id:       id,
		state:    state,
		children: make(map[string]int),
		parents:  make(map[string]int),
	}

	g.logger.Debug("task added", slog.String("task_id", id))
	return nil
}

// SetState replaces a task's own state and propagates the difference
// through every node of the task.
//
// Outputs:
//   - error: ErrTaskNotFound.
func (g *Graph) SetState(ctx context.Context, id string, state policy.TaskState) (err error) {
	_, span := startSpan(ctx, "SetState", attribute.String("task_id", id))
	defer span.End()
	defer observe("set_state", time.Now(), &err)
	defer func() { finishSpan(span, err, "state updated") }()

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.changed(&err)

	t, err := g.lookupLocked(id)
	if err != nil {
		return err
	}

	delta, changed := policy.StateDelta(id, t.state, state)
	t.state = state
	if !changed {
		span.AddEvent("state_unchanged")
		return nil
	}

	depths := g.tree.Depths(id)
	for _, d := range depths {
		if n, ok := g.tree.Lookup(id, d); ok {
			n.ChildChange(delta)
		}
	}
	span.SetAttributes(attribute.Int("nodes_updated", len(depths)))
	return nil
}

// RemoveTask deletes a task that has no edges left and releases its
// aggregation nodes.
//
// Outputs:
//   - error: ErrTaskNotFound or ErrTaskHasEdges.
func (g *Graph) RemoveTask(ctx context.Context, id string) (err error) {
	_, span := startSpan(ctx, "RemoveTask", attribute.String("task_id", id))
	defer span.End()
	defer observe("remove_task", time.Now(), &err)
	defer func() { finishSpan(span, err, "task removed") }()

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.changed(&err)

	t, err := g.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.hasEdges() {
		return fmt.Errorf("%w: %s has %d children and %d parents",
			ErrTaskHasEdges, id, len(t.children), len(t.parents))
	}

	delete(g.tasks, id)
	released := g.tree.Release(id)

	g.logger.Debug("task removed",
		slog.String("task_id", id),
		slog.Int("nodes_released", released),
	)
	return nil
}

// Connect adds one parent → child edge.
//
// Description:
//
//	Every node of the parent links the child's node one level deeper,
//	instantiating and seeding it first if needed. A parent node at the
//	maximum depth does not link its children. Repeating an edge adds a
//	parallel edge.
//
// Outputs:
//   - error: ErrTaskNotFound or ErrSelfEdge.
func (g *Graph) Connect(ctx context.Context, parent, child string) (err error) {
	_, span := startSpan(ctx, "Connect",
		attribute.String("parent", parent),
		attribute.String("child", child),
	)
	defer span.End()
	defer observe("connect", time.Now(), &err)
	defer func() { finishSpan(span, err, "edge added") }()

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.changed(&err)

	p, c, err := g.edgeEndsLocked(parent, child)
	if err != nil {
		return err
	}
	p.children[child]++
	c.parents[parent]++
	g.edges++

	for _, d := range g.tree.Depths(parent) {
		if d >= g.maxDepth {
			continue
		}
		g.ensureLocked(child, d+1)
		g.tree.Node(parent, d).AddChild(child)
	}
	return nil
}

// BatchConnect adds parent → child edges for every child in one call.
//
// Description:
//
//	All children are validated before any edge is added, so on error the
//	graph is unchanged. Duplicates in children add parallel edges.
//
// Outputs:
//   - error: ErrTaskNotFound or ErrSelfEdge.
func (g *Graph) BatchConnect(ctx context.Context, parent string, children []string) (err error) {
	_, span := startSpan(ctx, "BatchConnect",
		attribute.String("parent", parent),
		attribute.Int("children", len(children)),
	)
	defer span.End()
	defer observe("batch_connect", time.Now(), &err)
	defer func() { finishSpan(span, err, "edges added") }()

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.changed(&err)

	for _, child := range children {
		if _, _, err := g.edgeEndsLocked(parent, child); err != nil {
			return err
		}
	}

	p := g.tasks[parent]
	for _, child := range children {
		p.children[child]++
		g.tasks[child].parents[parent]++
		g.edges++
	}

	for _, d := range g.tree.Depths(parent) {
		if d >= g.maxDepth {
			continue
		}
		for _, child := range children {
			g.ensureLocked(child, d+1)
		}
		g.tree.Node(parent, d).AddChildren(children)
	}
	return nil
}

// Disconnect removes one parent → child edge.
//
// Description:
//
//	Child nodes left without any upper are released together with every
//	descendant node that only they kept reachable.
//
// Outputs:
//   - error: ErrTaskNotFound or ErrEdgeNotFound.
func (g *Graph) Disconnect(ctx context.Context, parent, child string) (err error) {
	_, span := startSpan(ctx, "Disconnect",
		attribute.String("parent", parent),
		attribute.String("child", child),
	)
	defer span.End()
	defer observe("disconnect", time.Now(), &err)
	defer func() { finishSpan(span, err, "edge removed") }()

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.changed(&err)

	p, err := g.lookupLocked(parent)
	if err != nil {
		return err
	}
	c, err := g.lookupLocked(child)
	if err != nil {
		return err
	}
	if p.children[child] == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrEdgeNotFound, parent, child)
	}

	decrement(p.children, child)
	decrement(c.parents, parent)
	g.edges--

	for _, d := range g.tree.Depths(parent) {
		if d >= g.maxDepth {
			continue
		}
		if n, ok := g.tree.Lookup(parent, d); ok {
			n.RemoveChild(child)
		}
		if released := g.pruneLocked(child, d+1); released > 0 {
			span.SetAttributes(attribute.Int("nodes_released", released))
			g.logger.Debug("unreachable nodes released",
				slog.String("task_id", child),
				slog.Int("depth", int(d+1)),
				slog.Int("nodes_released", released),
			)
		}
	}
	return nil
}

// MarkRoot instantiates the task at depth 0 together with its subgraph.
// Marking a root twice is a no-op.
//
// Outputs:
//   - error: ErrTaskNotFound.
func (g *Graph) MarkRoot(ctx context.Context, id string) (err error) {
	_, span := startSpan(ctx, "MarkRoot", attribute.String("task_id", id))
	defer span.End()
	defer observe("mark_root", time.Now(), &err)
	defer func() { finishSpan(span, err, "root marked") }()

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.changed(&err)

	t, err := g.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.root {
		return nil
	}
	t.root = true
	g.ensureLocked(id, 0)

	g.logger.Info("root marked",
		slog.String("task_id", id),
		slog.Int("live_nodes", g.tree.Len()),
	)
	return nil
}

// SetActive sets the Active flag on a root's depth-0 node.
//
// Outputs:
//   - error: ErrTaskNotFound, or ErrNotInstantiated if id is not a root.
func (g *Graph) SetActive(ctx context.Context, id string, active bool) (err error) {
	_, span := startSpan(ctx, "SetActive",
		attribute.String("task_id", id),
		attribute.Bool("active", active),
	)
	defer span.End()
	defer observe("set_active", time.Now(), &err)
	defer func() { finishSpan(span, err, "active updated") }()

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.changed(&err)

	if _, err := g.lookupLocked(id); err != nil {
		return err
	}
	n, ok := g.tree.Lookup(id, 0)
	if !ok {
		return fmt.Errorf("%w: %s@0 (not a root)", ErrNotInstantiated, id)
	}

	guard := n.LockInfo()
	defer guard.Release()
	guard.Info().Active = active
	return nil
}

// ensureLocked returns the node for (id, depth), seeding a fresh node
// with the task's own contribution and linking all of its children before
// any upper can observe it. Caller must hold g.mu.
func (g *Graph) ensureLocked(id string, depth uint8) *TaskNode {
	n, created := g.tree.Ensure(id, depth)
	if !created {
		return n
	}

	t := g.tasks[id]
	if c := policy.Contribution(id, t.state); !c.IsEmpty() {
		n.ChildChange(c)
	}
	if depth >= g.maxDepth {
		return n
	}
	for child, count := range t.children {
		g.ensureLocked(child, depth+1)
		for range count {
			n.AddChild(child)
		}
	}
	return n
}

// pruneLocked releases the node for (id, depth) once nothing links it,
// unlinking its children first and pruning them in turn. Depth-0 nodes
// belong to roots and are kept. Caller must hold g.mu.
//
// Outputs:
//   - int: Number of nodes released.
func (g *Graph) pruneLocked(id string, depth uint8) int {
	if depth == 0 {
		return 0
	}
	n, ok := g.tree.Lookup(id, depth)
	if !ok || len(n.Uppers()) > 0 {
		return 0
	}

	t := g.tasks[id]
	linked := depth < g.maxDepth
	if linked {
		for child, count := range t.children {
			for range count {
				n.RemoveChild(child)
			}
		}
	}
	released := 0
	if g.tree.ReleaseAt(id, depth) {
		released++
	}
	if linked {
		for child := range t.children {
			released += g.pruneLocked(child, depth+1)
		}
	}
	return released
}

func (g *Graph) lookupLocked(id string) (*task, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

func (g *Graph) edgeEndsLocked(parent, child string) (*task, *task, error) {
	if parent == child {
		return nil, nil, fmt.Errorf("%w: %s", ErrSelfEdge, parent)
	}
	p, err := g.lookupLocked(parent)
	if err != nil {
		return nil, nil, err
	}
	c, err := g.lookupLocked(child)
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}

func (g *Graph) changed(err *error) {
	if *err == nil {
		g.version.Add(1)
	}
}

func decrement(m map[string]int, k string) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "taskgraph.Graph."+op, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, err error, msg string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, msg)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/aggtree/services/aggregation/policy"
	"github.com/AleutianAI/aggtree/services/aggregation/taskgraph"
	"github.com/AleutianAI/aggtree/services/aggregation/tree"
)

// StressOptions sizes a stress run.
type StressOptions struct {
	Workers  int
	Ops      int // per worker, per phase
	Items    int
	Roots    int
	Seed     uint64
	MaxDepth uint8
}

// StressReport summarizes a stress run.
type StressReport struct {
	RunID    string          `json:"run_id"`
	Elapsed  time.Duration   `json:"elapsed"`
	Counting tree.Stats      `json:"counting"`
	Graph    taskgraph.Stats `json:"graph"`
}

// ErrStressMismatch is returned when a concurrent run ends with an
// aggregate that differs from the expected value.
var ErrStressMismatch = errors.New("stress aggregate mismatch")

type countingTree = tree.Tree[string, int64, int64, policy.CountKind, policy.CountResult]

// RunStress drives a Counting tree and a task graph from opts.Workers
// goroutines and checks both against sequentially computed answers.
func RunStress(ctx context.Context, opts StressOptions) (StressReport, error) {
	if opts.Workers < 1 || opts.Ops < 1 || opts.Items < 2 || opts.Roots < 1 || opts.Roots > opts.Items {
		return StressReport{}, fmt.Errorf("invalid stress options %+v", opts)
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = taskgraph.DefaultMaxDepth
	}
	report := StressReport{RunID: uuid.NewString()}
	logger := slog.Default().With(slog.String("run_id", report.RunID))
	start := time.Now()

	counting, err := stressCounting(ctx, opts, report.RunID)
	if err != nil {
		return report, err
	}
	report.Counting = counting
	logger.Info("counting phase passed",
		slog.Int64("links", counting.LinksAdded),
		slog.Int64("forwarded", counting.Forwarded),
	)

	graph, err := stressGraph(ctx, opts, report.RunID)
	if err != nil {
		return report, err
	}
	report.Graph = graph
	report.Elapsed = time.Since(start)
	logger.Info("graph phase passed",
		slog.Int("tasks", graph.Tasks),
		slog.Int("edges", graph.Edges),
		slog.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// stressCounting links worker-owned items under shared roots and moves
// their counts. Each worker owns its items, so the expected root totals
// follow from the workers' final link and value tables.
func stressCounting(ctx context.Context, opts StressOptions, runID string) (tree.Stats, error) {
	t := tree.New[string](
		tree.Context[int64, int64, policy.CountKind, policy.CountResult](policy.Counting{}),
		tree.WithName("stress-counting-"+runID[:8]),
		tree.WithMaxDepth(opts.MaxDepth),
	)
	roots := make([]*tree.Node[string, int64, int64, policy.CountKind, policy.CountResult], opts.Roots)
	for i := range roots {
		roots[i] = t.Node(fmt.Sprintf("root-%d", i), 0)
	}

	type workerState struct {
		values map[string]int64
		links  map[[2]int]int // (root, item index) -> link count
	}
	states := make([]workerState, opts.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := range opts.Workers {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(w)))
			st := workerState{values: make(map[string]int64), links: make(map[[2]int]int)}
			perWorker := max(1, opts.Items/opts.Workers)
			item := func(k int) string { return fmt.Sprintf("w%d-item-%d", w, k) }

			for op := range opts.Ops {
				if op%256 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				k := rng.IntN(perWorker)
				r := rng.IntN(opts.Roots)
				switch rng.IntN(3) {
				case 0:
					roots[r].AddChild(item(k))
					st.links[[2]int{r, k}]++
				case 1:
					if st.links[[2]int{r, k}] == 0 {
						continue
					}
					roots[r].RemoveChild(item(k))
					st.links[[2]int{r, k}]--
				default:
					delta := rng.Int64N(11) - 5
					t.Node(item(k), 1).ChildChange(delta)
					st.values[item(k)] += delta
				}
			}
			states[w] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tree.Stats{}, err
	}

	want := make([]int64, opts.Roots)
	for w, st := range states {
		for key, n := range st.links {
			if n > 0 {
				want[key[0]] += st.values[fmt.Sprintf("w%d-item-%d", w, key[1])]
			}
		}
	}
	var errs []error
	for i, root := range roots {
		if got := root.RootInfo(policy.KindTotal).Value; got != want[i] {
			errs = append(errs, fmt.Errorf("%w: root-%d want %d, got %d", ErrStressMismatch, i, want[i], got))
		}
	}
	errs = append(errs, t.Validate())
	if err := errors.Join(errs...); err != nil {
		return tree.Stats{}, err
	}
	return t.Stats(), nil
}

// stressGraph applies random edge and state mutations to a shared task
// graph, then verifies every aggregate against recomputation.
//
// Task j may only depend on tasks (j-1)/2 and (j-1)/2-1, so in-degree is at
// most two and depth is logarithmic. Per-path counts stay small even with
// every candidate edge present.
func stressGraph(ctx context.Context, opts StressOptions, runID string) (taskgraph.Stats, error) {
	gr := taskgraph.New(taskgraph.Config{Name: "stress-graph-" + runID[:8], MaxDepth: opts.MaxDepth})
	ids := make([]string, opts.Items)
	for i := range ids {
		ids[i] = fmt.Sprintf("task-%d", i)
		if err := gr.AddTask(ctx, ids[i], policy.TaskState{}); err != nil {
			return taskgraph.Stats{}, err
		}
	}
	for i := range opts.Roots {
		if err := gr.MarkRoot(ctx, ids[i]); err != nil {
			return taskgraph.Stats{}, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := range opts.Workers {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(opts.Seed^0x9e3779b97f4a7c15, uint64(w)))
			for range opts.Ops {
				j := 1 + rng.IntN(len(ids)-1)
				p := (j - 1) / 2
				if rng.IntN(2) == 0 && p > 0 {
					p--
				}
				var err error
				switch rng.IntN(4) {
				case 0, 1:
					err = gr.Connect(gctx, ids[p], ids[j])
				case 2:
					err = gr.Disconnect(gctx, ids[p], ids[j])
				default:
					err = gr.SetState(gctx, ids[rng.IntN(len(ids))], policy.TaskState{
						Unfinished: rng.IntN(2) == 0,
						Dirty:      rng.IntN(3) == 0,
					})
				}
				if err != nil && !errors.Is(err, taskgraph.ErrEdgeNotFound) {
					return err
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return taskgraph.Stats{}, err
	}
	if err := gr.Verify(ctx); err != nil {
		return taskgraph.Stats{}, fmt.Errorf("%w: %w", ErrStressMismatch, err)
	}
	return gr.Stats(), nil
}

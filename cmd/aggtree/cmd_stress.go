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
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/aggtree/cmd/aggtree/config"
	"github.com/AleutianAI/aggtree/pkg/ux"
)

var (
	stressCmd = &cobra.Command{
		Use:   "stress",
		Short: "Mutate aggregation trees concurrently and check the results",
		Long: `Runs two phases. The first links worker-owned items under shared roots of
a counting tree and compares root totals with the expected sums. The
second mutates a task graph from every worker and verifies each node
against recomputation. Flags override the stress section of the config.`,
		Args: cobra.NoArgs,
		RunE: runStressCommand,
	}

	stressWorkers int
	stressOps     int
	stressItems   int
	stressRoots   int
	stressSeed    uint64
	stressJSON    bool
)

func init() {
	rootCmd.AddCommand(stressCmd)
	stressCmd.Flags().IntVar(&stressWorkers, "workers", 0, "Concurrent workers")
	stressCmd.Flags().IntVar(&stressOps, "ops", 0, "Operations per worker per phase")
	stressCmd.Flags().IntVar(&stressItems, "items", 0, "Graph size")
	stressCmd.Flags().IntVar(&stressRoots, "roots", 0, "Number of roots")
	stressCmd.Flags().Uint64Var(&stressSeed, "seed", 0, "Random seed")
	stressCmd.Flags().BoolVar(&stressJSON, "json", false, "Print the report as JSON")
}

func runStressCommand(cmd *cobra.Command, _ []string) error {
	sc := config.Global.Stress
	flags := cmd.Flags()
	if flags.Changed("workers") {
		sc.Workers = stressWorkers
	}
	if flags.Changed("ops") {
		sc.Ops = stressOps
	}
	if flags.Changed("items") {
		sc.Items = stressItems
	}
	if flags.Changed("roots") {
		sc.Roots = stressRoots
	}
	if flags.Changed("seed") {
		sc.Seed = stressSeed
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := RunStress(ctx, StressOptions{
		Workers:  sc.Workers,
		Ops:      sc.Ops,
		Items:    sc.Items,
		Roots:    sc.Roots,
		Seed:     sc.Seed,
		MaxDepth: uint8(config.Global.Tree.MaxDepth),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if stressJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	p := ux.NewPrinter(out)
	p.Title("run %s passed in %s", report.RunID, report.Elapsed)
	p.KeyValue("counting", fmt.Sprintf("nodes=%d links=%d forwarded=%d absorbed=%d",
		report.Counting.LiveNodes, report.Counting.LinksAdded, report.Counting.Forwarded, report.Counting.Absorbed))
	p.KeyValue("graph", fmt.Sprintf("tasks=%d edges=%d nodes=%d deepest=%d",
		report.Graph.Tasks, report.Graph.Edges, report.Graph.Tree.LiveNodes, report.Graph.Tree.DeepestLevel))
	return nil
}

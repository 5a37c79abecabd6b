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
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/aggtree/pkg/ux"
)

var (
	simulateCmd = &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run a scenario file against a fresh task graph",
		Long: `Executes each scenario step in order and prints its result. query and
root_info steps may carry expectations; the run fails on the first
mismatch. With --watch the scenario reruns on a fresh graph whenever
the file changes.`,
		Args: cobra.ExactArgs(1),
		RunE: runSimulate,
	}

	simulateWatch bool
)

const watchDebounce = 200 * time.Millisecond

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().BoolVar(&simulateWatch, "watch", false, "Rerun when the scenario file changes")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !simulateWatch {
		return simulateOnce(cmd.Context(), path, out)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := ux.NewPrinter(out)
	rerun := func() {
		if err := simulateOnce(ctx, path, out); err != nil {
			p.Warning("scenario failed: %v", err)
		}
		p.Info("watching %s (Ctrl+C to stop)", path)
	}
	rerun()
	return watchFile(ctx, path, watchDebounce, rerun)
}

func simulateOnce(ctx context.Context, path string, out io.Writer) error {
	sc, err := LoadScenario(path)
	if err != nil {
		return err
	}
	g := sc.NewGraph()
	ux.NewPrinter(out).Title("scenario %q (%d steps, max depth %d)", sc.Name, len(sc.Steps), g.MaxDepth())

	start := time.Now()
	err = sc.Run(ctx, g, out)
	slog.Debug("scenario finished",
		slog.String("scenario", sc.Name),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil),
	)
	return err
}

// watchFile calls onChange after path is written, created, or renamed
// over, once no further events arrive for debounce. It watches the parent
// directory so editors that replace the file are seen. It returns when ctx
// is done.
func watchFile(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			onChange()
		}
	}
}

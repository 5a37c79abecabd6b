// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command aggtree serves, simulates, and stress-tests hierarchical
// aggregation trees over task graphs.
//
// Usage:
//
//	aggtree serve --port 12230
//	aggtree simulate scenarios/diamond.yaml --watch
//	aggtree stress --workers 16 --ops 5000
//	aggtree version
//
// Configuration is read from --config or ~/.aggtree/aggtree.yaml, which is
// created with defaults on first run.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/aggtree/cmd/aggtree/config"
	"github.com/AleutianAI/aggtree/pkg/logging"
)

var (
	rootCmd = &cobra.Command{
		Use:   "aggtree",
		Short: "Hierarchical aggregation trees for task graphs",
		Long: `aggtree maintains incremental aggregates (unfinished work, dirty tasks,
collectibles, active roots) over a cyclic task graph and exposes them
through an HTTP API, a scenario simulator, and a concurrency stress test.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: teardown,
	}

	configPath string
	logLevel   string

	logger *logging.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.aggtree/aggtree.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
}

// setup loads the config and installs the process logger.
func setup(cmd *cobra.Command, _ []string) error {
	if err := config.Load(configPath); err != nil {
		return err
	}

	lc := config.Global.Logging
	if logLevel != "" {
		lc.Level = logLevel
	}
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return err
	}

	logger = logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(lc.Format),
		LogDir:  lc.Dir,
		Service: cmd.Name(),
	})
	slog.SetDefault(logger.Slog())
	return nil
}

func teardown(*cobra.Command, []string) {
	if logger != nil {
		_ = logger.Close()
	}
}

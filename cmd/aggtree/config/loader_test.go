// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies default config creation.
func TestCreateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "deep", ".aggtree", "aggtree.yaml")

	require.NoError(t, createDefault(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var cfg AggtreeConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, 32, cfg.Tree.MaxDepth)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, Validate(cfg))
}

func TestDefaultConfig_Valid(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

// TestLoadFile_PartialKeepsDefaults verifies absent keys fall back.
func TestLoadFile_PartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggtree.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\ntree:\n  max_depth: 8\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Tree.MaxDepth)
	assert.Equal(t, 200, cfg.Server.MutationBurst)
	assert.Equal(t, 8, cfg.Stress.Workers)
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"port out of range", "server:\n  port: 70000\n"},
		{"depth too large", "tree:\n  max_depth: 300\n"},
		{"unknown level", "logging:\n  level: loud\n"},
		{"unknown exporter", "telemetry:\n  trace_exporter: jaeger\n"},
		{"more roots than items", "stress:\n  items: 3\n  roots: 5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "aggtree.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))

			_, err := LoadFile(path)
			require.Error(t, err)
			var verrs validator.ValidationErrors
			assert.True(t, errors.As(err, &verrs), "got %v", err)
		})
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggtree.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0644))

	_, err := LoadFile(path)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

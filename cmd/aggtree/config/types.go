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
	"github.com/AleutianAI/aggtree/services/aggregation/telemetry"
)

// AggtreeConfig is the on-disk configuration of the aggtree binary.
type AggtreeConfig struct {
	// Server configures the inspection HTTP API.
	Server ServerConfig `yaml:"server"`

	// Logging configures pkg/logging.
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry selects trace and metric exporters.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Tree bounds the aggregation tree.
	Tree TreeConfig `yaml:"tree"`

	// Stress holds defaults for the stress command.
	Stress StressConfig `yaml:"stress"`
}

type ServerConfig struct {
	Port          int     `yaml:"port" validate:"min=1,max=65535"`
	MutationRate  float64 `yaml:"mutation_rate" validate:"gte=0"`  // mutations/s, 0 = unlimited
	MutationBurst int     `yaml:"mutation_burst" validate:"gte=1"` // limiter bucket size
	Debug         bool    `yaml:"debug"`                           // gin debug mode
	DataDir       string  `yaml:"data_dir,omitempty"`              // snapshot store, empty = none
	APIToken      string  `yaml:"api_token,omitempty"`             // bearer token for writes, empty = open
	Audit         bool    `yaml:"audit"`                           // log every write as an audit event
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"` // empty = detect terminal
	Dir    string `yaml:"dir,omitempty"`
}

type TreeConfig struct {
	MaxDepth int `yaml:"max_depth" validate:"min=1,max=255"`
}

type StressConfig struct {
	Workers int    `yaml:"workers" validate:"min=1,max=1024"`
	Ops     int    `yaml:"ops" validate:"min=1"` // per worker
	Items   int    `yaml:"items" validate:"min=2"`
	Roots   int    `yaml:"roots" validate:"min=1,ltefield=Items"`
	Seed    uint64 `yaml:"seed"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() AggtreeConfig {
	tel := telemetry.DefaultConfig()
	tel.ServiceName = "aggtree"
	return AggtreeConfig{
		Server: ServerConfig{
			Port:          12230,
			MutationRate:  1000,
			MutationBurst: 200,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: tel,
		Tree: TreeConfig{
			MaxDepth: 32,
		},
		Stress: StressConfig{
			Workers: 8,
			Ops:     2000,
			Items:   200,
			Roots:   4,
			Seed:    42,
		},
	}
}

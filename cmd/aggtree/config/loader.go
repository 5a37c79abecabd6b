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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global AggtreeConfig
	once   sync.Once

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load reads the config into Global once. An empty path means
// DefaultPath; a missing file at DefaultPath is created with defaults.
func Load(path string) error {
	var err error
	once.Do(func() {
		Global, err = loadInternal(path)
	})
	return err
}

// DefaultPath returns ~/.aggtree/aggtree.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aggtree", "aggtree.yaml"), nil
}

func loadInternal(path string) (AggtreeConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return AggtreeConfig{}, err
		}
		path = p
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", path)
			if err := createDefault(path); err != nil {
				return AggtreeConfig{}, err
			}
		}
	}
	return LoadFile(path)
}

// LoadFile reads and validates one config file. Fields absent from the
// file keep their DefaultConfig values.
func LoadFile(path string) (AggtreeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AggtreeConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AggtreeConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return AggtreeConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the struct tags of cfg.
func Validate(cfg AggtreeConfig) error {
	return validate.Struct(cfg)
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

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
	"io"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/aggtree/pkg/ux"
	"github.com/AleutianAI/aggtree/services/aggregation/policy"
	"github.com/AleutianAI/aggtree/services/aggregation/taskgraph"
)

// Scenario is a scripted sequence of graph operations.
//
// Example:
//
//	name: diamond
//	steps:
//	  - {op: add, task: a}
//	  - {op: add, task: d, state: {dirty: true}}
//	  - {op: connect, parent: a, children: [d]}
//	  - {op: root, task: a}
//	  - {op: query, task: a, expect: {dirty: [d]}}
//	  - {op: verify}
type Scenario struct {
	Name     string `yaml:"name"`
	MaxDepth int    `yaml:"max_depth" validate:"omitempty,min=1,max=255"`
	Steps    []Step `yaml:"steps" validate:"required,min=1,dive"`
}

// Step is one scenario operation. Which fields apply depends on Op.
type Step struct {
	Op       string           `yaml:"op" validate:"required,oneof=add state remove connect disconnect root active query root_info verify"`
	Task     string           `yaml:"task,omitempty"`
	Parent   string           `yaml:"parent,omitempty"`
	Children []string         `yaml:"children,omitempty"`
	State    policy.TaskState `yaml:"state,omitempty"`
	Active   bool             `yaml:"active,omitempty"`
	Depth    uint8            `yaml:"depth,omitempty"`
	Kind     string           `yaml:"kind,omitempty"`
	Expect   *Expectation     `yaml:"expect,omitempty"`
}

// Expectation asserts on the result of a query or root_info step. Unset
// fields are not checked.
type Expectation struct {
	Unfinished   *int64   `yaml:"unfinished,omitempty"`
	Dirty        []string `yaml:"dirty,omitempty"`
	Collectibles []string `yaml:"collectibles,omitempty"`
	Active       *bool    `yaml:"active,omitempty"`
	Roots        *int64   `yaml:"roots,omitempty"`
}

// ErrExpectation is returned when a step's result differs from its
// expectation.
var ErrExpectation = errors.New("expectation failed")

var scenarioValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := scenarioValidator.Struct(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	for i, st := range sc.Steps {
		if err := st.check(); err != nil {
			return nil, fmt.Errorf("invalid scenario: step %d (%s): %w", i+1, st.Op, err)
		}
	}
	return &sc, nil
}

// NewGraph returns an empty graph sized for the scenario.
func (sc *Scenario) NewGraph() *taskgraph.Graph {
	name := sc.Name
	if name == "" {
		name = "scenario"
	}
	return taskgraph.New(taskgraph.Config{Name: name, MaxDepth: uint8(sc.MaxDepth)})
}

// Run executes every step against g, writing one line per step to out.
// It stops at the first failing step.
func (sc *Scenario) Run(ctx context.Context, g *taskgraph.Graph, out io.Writer) error {
	p := ux.NewPrinter(out)
	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := st.run(ctx, g)
		if err != nil {
			p.Step(i+1, st.Op, "", err)
			return fmt.Errorf("step %d (%s): %w", i+1, st.Op, err)
		}
		p.Step(i+1, st.Op, line, nil)
	}
	return nil
}

func (st Step) check() error {
	switch st.Op {
	case "connect":
		if st.Parent == "" || len(st.Children) == 0 {
			return errors.New("connect needs parent and children")
		}
	case "disconnect":
		if st.Parent == "" || len(st.Children) != 1 {
			return errors.New("disconnect needs parent and exactly one child")
		}
	case "verify":
	default:
		if st.Task == "" {
			return errors.New("task is required")
		}
	}
	if st.Expect != nil && st.Op != "query" && st.Op != "root_info" {
		return errors.New("expect only applies to query and root_info")
	}
	if st.Op == "root_info" {
		if _, err := policy.ParseTaskRootKind(st.Kind); err != nil {
			return err
		}
	}
	return nil
}

func (st Step) run(ctx context.Context, g *taskgraph.Graph) (string, error) {
	switch st.Op {
	case "add":
		return st.Task, g.AddTask(ctx, st.Task, st.State)
	case "state":
		return st.Task, g.SetState(ctx, st.Task, st.State)
	case "remove":
		return st.Task, g.RemoveTask(ctx, st.Task)
	case "connect":
		desc := st.Parent + " -> " + strings.Join(st.Children, ",")
		if len(st.Children) == 1 {
			return desc, g.Connect(ctx, st.Parent, st.Children[0])
		}
		return desc, g.BatchConnect(ctx, st.Parent, st.Children)
	case "disconnect":
		return st.Parent + " -/> " + st.Children[0], g.Disconnect(ctx, st.Parent, st.Children[0])
	case "root":
		return st.Task, g.MarkRoot(ctx, st.Task)
	case "active":
		return fmt.Sprintf("%s=%t", st.Task, st.Active), g.SetActive(ctx, st.Task, st.Active)
	case "query":
		info, err := g.Aggregate(ctx, st.Task, st.Depth)
		if err != nil {
			return "", err
		}
		line := fmt.Sprintf("%s@%d unfinished=%d dirty=%v collectibles=%v active=%t",
			st.Task, st.Depth, info.Unfinished, info.DirtyIDs(), info.CollectibleTypes(), info.Active)
		return line, st.Expect.checkAggregate(info)
	case "root_info":
		kind, _ := policy.ParseTaskRootKind(st.Kind)
		info, err := g.RootInfo(ctx, st.Task, st.Depth, kind)
		if err != nil {
			return "", err
		}
		line := fmt.Sprintf("%s@%d %s active=%t roots=%d dirty=%v",
			st.Task, st.Depth, kind, info.Active, info.Roots, info.DirtyIDs())
		return line, st.Expect.checkRootInfo(info)
	case "verify":
		if err := g.Verify(ctx); err != nil {
			return "", err
		}
		s := g.Stats()
		return fmt.Sprintf("tasks=%d edges=%d nodes=%d", s.Tasks, s.Edges, s.Tree.LiveNodes), nil
	default:
		return "", fmt.Errorf("unknown op %q", st.Op)
	}
}

func (e *Expectation) checkAggregate(info policy.TaskInfo) error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.Unfinished != nil && *e.Unfinished != info.Unfinished {
		errs = append(errs, mismatch("unfinished", *e.Unfinished, info.Unfinished))
	}
	if e.Dirty != nil && !sameSet(e.Dirty, info.DirtyIDs()) {
		errs = append(errs, mismatch("dirty", e.Dirty, info.DirtyIDs()))
	}
	if e.Collectibles != nil && !sameSet(e.Collectibles, info.CollectibleTypes()) {
		errs = append(errs, mismatch("collectibles", e.Collectibles, info.CollectibleTypes()))
	}
	if e.Active != nil && *e.Active != info.Active {
		errs = append(errs, mismatch("active", *e.Active, info.Active))
	}
	if e.Roots != nil {
		errs = append(errs, fmt.Errorf("%w: roots is not part of an aggregate", ErrExpectation))
	}
	return errors.Join(errs...)
}

func (e *Expectation) checkRootInfo(info policy.TaskRootInfo) error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.Active != nil && *e.Active != info.Active {
		errs = append(errs, mismatch("active", *e.Active, info.Active))
	}
	if e.Roots != nil && *e.Roots != info.Roots {
		errs = append(errs, mismatch("roots", *e.Roots, info.Roots))
	}
	if e.Dirty != nil && !sameSet(e.Dirty, info.DirtyIDs()) {
		errs = append(errs, mismatch("dirty", e.Dirty, info.DirtyIDs()))
	}
	if e.Unfinished != nil || e.Collectibles != nil {
		errs = append(errs, fmt.Errorf("%w: unfinished and collectibles are not part of a root query", ErrExpectation))
	}
	return errors.Join(errs...)
}

func mismatch(field string, want, got any) error {
	return fmt.Errorf("%w: %s want %v, got %v", ErrExpectation, field, want, got)
}

func sameSet(want, got []string) bool {
	w := slices.Clone(want)
	slices.Sort(w)
	w = slices.Compact(w)
	return slices.Equal(w, got)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregation serves a task graph and its aggregation tree over
// HTTP.
//
// Handlers are registered under /v1/aggtree by RegisterRoutes. Mutating
// endpoints share one token-bucket limiter; queries are not limited.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/aggtree/services/aggregation/snapshot"
	"github.com/AleutianAI/aggtree/services/aggregation/taskgraph"
)

// ErrNoStore is returned by snapshot operations on a service without a
// snapshot store.
var ErrNoStore = errors.New("no snapshot store configured")

// ServiceVersion is the aggregation service version.
const ServiceVersion = "0.1.0"

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Name labels the graph in logs and metrics.
	Name string

	// MaxDepth bounds instantiated depth. Zero means the graph default.
	MaxDepth uint8

	// MutationRate is the sustained mutations per second allowed.
	// Zero or negative disables limiting.
	MutationRate float64

	// MutationBurst is the limiter bucket size.
	MutationBurst int
}

// DefaultServiceConfig returns defaults suitable for local use.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:          "aggtree",
		MaxDepth:      taskgraph.DefaultMaxDepth,
		MutationRate:  1000,
		MutationBurst: 200,
	}
}

// Service owns the task graph behind the HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	config  ServiceConfig
	graph   *taskgraph.Graph
	limiter *rate.Limiter
	logger  *slog.Logger
	store   *snapshot.Store
	started time.Time
	ready   atomic.Bool
}

// NewService creates a service with an empty graph. The service reports
// ready immediately; callers that preload a scenario can flip readiness
// with SetReady.
func NewService(cfg ServiceConfig) *Service {
	limit := rate.Inf
	if cfg.MutationRate > 0 {
		limit = rate.Limit(cfg.MutationRate)
	}
	burst := cfg.MutationBurst
	if burst <= 0 {
		burst = 1
	}

	logger := slog.Default().With(slog.String("service", "aggtree"))
	s := &Service{
		config: cfg,
		graph: taskgraph.New(taskgraph.Config{
			Name:     cfg.Name,
			MaxDepth: cfg.MaxDepth,
			Logger:   logger,
		}),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		started: time.Now(),
	}
	s.ready.Store(true)
	return s
}

// Graph returns the underlying task graph.
func (s *Service) Graph() *taskgraph.Graph {
	return s.graph
}

// SetReady sets the readiness reported by /ready.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Ready reports whether the service accepts traffic.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Uptime returns how long the service has existed.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.started)
}

// allowMutation consumes one limiter token.
func (s *Service) allowMutation() bool {
	return s.limiter.Allow()
}

// WithStore attaches a snapshot store. The service does not close it.
func (s *Service) WithStore(store *snapshot.Store) *Service {
	s.store = store
	return s
}

// SaveSnapshot captures the graph and writes it to the store.
//
// Outputs:
//   - taskgraph.Snapshot: The snapshot that was written.
//   - error: ErrNoStore, or a store failure.
func (s *Service) SaveSnapshot(ctx context.Context) (taskgraph.Snapshot, error) {
	if s.store == nil {
		return taskgraph.Snapshot{}, ErrNoStore
	}
	snap := s.graph.Snapshot()
	if err := s.store.Save(ctx, snap); err != nil {
		return taskgraph.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

// RestoreSnapshot loads the stored snapshot into the empty graph.
//
// Outputs:
//   - bool: False when the store holds no snapshot yet.
//   - error: ErrNoStore, a store failure, or a restore failure.
func (s *Service) RestoreSnapshot(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, ErrNoStore
	}
	snap, err := s.store.Load(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.graph.Restore(ctx, snap); err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	s.logger.Info("snapshot restored",
		slog.Uint64("version", snap.Version),
		slog.Int("tasks", len(snap.Tasks)),
		slog.Int("edges", len(snap.Edges)),
	)
	return true, nil
}

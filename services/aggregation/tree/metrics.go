// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.aggtree.tree")

// Prometheus gauges for tree size.
var (
	liveNodesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aggtree_nodes_live",
		Help: "Aggregation tree nodes currently allocated",
	}, []string{"tree"})

	maxDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aggtree_depth_max_seen",
		Help: "Deepest aggregation level instantiated",
	}, []string{"tree"})
)

// OTel counters for propagation activity.
var (
	linksAdded        metric.Int64Counter
	linksRemoved      metric.Int64Counter
	changesForwarded  metric.Int64Counter
	changesAbsorbed   metric.Int64Counter
	rootQueryVisits   metric.Int64Counter
	rootQueryBreaks   metric.Int64Counter
	nodesCreated      metric.Int64Counter
	nodesReleased     metric.Int64Counter
	releasedWithLinks metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		counters := []struct {
			dst  *metric.Int64Counter
			name string
			desc string
		}{
			{&linksAdded, "aggtree_links_added_total", "Upward links created (multiset 0→1)"},
			{&linksRemoved, "aggtree_links_removed_total", "Upward links removed (multiset 1→0)"},
			{&changesForwarded, "aggtree_changes_forwarded_total", "Changes forwarded to an upper node"},
			{&changesAbsorbed, "aggtree_changes_absorbed_total", "Changes fully absorbed by a node"},
			{&rootQueryVisits, "aggtree_root_query_visits_total", "Nodes visited by root queries"},
			{&rootQueryBreaks, "aggtree_root_query_breaks_total", "Root query merges that short-circuited"},
			{&nodesCreated, "aggtree_nodes_created_total", "Nodes created by the factory"},
			{&nodesReleased, "aggtree_nodes_released_total", "Nodes released after their last reference"},
			{&releasedWithLinks, "aggtree_nodes_released_linked_total", "Nodes released while still linked upward"},
		}
		for _, c := range counters {
			var err error
			*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
			if err != nil {
				metricsErr = err
				return
			}
		}
	})
	return metricsErr
}

// counters holds per-tree activity counts reported by Stats.
type counters struct {
	created   atomic.Int64
	released  atomic.Int64
	linked    atomic.Int64
	unlinked  atomic.Int64
	forwarded atomic.Int64
	absorbed  atomic.Int64
	visits    atomic.Int64
	breaks    atomic.Int64
}

// recorder reports activity for one tree to both the per-tree counters and
// the process-wide OTel instruments.
type recorder struct {
	name  string
	attrs metric.MeasurementOption
	c     counters
	ok    bool
}

func newRecorder(name string) *recorder {
	return &recorder{
		name:  name,
		attrs: metric.WithAttributes(attribute.String("tree", name)),
		ok:    initMetrics() == nil,
	}
}

func (r *recorder) add(ctr *atomic.Int64, inst metric.Int64Counter) {
	ctr.Add(1)
	if r.ok {
		inst.Add(context.Background(), 1, r.attrs)
	}
}

func (r *recorder) linkAdded()   { r.add(&r.c.linked, linksAdded) }
func (r *recorder) linkRemoved() { r.add(&r.c.unlinked, linksRemoved) }
func (r *recorder) forwarded()   { r.add(&r.c.forwarded, changesForwarded) }
func (r *recorder) absorbed()    { r.add(&r.c.absorbed, changesAbsorbed) }
func (r *recorder) rootVisit()   { r.add(&r.c.visits, rootQueryVisits) }
func (r *recorder) rootBreak()   { r.add(&r.c.breaks, rootQueryBreaks) }
func (r *recorder) releasedLinked() {
	if r.ok {
		releasedWithLinks.Add(context.Background(), 1, r.attrs)
	}
}

// nodeCreated records a new node. deepest is the deepest level the tree
// has instantiated so far, including this node.
func (r *recorder) nodeCreated(deepest uint8) {
	r.add(&r.c.created, nodesCreated)
	liveNodesGauge.WithLabelValues(r.name).Inc()
	maxDepthGauge.WithLabelValues(r.name).Set(float64(deepest))
}

func (r *recorder) nodeReleased() {
	r.add(&r.c.released, nodesReleased)
	liveNodesGauge.WithLabelValues(r.name).Dec()
}

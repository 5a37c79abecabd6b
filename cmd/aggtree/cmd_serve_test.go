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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aggtree/pkg/extensions"
	"github.com/AleutianAI/aggtree/services/aggregation"
	"github.com/AleutianAI/aggtree/services/aggregation/snapshot"
)

func TestNewRouter_ServesAPIAndMetrics(t *testing.T) {
	svc := aggregation.NewService(aggregation.DefaultServiceConfig())
	router, err := newRouter(svc, false, extensions.DefaultOptions())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/aggtree/tasks", strings.NewReader(`{"id":"a","root":true}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aggtree_nodes_live")
}

func TestPreload_MarksReady(t *testing.T) {
	svc := aggregation.NewService(aggregation.DefaultServiceConfig())
	svc.SetReady(false)

	preload(t.Context(), svc, "testdata/diamond.yaml")
	assert.True(t, svc.Ready())
	assert.Equal(t, 4, svc.Graph().Stats().Tasks)

	svc.SetReady(false)
	preload(t.Context(), svc, "testdata/missing.yaml")
	assert.True(t, svc.Ready(), "ready even when the scenario cannot load")
}

// Test that a stored snapshot wins over the scenario and survives shutdown
func TestPreload_RestoresSnapshot(t *testing.T) {
	cfg := snapshot.DefaultConfig(t.TempDir())
	cfg.GCInterval = 0
	store, err := snapshot.Open(cfg)
	require.NoError(t, err)
	defer store.Close()

	first := aggregation.NewService(aggregation.DefaultServiceConfig()).WithStore(store)
	preload(t.Context(), first, "")
	assert.Zero(t, first.Graph().Stats().Tasks, "empty store leaves the graph empty")
	preload(t.Context(), first, "testdata/diamond.yaml")
	require.Equal(t, 4, first.Graph().Stats().Tasks)
	saveOnShutdown(first)

	second := aggregation.NewService(aggregation.DefaultServiceConfig()).WithStore(store)
	second.SetReady(false)
	preload(t.Context(), second, "testdata/cycle.yaml")
	assert.True(t, second.Ready())
	assert.Equal(t, first.Graph().Snapshot().Tasks, second.Graph().Snapshot().Tasks)
	require.NoError(t, second.Graph().Verify(t.Context()))
}

func TestNewRouter_RequiresToken(t *testing.T) {
	svc := aggregation.NewService(aggregation.DefaultServiceConfig())
	opts := extensions.DefaultOptions().WithAuth(extensions.NewStaticTokenProvider("tok"))
	router, err := newRouter(svc, false, opts)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/aggtree/tasks", strings.NewReader(`{"id":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/aggtree/tasks", strings.NewReader(`{"id":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

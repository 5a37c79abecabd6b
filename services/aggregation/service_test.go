// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregation

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aggtree/services/aggregation/policy"
	"github.com/AleutianAI/aggtree/services/aggregation/snapshot"
)

func TestService_SnapshotWithoutStore(t *testing.T) {
	svc := NewService(DefaultServiceConfig())

	_, err := svc.SaveSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = svc.RestoreSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)

	w := doRequest(t, setupTestRouter(svc), http.MethodPost, "/snapshot", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, CodeNoStore, decode[ErrorResponse](t, w).Code)
}

// Test saving through the API and restoring into a fresh service
func TestService_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := snapshot.Open(snapshot.InMemoryConfig())
	require.NoError(t, err)
	defer store.Close()

	fresh := NewService(DefaultServiceConfig()).WithStore(store)
	restored, err := fresh.RestoreSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, restored)

	g := fresh.Graph()
	require.NoError(t, g.AddTask(ctx, "a", policy.TaskState{}))
	require.NoError(t, g.AddTask(ctx, "b", policy.TaskState{Unfinished: true}))
	require.NoError(t, g.MarkRoot(ctx, "a"))
	require.NoError(t, g.Connect(ctx, "a", "b"))
	require.NoError(t, g.SetActive(ctx, "a", true))

	w := doRequest(t, setupTestRouter(fresh), http.MethodPost, "/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[SnapshotResponse](t, w)
	assert.Equal(t, 2, resp.Tasks)
	assert.Equal(t, 1, resp.Edges)
	assert.Equal(t, g.Version(), resp.Version)

	next := NewService(DefaultServiceConfig()).WithStore(store)
	restored, err = next.RestoreSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, restored)

	info, err := next.Graph().Aggregate(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Unfinished)
	assert.True(t, info.Active)

	_, err = next.RestoreSnapshot(ctx)
	assert.Error(t, err)
}

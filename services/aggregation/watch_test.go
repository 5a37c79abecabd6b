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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aggtree/services/aggregation/policy"
)

func startWatchServer(t *testing.T, svc *Service) *httptest.Server {
	t.Helper()
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), NewHandlers(svc).WithWatchInterval(10*time.Millisecond))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dialWatch(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/aggtree" + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readWatch(t *testing.T, ws *websocket.Conn) WatchMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WatchMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestHandlers_HandleWatch(t *testing.T) {
	ctx := context.Background()
	svc := NewService(DefaultServiceConfig())
	g := svc.Graph()
	require.NoError(t, g.AddTask(ctx, "root", policy.TaskState{}))
	require.NoError(t, g.AddTask(ctx, "leaf", policy.TaskState{Unfinished: true}))
	require.NoError(t, g.MarkRoot(ctx, "root"))

	srv := startWatchServer(t, svc)
	ws := dialWatch(t, srv, "/tasks/root/watch")

	first := readWatch(t, ws)
	assert.Equal(t, "root", first.TaskID)
	assert.Equal(t, int64(0), first.Unfinished)
	assert.Empty(t, first.Error)

	require.NoError(t, g.Connect(ctx, "root", "leaf"))
	second := readWatch(t, ws)
	assert.Equal(t, int64(1), second.Unfinished)
	assert.Greater(t, second.Version, first.Version)

	require.NoError(t, g.SetState(ctx, "leaf", policy.TaskState{Dirty: true}))
	third := readWatch(t, ws)
	assert.Equal(t, int64(0), third.Unfinished)
	assert.Equal(t, []string{"leaf"}, third.Dirty)
}

// Test that the watch ends with an error frame when its node is torn down
func TestHandlers_HandleWatch_NodeRemoved(t *testing.T) {
	ctx := context.Background()
	svc := NewService(DefaultServiceConfig())
	g := svc.Graph()
	require.NoError(t, g.AddTask(ctx, "root", policy.TaskState{}))
	require.NoError(t, g.AddTask(ctx, "leaf", policy.TaskState{}))
	require.NoError(t, g.MarkRoot(ctx, "root"))
	require.NoError(t, g.Connect(ctx, "root", "leaf"))

	srv := startWatchServer(t, svc)
	ws := dialWatch(t, srv, "/tasks/leaf/watch?depth=1")
	first := readWatch(t, ws)
	assert.Equal(t, uint8(1), first.Depth)

	require.NoError(t, g.Disconnect(ctx, "root", "leaf"))
	last := readWatch(t, ws)
	assert.Equal(t, CodeNotInstantiated, last.Code)
	assert.NotEmpty(t, last.Error)
}

func TestHandlers_HandleWatch_Rejected(t *testing.T) {
	svc := NewService(DefaultServiceConfig())
	router := setupTestRouter(svc)

	w := doRequest(t, router, http.MethodGet, "/tasks/missing/watch", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeTaskNotFound, decode[ErrorResponse](t, w).Code)

	w = doRequest(t, router, http.MethodGet, "/tasks/missing/watch?depth=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSameAggregate(t *testing.T) {
	a := AggregateResponse{Unfinished: 1, Dirty: []string{"x"}}
	b := a
	assert.True(t, sameAggregate(a, b))
	b.Active = true
	assert.False(t, sameAggregate(a, b))
	b = a
	b.Collectibles = []string{"warning"}
	assert.False(t, sameAggregate(a, b))
}

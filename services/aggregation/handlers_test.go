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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aggtree/services/aggregation/taskgraph"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(svc *Service) *gin.Engine {
	router := gin.New()
	handlers := NewHandlers(svc)
	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req, err := http.NewRequest(method, "/v1/aggtree"+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandlers_HandleHealth(t *testing.T) {
	router := setupTestRouter(NewService(DefaultServiceConfig()))

	w := doRequest(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
}

func TestHandlers_HandleReady(t *testing.T) {
	svc := NewService(DefaultServiceConfig())
	router := setupTestRouter(svc)

	w := doRequest(t, router, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ReadyResponse](t, w)
	assert.True(t, resp.Ready)
	assert.Equal(t, 0, resp.Tasks)

	svc.SetReady(false)
	w = doRequest(t, router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.False(t, decode[ReadyResponse](t, w).Ready)
}

// Test a full build-graph round trip through the API
func TestHandlers_GraphLifecycle(t *testing.T) {
	router := setupTestRouter(NewService(DefaultServiceConfig()))

	for _, req := range []CreateTaskRequest{
		{ID: "b"},
		{ID: "c"},
	} {
		w := doRequest(t, router, http.MethodPost, "/tasks", req)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := doRequest(t, router, http.MethodPost, "/tasks", `{"id":"a","root":true,"state":{"unfinished":true}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[TaskResponse](t, w)
	assert.Equal(t, "a", created.TaskID)
	assert.Equal(t, []uint8{0}, created.Depths)

	w = doRequest(t, router, http.MethodPost, "/edges", EdgeRequest{Parent: "a", Children: []string{"b", "c"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[EdgeResponse](t, w).Edges)

	w = doRequest(t, router, http.MethodPut, "/tasks/c/state", `{"dirty":true,"collectibles":["warning"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []uint8{1}, decode[TaskResponse](t, w).Depths)

	w = doRequest(t, router, http.MethodGet, "/tasks/a/aggregate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	agg := decode[AggregateResponse](t, w)
	assert.Equal(t, int64(1), agg.Unfinished)
	assert.Equal(t, []string{"c"}, agg.Dirty)
	assert.Equal(t, []string{"warning"}, agg.Collectibles)
	assert.False(t, agg.Active)

	w = doRequest(t, router, http.MethodPut, "/roots/a/active", `{"active":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(t, router, http.MethodGet, "/tasks/b/root_info?depth=1&kind=active", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	info := decode[RootInfoResponse](t, w)
	assert.True(t, info.Active)
	assert.Equal(t, "active", info.Kind)

	w = doRequest(t, router, http.MethodGet, "/tasks/c/root_info?depth=1&kind=dirty", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"c"}, decode[RootInfoResponse](t, w).Dirty)

	w = doRequest(t, router, http.MethodPost, "/verify", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[VerifyResponse](t, w).OK)

	w = doRequest(t, router, http.MethodPost, "/edges/remove", RemoveEdgeRequest{Parent: "a", Child: "c"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[EdgeResponse](t, w).Edges)

	w = doRequest(t, router, http.MethodGet, "/tasks/a/aggregate?depth=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[AggregateResponse](t, w).Dirty)

	w = doRequest(t, router, http.MethodDelete, "/tasks/c", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, router, http.MethodGet, "/debug/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[taskgraph.Stats](t, w)
	assert.Equal(t, 2, stats.Tasks)
	assert.Equal(t, 1, stats.Edges)
	assert.Equal(t, 1, stats.Roots)
}

func TestHandlers_InvalidRequests(t *testing.T) {
	router := setupTestRouter(NewService(DefaultServiceConfig()))
	w := doRequest(t, router, http.MethodPost, "/tasks", CreateTaskRequest{ID: "a", Root: true})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doRequest(t, router, http.MethodPost, "/tasks", CreateTaskRequest{ID: "b"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doRequest(t, router, http.MethodPost, "/edges", EdgeRequest{Parent: "a", Children: []string{"b"}})
	require.Equal(t, http.StatusOK, w.Code)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"empty task body", http.MethodPost, "/tasks", "{}", http.StatusBadRequest, CodeInvalidRequest},
		{"malformed json", http.MethodPost, "/tasks", "{", http.StatusBadRequest, CodeInvalidRequest},
		{"duplicate task", http.MethodPost, "/tasks", `{"id":"a"}`, http.StatusConflict, CodeDuplicateTask},
		{"state of unknown task", http.MethodPut, "/tasks/zz/state", "{}", http.StatusNotFound, CodeTaskNotFound},
		{"delete connected task", http.MethodDelete, "/tasks/b", nil, http.StatusConflict, CodeTaskHasEdges},
		{"delete unknown task", http.MethodDelete, "/tasks/zz", nil, http.StatusNotFound, CodeTaskNotFound},
		{"edge without children", http.MethodPost, "/edges", `{"parent":"a","children":[]}`, http.StatusBadRequest, CodeInvalidRequest},
		{"edge with empty child", http.MethodPost, "/edges", `{"parent":"a","children":[""]}`, http.StatusBadRequest, CodeInvalidRequest},
		{"self edge", http.MethodPost, "/edges", `{"parent":"a","children":["a"]}`, http.StatusBadRequest, CodeSelfEdge},
		{"edge to unknown task", http.MethodPost, "/edges", `{"parent":"a","children":["zz"]}`, http.StatusNotFound, CodeTaskNotFound},
		{"remove missing edge", http.MethodPost, "/edges/remove", `{"parent":"b","child":"a"}`, http.StatusNotFound, CodeEdgeNotFound},
		{"active without flag", http.MethodPut, "/roots/a/active", "{}", http.StatusBadRequest, CodeInvalidRequest},
		{"active on non-root", http.MethodPut, "/roots/b/active", `{"active":true}`, http.StatusNotFound, CodeNotInstantiated},
		{"depth not a number", http.MethodGet, "/tasks/a/aggregate?depth=x", nil, http.StatusBadRequest, CodeInvalidDepth},
		{"depth out of range", http.MethodGet, "/tasks/a/aggregate?depth=256", nil, http.StatusBadRequest, CodeInvalidDepth},
		{"depth not instantiated", http.MethodGet, "/tasks/a/aggregate?depth=3", nil, http.StatusNotFound, CodeNotInstantiated},
		{"aggregate unknown task", http.MethodGet, "/tasks/zz/aggregate", nil, http.StatusNotFound, CodeTaskNotFound},
		{"unknown root kind", http.MethodGet, "/tasks/b/root_info?depth=1&kind=bogus", nil, http.StatusBadRequest, CodeInvalidKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

// Test that mutations are limited and queries are not
func TestHandlers_RateLimit(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.MutationRate = 0.001
	cfg.MutationBurst = 1
	router := setupTestRouter(NewService(cfg))

	w := doRequest(t, router, http.MethodPost, "/tasks", CreateTaskRequest{ID: "a", Root: true})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, router, http.MethodPost, "/tasks", CreateTaskRequest{ID: "b"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, w).Code)

	for range 3 {
		w = doRequest(t, router, http.MethodGet, "/tasks/a/aggregate", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestHandlers_RequestID(t *testing.T) {
	router := setupTestRouter(NewService(DefaultServiceConfig()))

	req, _ := http.NewRequest(http.MethodPost, "/v1/aggtree/tasks", bytes.NewBufferString(`{"id":"a"}`))
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = doRequest(t, router, http.MethodPost, "/tasks", `{"id":"b"}`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestErrorStatus(t *testing.T) {
	status, code := errorStatus(fmt.Errorf("%w: x", taskgraph.ErrTaskNotFound))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeTaskNotFound, code)

	status, code = errorStatus(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, CodeInternal, code)
}

func TestViolations(t *testing.T) {
	assert.Nil(t, violations(nil))
	assert.Equal(t, []string{"one"}, violations(errors.New("one")))

	nested := errors.Join(
		errors.New("a"),
		errors.Join(errors.New("b"), errors.New("c")),
	)
	assert.Equal(t, []string{"a", "b", "c"}, violations(nested))
}

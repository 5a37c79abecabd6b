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

import "github.com/AleutianAI/aggtree/services/aggregation/policy"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is returned by GET /ready.
type ReadyResponse struct {
	Ready  bool    `json:"ready"`
	Tasks  int     `json:"tasks"`
	Uptime float64 `json:"uptime_seconds"`
}

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	// ID is the unique task ID.
	ID string `json:"id" binding:"required"`

	// State is the task's initial own state.
	State policy.TaskState `json:"state"`

	// Root marks the task as a root right after creation.
	Root bool `json:"root"`
}

// TaskResponse acknowledges a task mutation.
type TaskResponse struct {
	TaskID string  `json:"task_id"`
	Depths []uint8 `json:"depths"`
}

// EdgeRequest is the body of POST /edges. One child adds one edge; several
// children are added as a batch.
type EdgeRequest struct {
	Parent   string   `json:"parent" binding:"required"`
	Children []string `json:"children" binding:"required,min=1,dive,required"`
}

// RemoveEdgeRequest is the body of POST /edges/remove.
type RemoveEdgeRequest struct {
	Parent string `json:"parent" binding:"required"`
	Child  string `json:"child" binding:"required"`
}

// EdgeResponse acknowledges an edge mutation.
type EdgeResponse struct {
	Parent string `json:"parent"`
	Edges  int    `json:"edges"`
}

// ActiveRequest is the body of PUT /roots/:id/active.
type ActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// AggregateResponse is returned by GET /tasks/:id/aggregate.
type AggregateResponse struct {
	TaskID       string   `json:"task_id"`
	Depth        uint8    `json:"depth"`
	Unfinished   int64    `json:"unfinished"`
	Dirty        []string `json:"dirty"`
	Collectibles []string `json:"collectibles"`
	Active       bool     `json:"active"`
}

// RootInfoResponse is returned by GET /tasks/:id/root_info.
type RootInfoResponse struct {
	TaskID string   `json:"task_id"`
	Depth  uint8    `json:"depth"`
	Kind   string   `json:"kind"`
	Active bool     `json:"active"`
	Roots  int64    `json:"roots"`
	Dirty  []string `json:"dirty,omitempty"`
}

// VerifyResponse is returned by POST /verify.
type VerifyResponse struct {
	OK         bool     `json:"ok"`
	Violations []string `json:"violations,omitempty"`
}

// SnapshotResponse is returned by POST /snapshot.
type SnapshotResponse struct {
	Version uint64 `json:"version"`
	Tasks   int    `json:"tasks"`
	Edges   int    `json:"edges"`
}

// WatchMessage is one frame pushed by GET /tasks/:id/watch. Version is the
// graph version the aggregate was read at. A frame with Error set is the
// last one before the server closes the connection.
type WatchMessage struct {
	AggregateResponse
	Version uint64 `json:"version"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

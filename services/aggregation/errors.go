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
	"errors"
	"net/http"

	"github.com/AleutianAI/aggtree/services/aggregation/taskgraph"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeInvalidDepth    = "INVALID_DEPTH"
	CodeInvalidKind     = "INVALID_KIND"
	CodeTaskNotFound    = "TASK_NOT_FOUND"
	CodeDuplicateTask   = "DUPLICATE_TASK"
	CodeInvalidTaskID   = "INVALID_TASK_ID"
	CodeEdgeNotFound    = "EDGE_NOT_FOUND"
	CodeSelfEdge        = "SELF_EDGE"
	CodeTaskHasEdges    = "TASK_HAS_EDGES"
	CodeNotInstantiated = "NOT_INSTANTIATED"
	CodeVerifyFailed    = "VERIFY_FAILED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNoStore         = "NO_SNAPSHOT_STORE"
	CodeInternal        = "INTERNAL_ERROR"
)

// errorStatus maps a graph error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, taskgraph.ErrTaskNotFound):
		return http.StatusNotFound, CodeTaskNotFound
	case errors.Is(err, taskgraph.ErrDuplicateTask):
		return http.StatusConflict, CodeDuplicateTask
	case errors.Is(err, taskgraph.ErrInvalidTaskID):
		return http.StatusBadRequest, CodeInvalidTaskID
	case errors.Is(err, taskgraph.ErrEdgeNotFound):
		return http.StatusNotFound, CodeEdgeNotFound
	case errors.Is(err, taskgraph.ErrSelfEdge):
		return http.StatusBadRequest, CodeSelfEdge
	case errors.Is(err, taskgraph.ErrTaskHasEdges):
		return http.StatusConflict, CodeTaskHasEdges
	case errors.Is(err, taskgraph.ErrNotInstantiated):
		return http.StatusNotFound, CodeNotInstantiated
	case errors.Is(err, ErrNoStore):
		return http.StatusNotImplemented, CodeNoStore
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// violations flattens a joined error into its messages.
func violations(err error) []string {
	if err == nil {
		return nil
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, violations(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

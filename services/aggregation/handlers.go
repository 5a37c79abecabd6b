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
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/aggtree/pkg/extensions"
	"github.com/AleutianAI/aggtree/services/aggregation/policy"
	"github.com/AleutianAI/aggtree/services/aggregation/telemetry"
)

// Handlers contains the HTTP handlers for the aggregation service.
type Handlers struct {
	svc           *Service
	metrics       *telemetry.Metrics
	opts          extensions.ServiceOptions
	watchInterval time.Duration
}

// NewHandlers creates handlers for the given service with no-op
// authentication and audit hooks.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, opts: extensions.DefaultOptions()}
}

// WithMetrics sets the instruments used to count rate-limited requests.
func (h *Handlers) WithMetrics(m *telemetry.Metrics) *Handlers {
	h.metrics = m
	return h
}

// HandleHealth handles GET /v1/aggtree/health.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/aggtree/ready.
//
// Response:
//
//	200 OK: ReadyResponse (Ready=true)
//	503 Service Unavailable: ReadyResponse (Ready=false)
func (h *Handlers) HandleReady(c *gin.Context) {
	resp := ReadyResponse{
		Ready:  h.svc.Ready(),
		Tasks:  h.svc.Graph().Stats().Tasks,
		Uptime: h.svc.Uptime().Seconds(),
	}
	if !resp.Ready {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCreateTask handles POST /v1/aggtree/tasks.
//
// Description:
//
//	Registers a task and, when Root is set, instantiates it at depth 0.
//
// Request Body:
//
//	CreateTaskRequest
//
// Response:
//
//	201 Created: TaskResponse
//	400 Bad Request: Validation error
//	409 Conflict: Duplicate task
func (h *Handlers) HandleCreateTask(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCreateTask")

	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, logger, err)
		return
	}

	ctx := c.Request.Context()
	g := h.svc.Graph()
	if err := g.AddTask(ctx, req.ID, req.State); err != nil {
		h.fail(c, logger, err)
		return
	}
	if req.Root {
		if err := g.MarkRoot(ctx, req.ID); err != nil {
			h.fail(c, logger, err)
			return
		}
	}

	logger.Info("task created", slog.String("task_id", req.ID), slog.Bool("root", req.Root))
	c.JSON(http.StatusCreated, h.taskResponse(req.ID))
}

// HandleSetState handles PUT /v1/aggtree/tasks/:id/state.
//
// Request Body:
//
//	policy.TaskState
//
// Response:
//
//	200 OK: TaskResponse
//	404 Not Found: Unknown task
func (h *Handlers) HandleSetState(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSetState")
	id := c.Param("id")

	var state policy.TaskState
	if err := c.ShouldBindJSON(&state); err != nil {
		h.badRequest(c, logger, err)
		return
	}
	if err := h.svc.Graph().SetState(c.Request.Context(), id, state); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, h.taskResponse(id))
}

// HandleDeleteTask handles DELETE /v1/aggtree/tasks/:id.
//
// Response:
//
//	204 No Content
//	404 Not Found: Unknown task
//	409 Conflict: Task still has edges
func (h *Handlers) HandleDeleteTask(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeleteTask")
	if err := h.svc.Graph().RemoveTask(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleAddEdges handles POST /v1/aggtree/edges.
//
// Request Body:
//
//	EdgeRequest
//
// Response:
//
//	200 OK: EdgeResponse
//	400 Bad Request: Validation error or self edge
//	404 Not Found: Unknown task
func (h *Handlers) HandleAddEdges(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAddEdges")

	var req EdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, logger, err)
		return
	}

	ctx := c.Request.Context()
	g := h.svc.Graph()
	var err error
	if len(req.Children) == 1 {
		err = g.Connect(ctx, req.Parent, req.Children[0])
	} else {
		err = g.BatchConnect(ctx, req.Parent, req.Children)
	}
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, EdgeResponse{Parent: req.Parent, Edges: g.Stats().Edges})
}

// HandleRemoveEdge handles POST /v1/aggtree/edges/remove.
//
// Request Body:
//
//	RemoveEdgeRequest
//
// Response:
//
//	200 OK: EdgeResponse
//	404 Not Found: Unknown task or edge
func (h *Handlers) HandleRemoveEdge(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRemoveEdge")

	var req RemoveEdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, logger, err)
		return
	}

	g := h.svc.Graph()
	if err := g.Disconnect(c.Request.Context(), req.Parent, req.Child); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, EdgeResponse{Parent: req.Parent, Edges: g.Stats().Edges})
}

// HandleMarkRoot handles POST /v1/aggtree/roots/:id.
//
// Response:
//
//	200 OK: TaskResponse
//	404 Not Found: Unknown task
func (h *Handlers) HandleMarkRoot(c *gin.Context) {
	logger := h.requestLogger(c, "HandleMarkRoot")
	id := c.Param("id")
	if err := h.svc.Graph().MarkRoot(c.Request.Context(), id); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, h.taskResponse(id))
}

// HandleSetActive handles PUT /v1/aggtree/roots/:id/active.
//
// Request Body:
//
//	ActiveRequest
//
// Response:
//
//	200 OK: TaskResponse
//	404 Not Found: Unknown task, or task is not a root
func (h *Handlers) HandleSetActive(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSetActive")
	id := c.Param("id")

	var req ActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, logger, err)
		return
	}
	if err := h.svc.Graph().SetActive(c.Request.Context(), id, *req.Active); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, h.taskResponse(id))
}

// HandleAggregate handles GET /v1/aggtree/tasks/:id/aggregate.
//
// Query Parameters:
//
//	depth - Node depth (default 0)
//
// Response:
//
//	200 OK: AggregateResponse
//	400 Bad Request: Invalid depth
//	404 Not Found: Unknown task or no node at depth
func (h *Handlers) HandleAggregate(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAggregate")
	id := c.Param("id")

	depth, ok := h.depthParam(c)
	if !ok {
		return
	}

	info, err := h.svc.Graph().Aggregate(c.Request.Context(), id, depth)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, aggregateResponse(id, depth, info))
}

// HandleRootInfo handles GET /v1/aggtree/tasks/:id/root_info.
//
// Query Parameters:
//
//	depth - Node depth (default 0)
//	kind - active, root_count, or dirty (default active)
//
// Response:
//
//	200 OK: RootInfoResponse
//	400 Bad Request: Invalid depth or kind
//	404 Not Found: Unknown task or no node at depth
func (h *Handlers) HandleRootInfo(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRootInfo")
	id := c.Param("id")

	depth, ok := h.depthParam(c)
	if !ok {
		return
	}
	kind, err := policy.ParseTaskRootKind(c.Query("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid kind",
			Code:    CodeInvalidKind,
			Details: err.Error(),
		})
		return
	}

	info, err := h.svc.Graph().RootInfo(c.Request.Context(), id, depth, kind)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, RootInfoResponse{
		TaskID: id,
		Depth:  depth,
		Kind:   kind.String(),
		Active: info.Active,
		Roots:  info.Roots,
		Dirty:  info.DirtyIDs(),
	})
}

// HandleVerify handles POST /v1/aggtree/verify.
//
// Description:
//
//	Checks every aggregation node against recomputation from the graph.
//
// Response:
//
//	200 OK: VerifyResponse (OK=true)
//	409 Conflict: VerifyResponse (OK=false) listing violations
func (h *Handlers) HandleVerify(c *gin.Context) {
	logger := h.requestLogger(c, "HandleVerify")
	if err := h.svc.Graph().Verify(c.Request.Context()); err != nil {
		logger.Warn("verification failed", slog.String("error", err.Error()))
		c.JSON(http.StatusConflict, VerifyResponse{Violations: violations(err)})
		return
	}
	c.JSON(http.StatusOK, VerifyResponse{OK: true})
}

// HandleSnapshot handles POST /v1/aggtree/snapshot.
//
// Description:
//
//	Persists the graph structure to the configured snapshot store.
//
// Response:
//
//	200 OK: SnapshotResponse
//	501 Not Implemented: No snapshot store configured
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSnapshot")
	snap, err := h.svc.SaveSnapshot(c.Request.Context())
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("snapshot saved",
		slog.Uint64("version", snap.Version),
		slog.Int("tasks", len(snap.Tasks)),
		slog.Int("edges", len(snap.Edges)),
	)
	c.JSON(http.StatusOK, SnapshotResponse{
		Version: snap.Version,
		Tasks:   len(snap.Tasks),
		Edges:   len(snap.Edges),
	})
}

// HandleStats handles GET /v1/aggtree/debug/stats.
//
// Response:
//
//	200 OK: taskgraph.Stats
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Graph().Stats())
}

// limitMutations rejects requests once the mutation limiter is exhausted.
func (h *Handlers) limitMutations(c *gin.Context) {
	if h.svc.allowMutation() {
		c.Next()
		return
	}
	if h.metrics != nil {
		h.metrics.RateLimitedTotal.Add(c.Request.Context(), 1)
	}
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
		Error: "Too many mutations",
		Code:  CodeRateLimited,
	})
}

func aggregateResponse(id string, depth uint8, info policy.TaskInfo) AggregateResponse {
	return AggregateResponse{
		TaskID:       id,
		Depth:        depth,
		Unfinished:   info.Unfinished,
		Dirty:        info.DirtyIDs(),
		Collectibles: info.CollectibleTypes(),
		Active:       info.Active,
	}
}

func (h *Handlers) depthParam(c *gin.Context) (uint8, bool) {
	raw := c.DefaultQuery("depth", "0")
	d, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid depth",
			Code:    CodeInvalidDepth,
			Details: err.Error(),
		})
		return 0, false
	}
	return uint8(d), true
}

func (h *Handlers) taskResponse(id string) TaskResponse {
	depths, _ := h.svc.Graph().Depths(id)
	if depths == nil {
		depths = []uint8{}
	}
	return TaskResponse{TaskID: id, Depths: depths}
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	logger := h.svc.logger.With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler),
	)
	return telemetry.LoggerWithTrace(requestContext(c), logger)
}

func (h *Handlers) badRequest(c *gin.Context, logger *slog.Logger, err error) {
	logger.Warn("invalid request body", slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Code:    CodeInvalidRequest,
		Details: err.Error(),
	})
}

func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
	} else {
		logger.Info("request rejected", slog.String("code", code), slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

// getOrCreateRequestID returns the X-Request-ID header or a fresh UUID,
// echoing it back on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func requestContext(c *gin.Context) context.Context {
	if c.Request == nil {
		return context.Background()
	}
	return c.Request.Context()
}

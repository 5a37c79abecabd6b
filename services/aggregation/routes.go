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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all aggregation routes with the router.
//
// Description:
//
//	Registers all /v1/aggtree/* endpoints with the given Gin router group.
//	Write endpoints are authenticated and audited through the handlers'
//	extension hooks. Mutating endpoints also pass through the service's
//	rate limiter.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Mutation Endpoints:
//
//	POST   /v1/aggtree/tasks - Register a task
//	PUT    /v1/aggtree/tasks/:id/state - Replace a task's own state
//	DELETE /v1/aggtree/tasks/:id - Remove an unconnected task
//	POST   /v1/aggtree/edges - Add one or more edges
//	POST   /v1/aggtree/edges/remove - Remove one edge
//	POST   /v1/aggtree/roots/:id - Mark a task as a root
//	PUT    /v1/aggtree/roots/:id/active - Set a root's active flag
//	POST   /v1/aggtree/snapshot - Persist the graph (not rate limited)
//	POST   /v1/aggtree/verify - Check aggregates against recomputation
//	                            (blocks mutations while it runs)
//
// Query Endpoints:
//
//	GET  /v1/aggtree/tasks/:id/aggregate - Node aggregate at a depth
//	GET  /v1/aggtree/tasks/:id/root_info - Root query at a depth
//	GET  /v1/aggtree/tasks/:id/watch - Stream aggregate changes (WebSocket)
//	GET  /v1/aggtree/debug/stats - Graph and tree counters
//
// Health Endpoints:
//
//	GET  /v1/aggtree/health - Health check
//	GET  /v1/aggtree/ready - Readiness check
//
// Example:
//
//	service := aggregation.NewService(aggregation.DefaultServiceConfig())
//	handlers := aggregation.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	aggregation.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	aggtree := rg.Group("/aggtree")
	{
		// Health checks
		aggtree.GET("/health", handlers.HandleHealth)
		aggtree.GET("/ready", handlers.HandleReady)

		// Queries
		aggtree.GET("/tasks/:id/aggregate", handlers.HandleAggregate)
		aggtree.GET("/tasks/:id/root_info", handlers.HandleRootInfo)
		aggtree.GET("/tasks/:id/watch", handlers.HandleWatch)

		debug := aggtree.Group("/debug")
		{
			debug.GET("/stats", handlers.HandleStats)
		}

		// Writes: authenticated and audited
		write := aggtree.Group("", handlers.authenticate, handlers.auditMutations)
		{
			write.POST("/snapshot", handlers.HandleSnapshot)
		}

		// Mutations
		mutate := write.Group("", handlers.limitMutations)
		{
			mutate.POST("/tasks", handlers.HandleCreateTask)
			mutate.PUT("/tasks/:id/state", handlers.HandleSetState)
			mutate.DELETE("/tasks/:id", handlers.HandleDeleteTask)
			mutate.POST("/edges", handlers.HandleAddEdges)
			mutate.POST("/edges/remove", handlers.HandleRemoveEdge)
			mutate.POST("/roots/:id", handlers.HandleMarkRoot)
			mutate.PUT("/roots/:id/active", handlers.HandleSetActive)
			mutate.POST("/verify", handlers.HandleVerify)
		}
	}
}

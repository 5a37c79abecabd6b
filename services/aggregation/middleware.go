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
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/aggtree/pkg/extensions"
)

const authInfoKey = "aggtree.auth"

// WithOptions sets the authentication and audit hooks for write routes.
func (h *Handlers) WithOptions(opts extensions.ServiceOptions) *Handlers {
	h.opts = opts.Normalize()
	return h
}

// authenticate validates the bearer token of a write request.
func (h *Handlers) authenticate(c *gin.Context) {
	token, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	info, err := h.opts.AuthProvider.Validate(c.Request.Context(), strings.TrimSpace(token))
	if err != nil {
		h.requestLogger(c, "authenticate").Warn("request unauthorized", slog.String("error", err.Error()))
		h.audit(c, "anonymous", extensions.OutcomeDenied)
		c.Header("WWW-Authenticate", `Bearer realm="aggtree"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error: "Unauthorized",
			Code:  CodeUnauthorized,
		})
		return
	}
	c.Set(authInfoKey, info)
	c.Next()
}

// auditMutations records the outcome of every write request.
func (h *Handlers) auditMutations(c *gin.Context) {
	c.Next()

	userID := "anonymous"
	if v, ok := c.Get(authInfoKey); ok {
		userID = v.(*extensions.AuthInfo).UserID
	}
	status := c.Writer.Status()
	outcome := extensions.OutcomeSuccess
	switch {
	case status == http.StatusTooManyRequests:
		outcome = extensions.OutcomeDenied
	case status >= http.StatusBadRequest:
		outcome = extensions.OutcomeFailure
	}
	h.audit(c, userID, outcome)
}

func (h *Handlers) audit(c *gin.Context, userID, outcome string) {
	event := extensions.AuditEvent{
		EventType:    "graph.mutation",
		UserID:       userID,
		Action:       c.Request.Method + " " + c.FullPath(),
		ResourceType: resourceType(c.FullPath()),
		ResourceID:   c.Param("id"),
		Outcome:      outcome,
		Metadata: map[string]any{
			"status":     c.Writer.Status(),
			"request_id": getOrCreateRequestID(c),
		},
	}
	if err := h.opts.AuditLogger.Log(c.Request.Context(), event); err != nil {
		h.svc.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}

// resourceType returns the first route segment after /aggtree.
func resourceType(route string) string {
	_, rest, ok := strings.Cut(route, "/aggtree/")
	if !ok {
		return ""
	}
	seg, _, _ := strings.Cut(rest, "/")
	return seg
}

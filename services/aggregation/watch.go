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
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// DefaultWatchInterval is how often a watch checks the graph version.
const DefaultWatchInterval = 250 * time.Millisecond

const watchWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// WithWatchInterval sets how often watch connections poll for changes.
func (h *Handlers) WithWatchInterval(d time.Duration) *Handlers {
	h.watchInterval = d
	return h
}

// HandleWatch handles GET /v1/aggtree/tasks/:id/watch.
//
// Description:
//
//	Upgrades to a WebSocket and pushes a WatchMessage whenever the visible
//	aggregate of the task's node at depth changes. The first frame carries
//	the current aggregate. If the node goes away the server sends a frame
//	with Error set and closes. Messages from the client are ignored; a read
//	error ends the watch.
//
// Query Parameters:
//
//	depth - Node depth (default 0)
//
// Response:
//
//	101 Switching Protocols: WatchMessage frames
//	400 Bad Request: Invalid depth
//	404 Not Found: Unknown task or no node at depth
func (h *Handlers) HandleWatch(c *gin.Context) {
	logger := h.requestLogger(c, "HandleWatch")
	id := c.Param("id")

	depth, ok := h.depthParam(c)
	if !ok {
		return
	}

	g := h.svc.Graph()
	if _, err := g.Aggregate(c.Request.Context(), id, depth); err != nil {
		h.fail(c, logger, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	logger.Info("watch started", slog.String("task_id", id), slog.Int("depth", int(depth)))
	frames := 0
	defer func() {
		logger.Info("watch ended", slog.String("task_id", id), slog.Int("frames", frames))
	}()

	interval := h.watchInterval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		seen uint64
		last *AggregateResponse
	)
	for {
		if v := g.Version(); last == nil || v != seen {
			seen = v
			info, err := g.Aggregate(ctx, id, depth)
			if err != nil {
				_, code := errorStatus(err)
				_ = writeWatch(ws, WatchMessage{Version: v, Error: err.Error(), Code: code})
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, code),
					time.Now().Add(watchWriteWait))
				return
			}
			resp := aggregateResponse(id, depth, info)
			if last == nil || !sameAggregate(*last, resp) {
				if err := writeWatch(ws, WatchMessage{AggregateResponse: resp, Version: v}); err != nil {
					logger.Debug("watch write failed", slog.String("error", err.Error()))
					return
				}
				frames++
				last = &resp
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeWatch(ws *websocket.Conn, msg WatchMessage) error {
	if err := ws.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
		return err
	}
	return ws.WriteJSON(msg)
}

// sameAggregate compares the visible parts of two aggregates.
func sameAggregate(a, b AggregateResponse) bool {
	return a.Unfinished == b.Unfinished &&
		a.Active == b.Active &&
		slices.Equal(a.Dirty, b.Dirty) &&
		slices.Equal(a.Collectibles, b.Collectibles)
}

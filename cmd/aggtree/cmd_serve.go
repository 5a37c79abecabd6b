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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/aggtree/cmd/aggtree/config"
	"github.com/AleutianAI/aggtree/pkg/extensions"
	"github.com/AleutianAI/aggtree/services/aggregation"
	"github.com/AleutianAI/aggtree/services/aggregation/snapshot"
	"github.com/AleutianAI/aggtree/services/aggregation/telemetry"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregation HTTP API",
		Long: `Starts the HTTP API under /v1/aggtree with Prometheus metrics at /metrics.
With --scenario, the graph is preloaded from a scenario file and the
server reports not-ready until loading finishes.

With --data-dir, the graph is restored from the snapshot store on start
and saved back on shutdown. A restored graph takes precedence over
--scenario.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	servePort     int
	serveDebug    bool
	serveScenario string
	serveDataDir  string
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable gin debug mode and request logging")
	serveCmd.Flags().StringVar(&serveScenario, "scenario", "", "Scenario file to preload")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Snapshot store directory (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Global
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveDebug {
		cfg.Server.Debug = true
	}
	if serveDataDir != "" {
		cfg.Server.DataDir = serveDataDir
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	slog.Info("telemetry initialized",
		slog.Bool("tracing", tel.Tracing),
		slog.String("metrics", tel.Metrics),
	)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svc := aggregation.NewService(aggregation.ServiceConfig{
		Name:          "serve",
		MaxDepth:      uint8(cfg.Tree.MaxDepth),
		MutationRate:  cfg.Server.MutationRate,
		MutationBurst: cfg.Server.MutationBurst,
	})

	if cfg.Server.DataDir != "" {
		storeCfg := snapshot.DefaultConfig(cfg.Server.DataDir)
		storeCfg.Logger = slog.Default()
		store, err := snapshot.Open(storeCfg)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer store.Close()
		svc.WithStore(store)
		defer saveOnShutdown(svc)
	}

	opts := extensions.DefaultOptions()
	if cfg.Server.APIToken != "" {
		opts = opts.WithAuth(extensions.NewStaticTokenProvider(cfg.Server.APIToken))
		defer extensions.PurgeSecrets()
	}
	if cfg.Server.Audit {
		opts = opts.WithAudit(extensions.NewSlogAuditLogger(slog.Default()))
	}
	defer func() {
		if err := opts.AuditLogger.Flush(context.Background()); err != nil {
			slog.Warn("audit flush failed", slog.String("error", err.Error()))
		}
	}()

	router, err := newRouter(svc, cfg.Server.Debug, opts)
	if err != nil {
		return err
	}

	if cfg.Server.DataDir != "" || serveScenario != "" {
		svc.SetReady(false)
		go preload(ctx, svc, serveScenario)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting aggtree server", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down aggtree server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// newRouter builds the gin engine with tracing, HTTP metrics, the
// aggregation routes behind opts, and /metrics.
func newRouter(svc *aggregation.Service, debug bool, opts extensions.ServiceOptions) (*gin.Engine, error) {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics, err := telemetry.NewMetrics(otel.Meter("aleutian.aggtree.http"))
	if err != nil {
		return nil, fmt.Errorf("create http metrics: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware("aggtree"), telemetry.GinMetrics(metrics))

	v1 := router.Group("/v1")
	aggregation.RegisterRoutes(v1, aggregation.NewHandlers(svc).WithMetrics(metrics).WithOptions(opts))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router, nil
}

// preload restores the stored snapshot, if the service has a store, or
// else runs the scenario at path. It marks the service ready when it
// finishes, whether or not it succeeded.
func preload(ctx context.Context, svc *aggregation.Service, path string) {
	defer svc.SetReady(true)

	restored, err := svc.RestoreSnapshot(ctx)
	switch {
	case errors.Is(err, aggregation.ErrNoStore):
	case err != nil:
		slog.Error("snapshot restore failed", slog.String("error", err.Error()))
		return
	case restored:
		if path != "" {
			slog.Warn("snapshot restored, skipping scenario", slog.String("path", path))
		}
		return
	}
	if path == "" {
		return
	}

	sc, err := LoadScenario(path)
	if err != nil {
		slog.Error("scenario load failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if err := sc.Run(ctx, svc.Graph(), io.Discard); err != nil {
		slog.Error("scenario preload failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	slog.Info("scenario preloaded", slog.String("scenario", sc.Name), slog.Int("steps", len(sc.Steps)))
}

// saveOnShutdown writes a final snapshot. It runs after the HTTP server
// has drained, so no request mutates the graph while it is captured.
func saveOnShutdown(svc *aggregation.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	snap, err := svc.SaveSnapshot(ctx)
	if err != nil {
		slog.Error("final snapshot failed", slog.String("error", err.Error()))
		return
	}
	slog.Info("final snapshot saved",
		slog.Uint64("version", snap.Version),
		slog.Int("tasks", len(snap.Tasks)),
	)
}

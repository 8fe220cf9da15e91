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
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCatalog/pkg/logging"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/config"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/server"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/telemetry"
)

func (a *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the catalog with health, readiness and metrics endpoints",
		Long: `Open the stores, keep the search backend's health tracked, and serve
/healthz, /readyz and /metrics until interrupted. With --config, edits to
log.level take effect without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := a.logger.Slog()

			shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
				}
			}()

			if a.configPath != "" {
				if err := config.Watch(a.configPath, logger, a.applyReload); err != nil {
					return err
				}
			}

			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				srv := server.New(server.Config{
					Addr:            a.cfg.Server.Addr,
					ReadTimeout:     a.cfg.Server.ReadTimeout,
					ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
					ServiceName:     a.cfg.Telemetry.ServiceName,
					Metrics:         telemetry.MetricsHandler(),
					Logger:          logger,
				}, rt.coord)
				logger.Info("catalog ready",
					slog.String("store", a.cfg.Store.Driver),
					slog.String("search", rt.coord.SearchPrimary()),
					slog.Bool("cache", a.cfg.Cache.Enabled))
				return srv.Run(ctx)
			})
		},
	}
}

// applyReload acts on the settings that can change without a restart.
func (a *cli) applyReload(cfg *config.Config) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return
	}
	if level != a.logger.Level() {
		a.logger.SetLevel(level)
		a.logger.Info("log level changed", slog.String("level", level.String()))
	}
}

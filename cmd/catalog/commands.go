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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCatalog/pkg/logging"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/config"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

// cli holds state shared by every command of one invocation.
type cli struct {
	configPath string
	principal  string

	cfg    *config.Config
	logger *logging.Logger
	out    io.Writer
}

// newRootCmd builds the command tree writing results to out.
func newRootCmd(out io.Writer) *cobra.Command {
	app := &cli{out: out}

	root := &cobra.Command{
		Use:   "catalog",
		Short: "Hierarchical catalog with a search index and read-through cache",
		Long: `Manage the category tree, tags and resources of the catalog.

Writes go to the primary store first. The search index and cache are
updated afterwards on a best-effort basis; "catalog repair" and
"catalog reindex" reconcile them.

Examples:
  catalog category create Mathematics
  catalog category create Algebra --parent <id>
  catalog category move <id> root
  catalog search categories --text alg
  catalog serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			return app.load()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if app.logger != nil {
				return app.logger.Close()
			}
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&app.configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().StringVar(&app.principal, "as", "", "principal recorded in audit fields")

	root.AddCommand(
		app.serveCmd(),
		app.categoryCmd(),
		app.tagCmd(),
		app.resourceCmd(),
		app.getCmd(),
		app.invalidateCmd(),
		app.searchCmd(),
		app.repairCmd(),
		app.reindexCmd(),
		app.configCmd(),
	)
	return root
}

func (a *cli) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:      level,
		LogDir:     cfg.Log.Dir,
		Service:    cfg.Telemetry.ServiceName,
		JSON:       cfg.Log.JSON,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	slog.SetDefault(a.logger.Slog())
	return nil
}

// withRuntime opens the stores for one command and closes them afterwards.
func (a *cli) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	if a.principal != "" {
		ctx = domain.WithPrincipal(ctx, domain.Principal{ID: a.principal})
	}
	rt, err := openRuntime(ctx, a.cfg, a.logger.Slog())
	if err != nil {
		return err
	}
	runErr := fn(ctx, rt)
	if err := rt.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// print writes v as indented JSON.
func (a *cli) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

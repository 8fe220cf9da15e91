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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/config"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

func (a *cli) repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Recompute ancestor paths and resource counters",
		Long: `Walk the whole category forest and rewrite any ancestor path that does
not match the parent chain, for example after a move was interrupted.
Categories whose parent chain never reaches the top level are reported as
orphans and left unchanged. Afterwards every category and tag resource
counter is compared with the resources that reference it and corrected.
Running it twice changes nothing the second time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.coord.RepairTree(ctx)
				if report == nil {
					return err
				}
				if perr := a.print(map[string]any{
					"checked":   report.Checked,
					"repaired":  entityIDs(report.Repaired),
					"orphans":   report.Orphans,
					"recounted": entityIDs(report.Recounted),
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func entityIDs(es []*domain.Entity) []string {
	ids := make([]string, 0, len(es))
	for _, e := range es {
		ids = append(ids, e.ID)
	}
	return ids
}

func (a *cli) reindexCmd() *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rewrite the search index from the primary store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks := make([]domain.Kind, 0, len(kinds))
			for _, k := range kinds {
				ks = append(ks, domain.Kind(k))
			}
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.coord.Reindex(ctx, ks...)
				if err != nil {
					return err
				}
				return a.print(report)
			})
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "category, tag or resource; repeatable (default all)")
	return cmd
}

func (a *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init [PATH]",
		Short:       "Write the default configuration as YAML",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return config.WriteDefault(a.out)
			}
			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if !force {
				flags |= os.O_EXCL
			}
			f, err := os.OpenFile(args[0], flags, 0o640)
			if err != nil {
				return fmt.Errorf("create %s: %w", args[0], err)
			}
			if err := config.WriteDefault(f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "wrote %s\n", args[0])
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return a.print(a.cfg)
		},
	}

	cmd.AddCommand(initCmd, show)
	return cmd
}

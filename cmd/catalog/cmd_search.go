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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
)

func (a *cli) searchCmd() *cobra.Command {
	var (
		q        search.Query
		parent   string
		category string
		tag      string
	)
	cmd := &cobra.Command{
		Use:   "search INDEX",
		Short: "Search categories, tags or resources",
		Long: `Search one index. When the search index is unavailable the primary
store answers instead; the result then has "degraded": true and no facets.

Indexes: categories, tags, resources
Facets:  parent_id (categories), category_id and tag_ids (resources)

Examples:
  catalog search categories --text math --facet parent_id
  catalog search resources --category <id> --sort resourceCount --desc`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("parent") {
				if parent == domain.RootParent {
					parent = ""
				}
				q.Filter.ParentID = &parent
			}
			q.Filter.CategoryID = category
			q.Filter.TagID = tag
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				res, err := rt.coord.Search(ctx, args[0], q)
				if err != nil {
					return err
				}
				return a.print(res)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.Text, "text", "", "free-text query")
	f.StringVar(&parent, "parent", "", `only categories directly under this id ("root" for top level)`)
	f.StringVar(&q.Filter.AncestorID, "under", "", "only categories anywhere below this id")
	f.StringVar(&category, "category", "", "only resources in this category")
	f.StringVar(&tag, "tag", "", "only resources with this tag")
	f.StringVar(&q.Sort.Field, "sort", "", "name, createdAt, updatedAt or resourceCount")
	f.BoolVar(&q.Sort.Desc, "desc", false, "sort descending")
	f.StringSliceVar(&q.Facets, "facet", nil, "facet field, repeatable")
	f.IntVar(&q.Page.Offset, "offset", 0, "items to skip")
	f.IntVar(&q.Page.Limit, "limit", domain.DefaultPageLimit, "items to return")
	return cmd
}

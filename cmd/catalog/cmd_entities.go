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
)

// =============================================================================
// category
// =============================================================================

func (a *cli) categoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "category",
		Short: "Create, move and delete categories",
	}

	var (
		parent string
		attrs  map[string]string
	)
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a category under --parent, or at the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				e, err := rt.coord.CreateCategory(ctx, domain.NewCategory{
					Name:       args[0],
					ParentID:   parent,
					Attributes: attributes(attrs),
				})
				if err != nil {
					return err
				}
				return a.print(e)
			})
		},
	}
	create.Flags().StringVar(&parent, "parent", "", "parent category id")
	create.Flags().StringToStringVar(&attrs, "attr", nil, "attribute key=value, repeatable")

	rename := &cobra.Command{
		Use:   "rename ID NAME",
		Short: "Rename a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				e, err := rt.coord.UpdateCategory(ctx, args[0], domain.UpdateCategory{Name: &args[1]})
				if err != nil {
					return err
				}
				return a.print(e)
			})
		},
	}

	move := &cobra.Command{
		Use:   "move ID PARENT",
		Short: `Move a category under PARENT, or to the top level with "root"`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				e, err := rt.coord.MoveCategory(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return a.print(e)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a category without children or resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.coord.DeleteCategory(ctx, args[0]); err != nil {
					return err
				}
				return a.print(map[string]string{"deleted": args[0]})
			})
		},
	}

	var page domain.Pagination
	children := &cobra.Command{
		Use:   "children [ID]",
		Short: "List the direct children of a category, or the roots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.RootParent
			if len(args) == 1 {
				id = args[0]
			}
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				p, err := rt.coord.ListChildren(ctx, id, page)
				if err != nil {
					return err
				}
				return a.print(p)
			})
		},
	}
	pageFlags(children, &page)

	subtree := &cobra.Command{
		Use:   "subtree ID",
		Short: "List every descendant of a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				p, err := rt.coord.Subtree(ctx, args[0], page)
				if err != nil {
					return err
				}
				return a.print(p)
			})
		},
	}
	pageFlags(subtree, &page)

	cmd.AddCommand(create, rename, move, del, children, subtree)
	return cmd
}

// =============================================================================
// tag
// =============================================================================

func (a *cli) tagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Create, rename and delete tags",
	}

	create := &cobra.Command{
		Use:  "create NAME",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				e, err := rt.coord.CreateTag(ctx, domain.NewTag{Name: args[0]})
				if err != nil {
					return err
				}
				return a.print(e)
			})
		},
	}

	rename := &cobra.Command{
		Use:  "rename ID NAME",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				e, err := rt.coord.UpdateTag(ctx, args[0], domain.UpdateTag{Name: &args[1]})
				if err != nil {
					return err
				}
				return a.print(e)
			})
		},
	}

	del := &cobra.Command{
		Use:  "delete ID",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.coord.DeleteTag(ctx, args[0]); err != nil {
					return err
				}
				return a.print(map[string]string{"deleted": args[0]})
			})
		},
	}

	cmd.AddCommand(create, rename, del)
	return cmd
}

// =============================================================================
// resource
// =============================================================================

func (a *cli) resourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Create, update and delete resources",
	}

	var (
		category string
		tags     []string
		attrs    map[string]string
	)
	create := &cobra.Command{
		Use:   "create NAME --category ID",
		Short: "Create a resource in a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				e, err := rt.coord.CreateResource(ctx, domain.NewResource{
					Name:       args[0],
					CategoryID: category,
					TagIDs:     tags,
					Attributes: attributes(attrs),
				})
				if err != nil {
					return err
				}
				return a.print(e)
			})
		},
	}
	create.Flags().StringVar(&category, "category", "", "category id")
	create.Flags().StringSliceVar(&tags, "tag", nil, "tag id, repeatable")
	create.Flags().StringToStringVar(&attrs, "attr", nil, "attribute key=value, repeatable")
	_ = create.MarkFlagRequired("category")

	var name string
	update := &cobra.Command{
		Use:   "update ID",
		Short: "Change a resource's name, category or tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd domain.UpdateResource
			if cmd.Flags().Changed("name") {
				upd.Name = &name
			}
			if cmd.Flags().Changed("category") {
				upd.CategoryID = &category
			}
			if cmd.Flags().Changed("tag") {
				upd.TagIDs = &tags
			}
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				e, err := rt.coord.UpdateResource(ctx, args[0], upd)
				if err != nil {
					return err
				}
				return a.print(e)
			})
		},
	}
	update.Flags().StringVar(&name, "name", "", "new name")
	update.Flags().StringVar(&category, "category", "", "new category id")
	update.Flags().StringSliceVar(&tags, "tag", nil, "replacement tag ids, repeatable")

	del := &cobra.Command{
		Use:  "delete ID",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.coord.DeleteResource(ctx, args[0]); err != nil {
					return err
				}
				return a.print(map[string]string{"deleted": args[0]})
			})
		},
	}

	cmd.AddCommand(create, update, del)
	return cmd
}

// =============================================================================
// get / invalidate
// =============================================================================

func (a *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Read any entity through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				e, err := rt.coord.GetEntity(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(e)
			})
		},
	}
}

func (a *cli) invalidateCmd() *cobra.Command {
	var related []string
	cmd := &cobra.Command{
		Use:   "invalidate ID",
		Short: "Drop cached views of an entity after an out-of-band write",
		Long: `Drop cached views of an entity after an out-of-band write.

The listings that contain an entity are found through the stored record.
When the entity was deleted out of band, pass its former parent and
ancestors with --related so their listings are dropped as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				rt.coord.Invalidate(ctx, args[0], related...)
				return a.print(map[string]any{"invalidated": args[0], "related": related})
			})
		},
	}
	cmd.Flags().StringSliceVar(&related, "related", nil, "further entity ids whose cached views to drop")
	return cmd
}

func pageFlags(cmd *cobra.Command, p *domain.Pagination) {
	cmd.Flags().IntVar(&p.Offset, "offset", 0, "items to skip")
	cmd.Flags().IntVar(&p.Limit, "limit", domain.DefaultPageLimit, "items to return")
}

func attributes(kv map[string]string) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]any, len(kv))
	for k, v := range kv {
		out[k] = v
	}
	return out
}

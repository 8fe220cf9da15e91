// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/cache"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/tree"
)

// CreateCategory creates a category below an optional parent.
//
// Outputs:
//
//	*domain.Entity - The stored category with its materialized path.
//	error - ErrValidation, ErrNotFound, ErrDuplicateName or ErrStoreUnavailable.
func (c *Coordinator) CreateCategory(ctx context.Context, cmd domain.NewCategory) (e *domain.Entity, err error) {
	const op = "create_category"
	ctx, done := c.begin(ctx, op, attribute.String("category.parent", cmd.ParentID))
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return nil, err
	}

	e, err = c.tree.Create(ctx, cmd)
	if err != nil {
		return nil, err
	}
	c.propagate(ctx, newChange(op).create(e))
	return e, nil
}

// UpdateCategory renames a category or replaces its attributes.
func (c *Coordinator) UpdateCategory(ctx context.Context, id string, cmd domain.UpdateCategory) (e *domain.Entity, err error) {
	const op = "update_category"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return nil, err
	}

	e, err = c.tree.Update(ctx, id, cmd)
	if err != nil {
		return nil, err
	}
	c.propagate(ctx, newChange(op).update(e))
	return e, nil
}

// MoveCategory re-parents a category and repairs its subtree.
//
// Description:
//
//	newParentID "root" (or "") detaches the category to the root. Every
//	repaired descendant is re-indexed, and cache views under both the old
//	and the new ancestors are invalidated. If the descendant walk fails
//	after the node itself moved, the committed part is still propagated and
//	the store error is returned; RepairTree completes the walk later.
//
// Outputs:
//
//	*domain.Entity - The moved category.
//	error - ErrNotFound, ErrCycle, ErrConflict or ErrStoreUnavailable.
func (c *Coordinator) MoveCategory(ctx context.Context, id, newParentID string) (e *domain.Entity, err error) {
	const op = "move_category"
	ctx, done := c.begin(ctx, op,
		attribute.String("entity.id", id),
		attribute.String("category.new_parent", newParentID))
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return nil, err
	}

	res, err := c.tree.Move(ctx, id, newParentID)
	if res != nil && len(res.Repaired) > 0 {
		repairedNodesTotal.WithLabelValues(op).Add(float64(len(res.Repaired)))
	}
	if res != nil && res.Changed {
		ch := newChange(op).update(res.Affected()...)
		c.propagate(ctx, ch.scope(res.OldParentID).scope(res.OldAncestors...))
	}
	if err != nil {
		return nil, err
	}
	return res.Node, nil
}

// DeleteCategory removes a leaf category with no attached resources.
//
// Outputs:
//
//	error - ErrNotFound, ErrHasChildren, ErrNotEmpty or ErrStoreUnavailable.
func (c *Coordinator) DeleteCategory(ctx context.Context, id string) (err error) {
	const op = "delete_category"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return err
	}

	deleted, err := c.tree.Delete(ctx, id)
	if err != nil {
		return err
	}
	c.propagate(ctx, newChange(op).remove(deleted))
	return nil
}

// ListChildren returns the direct children of a category, or the root
// categories when id is "" or "root". Pages are read through the cache.
func (c *Coordinator) ListChildren(ctx context.Context, id string, p domain.Pagination) (page domain.Page, err error) {
	const op = "list_children"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer func() { done(err) }()

	parent, err := c.resolveTreeRef(ctx, op, id)
	if err != nil {
		return domain.Page{}, err
	}
	p = p.Normalize()
	key := cache.ViewKey(parent, fmt.Sprintf("%s:%d:%d", cache.ViewChildren, p.Offset, p.Limit))
	return c.readPage(ctx, op, key, func(ctx context.Context) (domain.Page, error) {
		return c.store.FindMany(ctx, domain.Filter{Kind: domain.KindCategory, ParentID: domain.ParentIs(parent)},
			domain.Sort{}, p)
	})
}

// Subtree returns every strict descendant of a category through its
// materialized path, or every category when id is "" or "root".
func (c *Coordinator) Subtree(ctx context.Context, id string, p domain.Pagination) (page domain.Page, err error) {
	const op = "subtree"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer func() { done(err) }()

	root, err := c.resolveTreeRef(ctx, op, id)
	if err != nil {
		return domain.Page{}, err
	}
	p = p.Normalize()
	key := cache.ViewKey(root, fmt.Sprintf("%s:%d:%d", cache.ViewSubtree, p.Offset, p.Limit))
	return c.readPage(ctx, op, key, func(ctx context.Context) (domain.Page, error) {
		return c.store.FindMany(ctx, domain.Filter{Kind: domain.KindCategory, AncestorID: root}, domain.Sort{}, p)
	})
}

// RepairReport is the outcome of RepairTree.
type RepairReport struct {
	tree.RepairReport

	// Recounted holds the categories and tags whose resource counter was
	// corrected.
	Recounted []*domain.Entity
}

// RepairTree reconciles the materialized path of every category and the
// resource counter of every category and tag.
//
// Description:
//
//	Idempotent: a forest whose paths and counters are correct is read but
//	never written. Repaired categories are re-indexed and their cache views
//	invalidated. Orphans are reported, not modified. Counters are
//	recounted only after the path pass succeeded.
//
// Outputs:
//
//	*RepairReport - What was checked and rewritten, also on error.
//	error - ErrStoreUnavailable or ErrConflict.
func (c *Coordinator) RepairTree(ctx context.Context) (report *RepairReport, err error) {
	const op = "repair_tree"
	ctx, done := c.begin(ctx, op)
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return nil, err
	}

	report = &RepairReport{}
	paths, err := c.tree.RepairAll(ctx)
	if paths != nil {
		report.RepairReport = *paths
	}
	if len(report.Repaired) > 0 {
		repairedNodesTotal.WithLabelValues(op).Add(float64(len(report.Repaired)))
		c.propagate(ctx, newChange(op).update(report.Repaired...))
	}
	if err != nil {
		return report, err
	}

	report.Recounted, err = c.recountResources(ctx, op)
	if len(report.Recounted) > 0 {
		c.propagate(ctx, newChange(op).update(report.Recounted...))
	}
	return report, err
}

// resolveTreeRef maps a tree reference to a category id, "" for the root,
// and checks the category exists.
func (c *Coordinator) resolveTreeRef(ctx context.Context, op, id string) (string, error) {
	if id == "" || id == domain.RootParent {
		return "", nil
	}
	e, err := c.getEntity(ctx, op, id)
	if err != nil {
		return "", err
	}
	if e.Kind != domain.KindCategory {
		return "", domain.Errorf(domain.KindNotFound, op, id, "entity is a %s, not a category", e.Kind)
	}
	return e.ID, nil
}

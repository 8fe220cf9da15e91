// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

// RepairReport summarizes a reconciliation pass.
type RepairReport struct {
	// Checked counts the categories examined.
	Checked int

	// Repaired holds the categories whose path was rewritten.
	Repaired []*domain.Entity

	// Orphans lists categories whose parent chain does not reach the root,
	// either because a parent is missing or because the chain loops. They
	// are reported and left untouched.
	Orphans []string
}

// Repair reconciles one category and everything below it.
//
// Description:
//
//	Recomputes the node's path from its parent chain, then walks the
//	subtree. Safe to re-run: a subtree whose paths are already correct is
//	read but never written.
//
// Outputs:
//
//	*RepairReport - What was checked and rewritten.
//	error - ErrNotFound for a missing id, ErrStoreUnavailable on store failure.
func (m *Maintainer) Repair(ctx context.Context, id string) (*RepairReport, error) {
	const op = "repair_tree"
	ctx, span := tracer.Start(ctx, "TreeMaintainer.Repair")
	defer span.End()
	span.SetAttributes(attribute.String("category.id", id))

	node, err := m.loadCategory(ctx, m.store, op, id)
	if err != nil {
		return nil, err
	}
	report := &RepairReport{Checked: 1}

	path, ok, err := m.chain(ctx, node)
	if err != nil {
		return report, domain.Normalize(op, id, err)
	}
	if !ok {
		report.Orphans = append(report.Orphans, node.ID)
		return report, nil
	}
	fixed, err := m.setPath(ctx, node.ID, node.ParentID, path)
	if err != nil {
		return report, domain.Normalize(op, id, err)
	}
	if fixed != nil {
		report.Repaired = append(report.Repaired, fixed)
		node = fixed
	}

	repaired, visited, err := m.repairBelow(ctx, node)
	report.Checked += visited
	report.Repaired = append(report.Repaired, repaired...)
	span.SetAttributes(attribute.Int("tree.repaired", len(report.Repaired)))
	if err != nil {
		return report, domain.Normalize(op, id, err)
	}
	return report, nil
}

// RepairAll reconciles the whole forest.
//
// Description:
//
//	Walks breadth-first from every root category, rewriting stale paths.
//	Categories the walk never reaches are orphans and are reported. This is
//	the recovery path for a move that was interrupted mid-repair.
func (m *Maintainer) RepairAll(ctx context.Context) (*RepairReport, error) {
	const op = "repair_tree"
	ctx, span := tracer.Start(ctx, "TreeMaintainer.RepairAll")
	defer span.End()

	report := &RepairReport{}
	all, err := collect(ctx, m.store, domain.Filter{Kind: domain.KindCategory})
	if err != nil {
		return report, domain.Normalize(op, "", err)
	}
	report.Checked = len(all)

	reached := make(map[string]bool, len(all))
	for _, root := range all {
		if root.ParentID != "" {
			continue
		}
		reached[root.ID] = true
		fixed, err := m.setPath(ctx, root.ID, "", []string{})
		if err != nil {
			return report, domain.Normalize(op, root.ID, err)
		}
		if fixed != nil {
			report.Repaired = append(report.Repaired, fixed)
			root = fixed
		}
		repaired, err := m.walk(ctx, root, reached)
		report.Repaired = append(report.Repaired, repaired...)
		if err != nil {
			return report, domain.Normalize(op, root.ID, err)
		}
	}
	for _, e := range all {
		if !reached[e.ID] {
			report.Orphans = append(report.Orphans, e.ID)
		}
	}
	if len(report.Orphans) > 0 {
		m.logger.Warn("orphaned categories found",
			slog.String("op", op),
			slog.Int("count", len(report.Orphans)),
			slog.Any("ids", report.Orphans))
	}
	span.SetAttributes(
		attribute.Int("tree.checked", report.Checked),
		attribute.Int("tree.repaired", len(report.Repaired)),
		attribute.Int("tree.orphans", len(report.Orphans)),
	)
	return report, nil
}

// repairBelow rewrites the path of every strict descendant of node.
func (m *Maintainer) repairBelow(ctx context.Context, node *domain.Entity) ([]*domain.Entity, int, error) {
	visited := map[string]bool{node.ID: true}
	repaired, err := m.walk(ctx, node, visited)
	return repaired, len(visited) - 1, err
}

// walk is the breadth-first repair loop. visited doubles as the cycle guard
// for corrupted data and is updated with every node reached.
func (m *Maintainer) walk(ctx context.Context, start *domain.Entity, visited map[string]bool) ([]*domain.Entity, error) {
	var repaired []*domain.Entity
	queue := []*domain.Entity{start}
	steps := 0

	for len(queue) > 0 {
		steps++
		if steps%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return repaired, err
			}
		}
		parent := queue[0]
		queue = queue[1:]

		children, err := collect(ctx, m.store, domain.Filter{
			Kind:     domain.KindCategory,
			ParentID: domain.ParentIs(parent.ID),
		})
		if err != nil {
			return repaired, err
		}
		want := ComputeAncestors(parent)
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			if !slices.Equal(child.Ancestors, want) {
				fixed, err := m.setPath(ctx, child.ID, parent.ID, want)
				if err != nil {
					return repaired, err
				}
				if fixed != nil {
					repaired = append(repaired, fixed)
					child = fixed
				}
			}
			queue = append(queue, child)
		}
	}
	return repaired, nil
}

// setPath writes path to id if it differs, re-reading on version conflict.
// Returns nil when no write was needed. A node that moved to another parent
// in the meantime is left alone; its own move repairs it.
func (m *Maintainer) setPath(ctx context.Context, id, parentID string, path []string) (*domain.Entity, error) {
	var err error
	for attempt := 0; attempt < m.retries; attempt++ {
		var e *domain.Entity
		e, err = m.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.ParentID != parentID || slices.Equal(e.Ancestors, path) {
			return nil, nil
		}
		e.Ancestors = slices.Clone(path)
		e.Touch(ctx, m.now())
		err = m.store.Update(ctx, e)
		if err == nil {
			return e, nil
		}
		if domain.KindOf(err) != domain.KindConflict {
			return nil, err
		}
	}
	return nil, err
}

// chain follows ParentID pointers to the root and returns the path, root
// first. ok is false if a parent is missing or the chain loops.
func (m *Maintainer) chain(ctx context.Context, node *domain.Entity) ([]string, bool, error) {
	var reversed []string
	seen := map[string]bool{node.ID: true}
	for cur := node.ParentID; cur != ""; {
		if seen[cur] {
			return nil, false, nil
		}
		seen[cur] = true
		parent, err := m.store.FindByID(ctx, cur)
		if domain.KindOf(err) == domain.KindNotFound {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if parent.Kind != domain.KindCategory {
			return nil, false, nil
		}
		reversed = append(reversed, parent.ID)
		cur = parent.ParentID
	}
	slices.Reverse(reversed)
	if reversed == nil {
		reversed = []string{}
	}
	return reversed, true, nil
}

// collect pages through every match of f.
func collect(ctx context.Context, r domain.Reader, f domain.Filter) ([]*domain.Entity, error) {
	var out []*domain.Entity
	p := domain.Pagination{Limit: domain.MaxPageLimit}
	for {
		page, err := r.FindMany(ctx, f, domain.Sort{}, p)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		p.Offset += len(page.Items)
		if len(page.Items) == 0 || p.Offset >= page.Total {
			return out, nil
		}
	}
}

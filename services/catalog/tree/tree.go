// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree maintains the category hierarchy and its materialized paths.
//
// Every category stores the ordered ids of its ancestors, root first. The
// Maintainer keeps that path equal to the chain obtained by following
// ParentID, rejects moves that would create a cycle, and repairs subtrees
// whose paths went stale. It operates only on PrimaryStore data; search and
// cache propagation is the caller's job.
package tree

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

var tracer = otel.Tracer("catalog.tree")

// contextCheckInterval is how often traversals check for cancellation.
const contextCheckInterval = 100

// conflictAttempts bounds reruns of a guarded transaction that lost a commit
// race against a concurrent writer.
const conflictAttempts = 3

// Config configures a Maintainer.
type Config struct {
	// Store is the authoritative record store. Required.
	Store domain.PrimaryStore

	// ConflictRetries bounds re-reads when a path repair loses an optimistic
	// update against a concurrent writer. Default: 3.
	ConflictRetries int

	// Now overrides the clock in tests.
	Now func() time.Time

	Logger *slog.Logger
}

// Maintainer enforces the ancestor invariants on structural mutation.
//
// Thread Safety: Safe for concurrent use. No application-level locks are
// held; concurrent moves of the same node are arbitrated by the store's
// version check.
type Maintainer struct {
	store   domain.PrimaryStore
	retries int
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Maintainer.
func New(cfg Config) (*Maintainer, error) {
	if cfg.Store == nil {
		return nil, errors.New("tree maintainer requires a store")
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Maintainer{
		store:   cfg.Store,
		retries: cfg.ConflictRetries,
		now:     cfg.Now,
		logger:  cfg.Logger.With(slog.String("component", "tree_maintainer")),
	}, nil
}

// ComputeAncestors returns the materialized path for a child of parent.
// A nil parent yields an empty path.
func ComputeAncestors(parent *domain.Entity) []string {
	if parent == nil {
		return []string{}
	}
	path := make([]string, 0, len(parent.Ancestors)+1)
	path = append(path, parent.Ancestors...)
	return append(path, parent.ID)
}

// isRootRef reports whether a parent reference addresses the forest root.
func isRootRef(parentID string) bool {
	return parentID == "" || parentID == domain.RootParent
}

// resolveParent loads a prospective parent. A root reference yields nil.
func resolveParent(ctx context.Context, r domain.Reader, op, parentID string) (*domain.Entity, error) {
	if isRootRef(parentID) {
		return nil, nil
	}
	parent, err := r.FindByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Kind != domain.KindCategory {
		return nil, domain.Errorf(domain.KindNotFound, op, parentID, "parent is a %s, not a category", parent.Kind)
	}
	return parent, nil
}

// -----------------------------------------------------------------------------
// Create / Update
// -----------------------------------------------------------------------------

// Create inserts a category below an optional parent.
//
// Description:
//
//	The parent read and the insert share one transaction, so the parent
//	cannot disappear between them. Name uniqueness is global and enforced by
//	the store; a concurrent create that wins the name surfaces here as
//	ErrDuplicateName rather than a generic conflict.
//
// Inputs:
//
//	ctx - Carries the principal recorded in the audit fields.
//	cmd - Validated create command. ParentID "" or "root" creates a root.
//
// Outputs:
//
//	*domain.Entity - The stored category.
//	error - ErrValidation, ErrNotFound, ErrDuplicateName or ErrStoreUnavailable.
func (m *Maintainer) Create(ctx context.Context, cmd domain.NewCategory) (*domain.Entity, error) {
	const op = "create_category"
	if err := domain.Validate(op, cmd); err != nil {
		return nil, err
	}
	e := &domain.Entity{
		Kind:       domain.KindCategory,
		Name:       domain.NormalizeName(cmd.Name),
		Attributes: cmd.Attributes,
	}
	e.Stamp(ctx, m.now())

	err := m.store.WithinTx(ctx, func(tx domain.Tx) error {
		parent, err := resolveParent(ctx, tx, op, cmd.ParentID)
		if err != nil {
			return err
		}
		if parent != nil {
			e.ParentID = parent.ID
		}
		e.Ancestors = ComputeAncestors(parent)
		return tx.Create(ctx, e)
	})
	if domain.KindOf(err) == domain.KindConflict && m.nameTakenByOther(ctx, e) {
		return nil, domain.E(domain.KindDuplicateName, op, e.Name, err)
	}
	if err != nil {
		return nil, domain.Normalize(op, e.ID, err)
	}
	return e, nil
}

// nameTakenByOther checks whether a conflicting writer claimed e's name.
func (m *Maintainer) nameTakenByOther(ctx context.Context, e *domain.Entity) bool {
	page, err := m.store.FindMany(ctx, domain.Filter{Kind: e.Kind, Name: e.Name}, domain.Sort{}, domain.Pagination{Limit: 1})
	if err != nil || len(page.Items) == 0 {
		return false
	}
	return page.Items[0].ID != e.ID
}

// Update renames a category or replaces its attributes. The hierarchy is
// untouched; use Move to change the parent.
func (m *Maintainer) Update(ctx context.Context, id string, cmd domain.UpdateCategory) (*domain.Entity, error) {
	const op = "update_category"
	if err := domain.Validate(op, cmd); err != nil {
		return nil, err
	}
	e, err := m.loadCategory(ctx, m.store, op, id)
	if err != nil {
		return nil, err
	}
	if cmd.Name != nil {
		e.Name = domain.NormalizeName(*cmd.Name)
	}
	if cmd.Attributes != nil {
		e.Attributes = cmd.Attributes
	}
	e.Touch(ctx, m.now())
	if err := m.store.Update(ctx, e); err != nil {
		return nil, domain.Normalize(op, id, err)
	}
	return e, nil
}

// loadCategory reads id and checks it is a category.
func (m *Maintainer) loadCategory(ctx context.Context, r domain.Reader, op, id string) (*domain.Entity, error) {
	if id == "" {
		return nil, domain.Errorf(domain.KindValidation, op, "", "missing category id")
	}
	e, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, domain.Normalize(op, id, err)
	}
	if e.Kind != domain.KindCategory {
		return nil, domain.Errorf(domain.KindNotFound, op, id, "entity is a %s, not a category", e.Kind)
	}
	return e, nil
}

// -----------------------------------------------------------------------------
// Move
// -----------------------------------------------------------------------------

// MoveResult describes the effect of a move.
type MoveResult struct {
	// Node is the moved category as stored.
	Node *domain.Entity

	// Changed is false when the node already sat below the target.
	Changed bool

	// OldParentID and OldAncestors are the node's position before the move.
	OldParentID  string
	OldAncestors []string

	// Repaired holds every strict descendant whose path was rewritten.
	Repaired []*domain.Entity

	// Visited counts the descendants examined by the repair walk.
	Visited int
}

// Affected returns the moved node followed by every repaired descendant.
func (r *MoveResult) Affected() []*domain.Entity {
	if r == nil || r.Node == nil {
		return nil
	}
	return append([]*domain.Entity{r.Node}, r.Repaired...)
}

// Move re-parents a category and repairs its subtree.
//
// Description:
//
//	Reads the node and the prospective parent in one transaction and
//	rejects the move when the parent is the node itself or lists the node
//	in its current path. The check uses the parent's path as stored before
//	any mutation. Only the node's own write is transactional; descendants
//	are then repaired one write at a time, breadth-first, each visited
//	once. A failure during that walk leaves stale paths behind that
//	Repair or RepairAll will fix.
//
//	The cycle check trusts the stored path of the new parent. While
//	another move is still walking its descendants, or after a crash
//	interrupted one, that path can be stale and miss the node. Two such
//	moves can then commit a parent loop. RepairAll reports every category
//	on a loop as an orphan and leaves it for an operator to re-parent.
//
// Inputs:
//
//	ctx - Carries the principal recorded in the audit fields.
//	id - The category to move.
//	newParentID - Target parent, or "root"/"" to detach to the root.
//
// Outputs:
//
//	*MoveResult - Non-nil whenever the node's own write committed, even if
//	    the descendant walk then failed.
//	error - ErrNotFound, ErrCycle, ErrConflict or ErrStoreUnavailable.
func (m *Maintainer) Move(ctx context.Context, id, newParentID string) (*MoveResult, error) {
	const op = "move_category"
	ctx, span := tracer.Start(ctx, "TreeMaintainer.Move", trace.WithAttributes(
		attribute.String("category.id", id),
		attribute.String("category.new_parent", newParentID),
	))
	defer span.End()

	res := &MoveResult{}
	err := m.store.WithinTx(ctx, func(tx domain.Tx) error {
		node, err := m.loadCategory(ctx, tx, op, id)
		if err != nil {
			return err
		}
		parent, err := resolveParent(ctx, tx, op, newParentID)
		if err != nil {
			return err
		}
		if parent != nil && (parent.ID == node.ID || parent.HasAncestor(node.ID)) {
			return domain.Errorf(domain.KindCycle, op, id, "cannot move below %q", parent.ID)
		}

		res.OldParentID = node.ParentID
		res.OldAncestors = slices.Clone(node.Ancestors)

		nextParent := ""
		if parent != nil {
			nextParent = parent.ID
		}
		nextPath := ComputeAncestors(parent)
		if node.ParentID == nextParent && slices.Equal(node.Ancestors, nextPath) {
			res.Node = node
			return nil
		}
		node.ParentID = nextParent
		node.Ancestors = nextPath
		node.Touch(ctx, m.now())
		if err := tx.Update(ctx, node); err != nil {
			return err
		}
		res.Node = node
		res.Changed = true
		return nil
	})
	if err != nil {
		err = domain.Normalize(op, id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !res.Changed {
		span.SetAttributes(attribute.Bool("category.unchanged", true))
		return res, nil
	}

	repaired, visited, err := m.repairBelow(ctx, res.Node)
	res.Repaired = repaired
	res.Visited = visited
	span.SetAttributes(
		attribute.Int("tree.visited", visited),
		attribute.Int("tree.repaired", len(repaired)),
	)
	if err != nil {
		m.logger.Error("descendant repair interrupted",
			slog.String("op", op),
			slog.String("entity_id", id),
			slog.Int("repaired", len(repaired)),
			slog.String("error", err.Error()))
		err = domain.Normalize(op, id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	return res, nil
}

// -----------------------------------------------------------------------------
// Delete
// -----------------------------------------------------------------------------

// Delete removes a leaf category with no attached resources.
//
// Description:
//
//	Deletion never cascades. The child check and the resource check run in
//	the same transaction as the delete. Attached resources are detected both
//	through the denormalized counter and through a direct reference lookup,
//	so a drifted counter cannot let a referenced category go.
//
// Outputs:
//
//	*domain.Entity - The category as it was before deletion.
//	error - ErrNotFound, ErrHasChildren, ErrNotEmpty, ErrConflict or
//	    ErrStoreUnavailable.
func (m *Maintainer) Delete(ctx context.Context, id string) (*domain.Entity, error) {
	const op = "delete_category"
	var (
		deleted *domain.Entity
		err     error
	)
	// A resource committed while the guards ran makes the commit conflict;
	// running again sees it and refuses with ErrNotEmpty.
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		err = m.store.WithinTx(ctx, func(tx domain.Tx) error {
			node, err := m.loadCategory(ctx, tx, op, id)
			if err != nil {
				return err
			}
			children, err := tx.FindMany(ctx, domain.Filter{Kind: domain.KindCategory, ParentID: domain.ParentIs(id)},
				domain.Sort{}, domain.Pagination{Limit: 1})
			if err != nil {
				return err
			}
			if children.Total > 0 {
				return domain.Errorf(domain.KindHasChildren, op, id, "%d child categories", children.Total)
			}
			if node.ResourceCount > 0 {
				return domain.Errorf(domain.KindNotEmpty, op, id, "%d attached resources", node.ResourceCount)
			}
			refs, err := tx.FindMany(ctx, domain.Filter{Kind: domain.KindResource, CategoryID: id},
				domain.Sort{}, domain.Pagination{Limit: 1})
			if err != nil {
				return err
			}
			if refs.Total > 0 {
				return domain.Errorf(domain.KindNotEmpty, op, id, "%d attached resources", refs.Total)
			}
			deleted = node
			return tx.Delete(ctx, id)
		})
		if domain.KindOf(err) != domain.KindConflict {
			break
		}
	}
	if err != nil {
		return nil, domain.Normalize(op, id, err)
	}
	return deleted, nil
}

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
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

// CreateResource creates a resource in a category with optional tags and
// increments the resource counters of the category and every tag.
//
// Description:
//
//	The category and tag reads, the insert and the counter increments run
//	in one store transaction. A concurrent DeleteCategory or DeleteTag
//	therefore either sees the resource and refuses, or commits first and
//	this call fails with ErrNotFound without storing anything.
//
// Outputs:
//
//	*domain.Entity - The stored resource.
//	error - ErrValidation, ErrNotFound for a missing category or tag,
//	    ErrConflict or ErrStoreUnavailable. Nothing is stored on error.
func (c *Coordinator) CreateResource(ctx context.Context, cmd domain.NewResource) (e *domain.Entity, err error) {
	const op = "create_resource"
	ctx, done := c.begin(ctx, op, attribute.String("resource.category", cmd.CategoryID))
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return nil, err
	}
	if err = domain.Validate(op, cmd); err != nil {
		return nil, err
	}

	var (
		created *domain.Entity
		ch      *change
	)
	err = c.withinTx(ctx, op, func(tx domain.Tx) error {
		known := make(map[string]*domain.Entity, len(cmd.TagIDs)+1)
		if err := c.loadRefs(ctx, tx, op, cmd.CategoryID, cmd.TagIDs, known); err != nil {
			return err
		}
		r := &domain.Entity{
			Kind:       domain.KindResource,
			Name:       domain.NormalizeName(cmd.Name),
			CategoryID: cmd.CategoryID,
			TagIDs:     slices.Clone(cmd.TagIDs),
			Attributes: cmd.Attributes,
		}
		r.Stamp(ctx, c.cfg.Now())
		if err := tx.Create(ctx, r); err != nil {
			return err
		}
		next := newChange(op).create(r)
		if err := c.adjustCounts(ctx, tx, op, next, referenceDeltas(nil, r), known); err != nil {
			return err
		}
		created, ch = r, next
		return nil
	})
	if err != nil {
		return nil, domain.Normalize(op, "", err)
	}
	c.propagate(ctx, ch)
	return created, nil
}

// UpdateResource changes a resource and moves its counter contributions
// when the category or tag set changes. Like CreateResource, the reference
// checks, the update and the counter changes share one transaction.
func (c *Coordinator) UpdateResource(ctx context.Context, id string, cmd domain.UpdateResource) (e *domain.Entity, err error) {
	const op = "update_resource"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return nil, err
	}
	if err = domain.Validate(op, cmd); err != nil {
		return nil, err
	}

	var (
		updated *domain.Entity
		ch      *change
	)
	err = c.withinTx(ctx, op, func(tx domain.Tx) error {
		r, err := c.loadKind(ctx, tx, op, id, domain.KindResource)
		if err != nil {
			return err
		}
		before := r.Clone()

		if cmd.Name != nil {
			r.Name = domain.NormalizeName(*cmd.Name)
		}
		if cmd.CategoryID != nil {
			r.CategoryID = *cmd.CategoryID
		}
		if cmd.TagIDs != nil {
			r.TagIDs = slices.Clone(*cmd.TagIDs)
		}
		if cmd.Attributes != nil {
			r.Attributes = cmd.Attributes
		}

		known := make(map[string]*domain.Entity)
		var newTags []string
		for _, t := range r.TagIDs {
			if !slices.Contains(before.TagIDs, t) {
				newTags = append(newTags, t)
			}
		}
		newCategory := ""
		if r.CategoryID != before.CategoryID {
			newCategory = r.CategoryID
		}
		if err := c.loadRefs(ctx, tx, op, newCategory, newTags, known); err != nil {
			return err
		}

		r.Touch(ctx, c.cfg.Now())
		if err := tx.Update(ctx, r); err != nil {
			return err
		}
		next := newChange(op).update(r)
		if err := c.adjustCounts(ctx, tx, op, next, referenceDeltas(before, r), known); err != nil {
			return err
		}
		updated, ch = r, next
		return nil
	})
	if err != nil {
		return nil, domain.Normalize(op, id, err)
	}
	c.propagate(ctx, ch)
	return updated, nil
}

// DeleteResource removes a resource and decrements its category and tag
// counters in the same transaction.
func (c *Coordinator) DeleteResource(ctx context.Context, id string) (err error) {
	const op = "delete_resource"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return err
	}

	var ch *change
	err = c.withinTx(ctx, op, func(tx domain.Tx) error {
		r, err := c.loadKind(ctx, tx, op, id, domain.KindResource)
		if err != nil {
			return err
		}
		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		next := newChange(op).remove(r)
		if err := c.adjustCounts(ctx, tx, op, next, referenceDeltas(r, nil), map[string]*domain.Entity{}); err != nil {
			return err
		}
		ch = next
		return nil
	})
	if err != nil {
		return domain.Normalize(op, id, err)
	}
	c.propagate(ctx, ch)
	return nil
}

// loadRefs checks that a category and tags exist and records them in known.
// An empty categoryID is skipped.
func (c *Coordinator) loadRefs(ctx context.Context, r domain.Reader, op, categoryID string, tagIDs []string, known map[string]*domain.Entity) error {
	if categoryID != "" {
		cat, err := c.loadKind(ctx, r, op, categoryID, domain.KindCategory)
		if err != nil {
			return err
		}
		known[cat.ID] = cat
	}
	for _, id := range tagIDs {
		tag, err := c.loadKind(ctx, r, op, id, domain.KindTag)
		if err != nil {
			return err
		}
		known[tag.ID] = tag
	}
	return nil
}

// referenceDeltas computes the counter change per referenced entity when a
// resource goes from before to after. Either side may be nil.
func referenceDeltas(before, after *domain.Entity) map[string]int64 {
	deltas := make(map[string]int64)
	refs := func(e *domain.Entity, sign int64) {
		if e == nil {
			return
		}
		if e.CategoryID != "" {
			deltas[e.CategoryID] += sign
		}
		for _, t := range e.TagIDs {
			deltas[t] += sign
		}
	}
	refs(before, -1)
	refs(after, 1)
	for id, d := range deltas {
		if d == 0 {
			delete(deltas, id)
		}
	}
	return deltas
}

// adjustCounts applies counter deltas inside tx and adds the refreshed
// counters to ch. A decrement for an entity that no longer exists is
// skipped; RepairTree recounts whatever that leaves behind.
func (c *Coordinator) adjustCounts(ctx context.Context, tx domain.Tx, op string, ch *change, deltas map[string]int64, known map[string]*domain.Entity) error {
	for id, delta := range deltas {
		n, err := tx.Increment(ctx, id, delta)
		if delta < 0 && domain.KindOf(err) == domain.KindNotFound {
			c.logger.Warn("counter target vanished",
				slog.String("op", op),
				slog.String("entity_id", id),
				slog.Int64("delta", delta))
			ch.scope(id)
			continue
		}
		if err != nil {
			return err
		}
		ref, ok := known[id]
		if !ok {
			if ref, err = tx.FindByID(ctx, id); err != nil {
				return err
			}
		}
		ref = ref.Clone()
		ref.ResourceCount = n
		ch.update(ref)
	}
	return nil
}

// recountResources corrects category and tag counters that disagree with
// the resources referencing them.
//
// Description:
//
//	A first pass tallies references outside any transaction. Each entity
//	whose counter disagrees with the tally is then rechecked and corrected
//	in its own transaction, so a resource written in between is counted
//	exactly once.
func (c *Coordinator) recountResources(ctx context.Context, op string) ([]*domain.Entity, error) {
	tally := make(map[string]int64)
	err := c.scan(ctx, domain.KindResource, func(r *domain.Entity) {
		if r.CategoryID != "" {
			tally[r.CategoryID]++
		}
		for _, t := range r.TagIDs {
			tally[t]++
		}
	})
	if err != nil {
		return nil, err
	}

	var suspects []string
	for _, kind := range []domain.Kind{domain.KindCategory, domain.KindTag} {
		err := c.scan(ctx, kind, func(e *domain.Entity) {
			if e.ResourceCount != tally[e.ID] {
				suspects = append(suspects, e.ID)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	var fixed []*domain.Entity
	for _, id := range suspects {
		var corrected *domain.Entity
		err := c.withinTx(ctx, op, func(tx domain.Tx) error {
			corrected = nil
			e, err := tx.FindByID(ctx, id)
			if domain.KindOf(err) == domain.KindNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			f := domain.Filter{Kind: domain.KindResource, CategoryID: id}
			if e.Kind == domain.KindTag {
				f = domain.Filter{Kind: domain.KindResource, TagID: id}
			}
			refs, err := tx.FindMany(ctx, f, domain.Sort{}, domain.Pagination{Limit: 1})
			if err != nil {
				return err
			}
			want := int64(refs.Total)
			if want == e.ResourceCount {
				return nil
			}
			n, err := tx.Increment(ctx, id, want-e.ResourceCount)
			if err != nil {
				return err
			}
			c.logger.Warn("resource counter corrected",
				slog.String("entity_id", id),
				slog.Int64("was", e.ResourceCount),
				slog.Int64("now", n))
			e.ResourceCount = n
			corrected = e
			return nil
		})
		if err != nil {
			return fixed, domain.Normalize(op, id, err)
		}
		if corrected != nil {
			fixed = append(fixed, corrected)
		}
	}
	return fixed, nil
}

// scan calls fn for every entity of kind, page by page.
func (c *Coordinator) scan(ctx context.Context, kind domain.Kind, fn func(*domain.Entity)) error {
	p := domain.Pagination{Limit: domain.MaxPageLimit}
	for {
		page, err := c.store.FindMany(ctx, domain.Filter{Kind: kind}, domain.Sort{Field: domain.SortByCreatedAt}, p)
		if err != nil {
			return domain.Normalize("scan", "", err)
		}
		for _, e := range page.Items {
			fn(e)
		}
		p.Offset += len(page.Items)
		if len(page.Items) == 0 || p.Offset >= page.Total {
			return nil
		}
	}
}

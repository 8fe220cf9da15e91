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

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

// CreateTag creates a tag. Names are globally unique among tags.
func (c *Coordinator) CreateTag(ctx context.Context, cmd domain.NewTag) (e *domain.Entity, err error) {
	const op = "create_tag"
	ctx, done := c.begin(ctx, op)
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return nil, err
	}
	if err = domain.Validate(op, cmd); err != nil {
		return nil, err
	}

	e = &domain.Entity{
		Kind:       domain.KindTag,
		Name:       domain.NormalizeName(cmd.Name),
		Attributes: cmd.Attributes,
	}
	e.Stamp(ctx, c.cfg.Now())
	if err = c.store.Create(ctx, e); err != nil {
		return nil, domain.Normalize(op, e.ID, err)
	}
	c.propagate(ctx, newChange(op).create(e))
	return e, nil
}

// UpdateTag renames a tag or replaces its attributes.
func (c *Coordinator) UpdateTag(ctx context.Context, id string, cmd domain.UpdateTag) (e *domain.Entity, err error) {
	const op = "update_tag"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return nil, err
	}
	if err = domain.Validate(op, cmd); err != nil {
		return nil, err
	}

	e, err = c.loadKind(ctx, c.store, op, id, domain.KindTag)
	if err != nil {
		return nil, err
	}
	if cmd.Name != nil {
		e.Name = domain.NormalizeName(*cmd.Name)
	}
	if cmd.Attributes != nil {
		e.Attributes = cmd.Attributes
	}
	e.Touch(ctx, c.cfg.Now())
	if err = c.store.Update(ctx, e); err != nil {
		return nil, domain.Normalize(op, id, err)
	}
	c.propagate(ctx, newChange(op).update(e))
	return e, nil
}

// DeleteTag removes a tag no resource references. A resource that commits
// while the guards run makes the delete rerun and refuse.
//
// Outputs:
//
//	error - ErrNotFound, ErrNotEmpty, ErrConflict or ErrStoreUnavailable.
func (c *Coordinator) DeleteTag(ctx context.Context, id string) (err error) {
	const op = "delete_tag"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer func() { done(err) }()
	if err = c.checkOpen(op); err != nil {
		return err
	}

	var deleted *domain.Entity
	err = c.withinTx(ctx, op, func(tx domain.Tx) error {
		tag, err := c.loadKind(ctx, tx, op, id, domain.KindTag)
		if err != nil {
			return err
		}
		if tag.ResourceCount > 0 {
			return domain.Errorf(domain.KindNotEmpty, op, id, "%d attached resources", tag.ResourceCount)
		}
		refs, err := tx.FindMany(ctx, domain.Filter{Kind: domain.KindResource, TagID: id},
			domain.Sort{}, domain.Pagination{Limit: 1})
		if err != nil {
			return err
		}
		if refs.Total > 0 {
			return domain.Errorf(domain.KindNotEmpty, op, id, "%d attached resources", refs.Total)
		}
		deleted = tag
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return domain.Normalize(op, id, err)
	}
	c.propagate(ctx, newChange(op).remove(deleted))
	return nil
}

// loadKind reads id and checks its kind. A kind mismatch is NotFound: the
// caller asked for an entity of that kind and there is none.
func (c *Coordinator) loadKind(ctx context.Context, r domain.Reader, op, id string, kind domain.Kind) (*domain.Entity, error) {
	if id == "" {
		return nil, domain.Errorf(domain.KindValidation, op, "", "missing %s id", kind)
	}
	e, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, domain.Normalize(op, id, err)
	}
	if e.Kind != kind {
		return nil, domain.Errorf(domain.KindNotFound, op, id, "entity is a %s, not a %s", e.Kind, kind)
	}
	return e, nil
}

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
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/cache"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
)

// GetEntity returns any entity by id through the read-through cache.
//
// Description:
//
//	A cache hit returns without touching the primary store. On a miss the
//	store is read once per key even under concurrent callers, and the
//	result is cached for CacheTTL. Cache failures degrade to a store read.
//
// Outputs:
//
//	*domain.Entity - A copy the caller may modify.
//	error - ErrValidation, ErrNotFound or ErrStoreUnavailable.
func (c *Coordinator) GetEntity(ctx context.Context, id string) (e *domain.Entity, err error) {
	const op = "get_entity"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer func() { done(err) }()
	return c.getEntity(ctx, op, id)
}

func (c *Coordinator) getEntity(ctx context.Context, op, id string) (*domain.Entity, error) {
	if id == "" {
		return nil, domain.Errorf(domain.KindValidation, op, "", "missing id")
	}
	key := cache.EntityKey(id)
	var cached domain.Entity
	if c.cacheGet(ctx, op, key, &cached) {
		return &cached, nil
	}

	v, err := c.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
		e, err := c.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cacheSet(ctx, op, key, e)
		return e, nil
	})
	if err != nil {
		return nil, domain.Normalize(op, id, err)
	}
	return v.(*domain.Entity).Clone(), nil
}

// pageView is the cached form of a domain.Page.
type pageView struct {
	Items []*domain.Entity `json:"items"`
	Total int              `json:"total"`
}

// readPage serves a list view through the cache.
func (c *Coordinator) readPage(ctx context.Context, op, key string, load func(context.Context) (domain.Page, error)) (domain.Page, error) {
	var cached pageView
	if c.cacheGet(ctx, op, key, &cached) {
		if cached.Items == nil {
			cached.Items = []*domain.Entity{}
		}
		return domain.Page{Items: cached.Items, Total: cached.Total}, nil
	}

	v, err := c.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
		page, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.cacheSet(ctx, op, key, pageView{Items: page.Items, Total: page.Total})
		return page, nil
	})
	if err != nil {
		return domain.Page{}, domain.Normalize(op, "", err)
	}
	page := v.(domain.Page)
	items := make([]*domain.Entity, len(page.Items))
	for i, e := range page.Items {
		items[i] = e.Clone()
	}
	return domain.Page{Items: items, Total: page.Total}, nil
}

// shared runs load once per key across concurrent callers. The load runs
// detached from the caller that started it and is bounded by ReadTimeout,
// so one caller's cancellation never fails the others. A cancelled caller
// stops waiting and gets its own context error.
func (c *Coordinator) shared(ctx context.Context, key string, load func(context.Context) (interface{}, error)) (interface{}, error) {
	results := c.flight.DoChan(key, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReadTimeout)
		defer cancel()
		return load(sctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-results:
		return r.Val, r.Err
	}
}

// cacheGet decodes key into dst. Any cache failure counts as a miss.
func (c *Coordinator) cacheGet(ctx context.Context, op, key string, dst any) bool {
	if c.cache == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.PropagationTimeout)
	defer cancel()
	data, ok, err := c.cache.Get(cctx, key)
	if err != nil {
		c.logger.Warn("cache read failed",
			slog.String("op", op),
			slog.String("key", key),
			slog.String("error", err.Error()))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("dropping undecodable cache entry",
			slog.String("key", key),
			slog.String("error", err.Error()))
		_ = c.cache.Delete(cctx, key)
		return false
	}
	return true
}

// cacheSet stores value under key. Failures are logged.
func (c *Coordinator) cacheSet(ctx context.Context, op, key string, value any) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PropagationTimeout)
	defer cancel()
	if err := c.cache.Set(cctx, key, data, c.cfg.CacheTTL); err != nil {
		propagationFailuresTotal.WithLabelValues("cache", op).Inc()
		c.logger.Warn("cache fill failed",
			slog.String("op", op),
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Invalidate drops every cached view of an entity after an out-of-band
// write. For a category the views that list it are dropped too. Failures
// are logged, never returned.
//
// Description:
//
//	The listing views are found through the stored entity. After an
//	out-of-band delete there is nothing left to read, so only the entity's
//	own keys and the root listings are dropped; the views of its former
//	parent and ancestors stay cached until their TTL unless their ids are
//	passed as related.
//
// Inputs:
//
//	ctx - Bounds the store read. Invalidation itself is not cancelled.
//	id - The entity written out of band.
//	related - Further entities whose cached views must go, such as the
//	    former parent and ancestors of a deleted category.
func (c *Coordinator) Invalidate(ctx context.Context, id string, related ...string) {
	const op = "invalidate"
	ctx, done := c.begin(ctx, op, attribute.String("entity.id", id))
	defer done(nil)

	ch := newChange(op).scope(id).scope(related...)
	if e, err := c.store.FindByID(ctx, id); err == nil {
		ch.entityScope(e)
	} else if domain.KindOf(err) == domain.KindNotFound {
		ch.scope("")
	}
	c.invalidate(context.WithoutCancel(ctx), op, ch.scopes)
}

// Search runs a query against one index.
//
// Description:
//
//	The index serves the request while it reports healthy. When it is
//	unavailable, fails or times out, the primary store answers instead
//	with the same result shape, an empty facet map and Degraded set.
//
// Outputs:
//
//	search.Result - Items, facets and total.
//	error - ErrValidation for an unknown index, sort or facet, or
//	    ErrStoreUnavailable when the fallback also fails.
func (c *Coordinator) Search(ctx context.Context, index string, q search.Query) (res search.Result, err error) {
	const op = "search"
	ctx, done := c.begin(ctx, op, attribute.String("search.index", index))
	defer func() { done(err) }()

	res, err = c.selector.Search(ctx, index, q)
	if err != nil {
		return search.Result{}, err
	}
	recordSearch(index, res.Backend, res.Degraded)
	return res, nil
}

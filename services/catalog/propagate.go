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

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/cache"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
)

// change is the derived-store work produced by one committed mutation.
type change struct {
	op string

	// created and updated are indexed with IndexDocument and
	// UpdateDocument respectively.
	created []*domain.Entity
	updated []*domain.Entity

	// deleted are removed from their index.
	deleted []*domain.Entity

	// scopes are entity ids whose cache namespaces are dropped. "" is the
	// forest root.
	scopes map[string]struct{}
}

func newChange(op string) *change {
	return &change{op: op, scopes: make(map[string]struct{})}
}

// scope adds ids to the invalidation set.
func (ch *change) scope(ids ...string) *change {
	for _, id := range ids {
		ch.scopes[id] = struct{}{}
	}
	return ch
}

// categoryScope covers a category and every view that lists it: its
// parent's children, each ancestor's subtree and the root views.
func (ch *change) categoryScope(e *domain.Entity) *change {
	ch.scope(e.ID, e.ParentID, "")
	return ch.scope(e.Ancestors...)
}

// entityScope picks the scope rule for e's kind.
func (ch *change) entityScope(e *domain.Entity) *change {
	if e.Kind == domain.KindCategory {
		return ch.categoryScope(e)
	}
	return ch.scope(e.ID)
}

func (ch *change) create(es ...*domain.Entity) *change {
	for _, e := range es {
		ch.created = append(ch.created, e.Clone())
		ch.entityScope(e)
	}
	return ch
}

func (ch *change) update(es ...*domain.Entity) *change {
	for _, e := range es {
		ch.updated = append(ch.updated, e.Clone())
		ch.entityScope(e)
	}
	return ch
}

func (ch *change) remove(es ...*domain.Entity) *change {
	for _, e := range es {
		ch.deleted = append(ch.deleted, e.Clone())
		ch.entityScope(e)
	}
	return ch
}

func (ch *change) empty() bool {
	return len(ch.created)+len(ch.updated)+len(ch.deleted)+len(ch.scopes) == 0
}

// propagate hands a committed change to the derived stores.
//
// Description:
//
//	In synchronous mode the change is applied before returning. In
//	asynchronous mode it is queued for the worker; a full queue or a closed
//	coordinator falls back to applying inline so no change is dropped.
//	Propagation is detached from the caller's cancellation because the
//	primary write has already committed.
func (c *Coordinator) propagate(ctx context.Context, ch *change) {
	if ch == nil || ch.empty() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if c.queue != nil {
		c.mu.RLock()
		if !c.closed {
			select {
			case c.queue <- *ch:
				propagationQueueDepth.Inc()
				c.mu.RUnlock()
				return
			default:
				c.logger.Debug("propagation queue full, applying inline", slog.String("op", ch.op))
			}
		}
		c.mu.RUnlock()
	}
	c.apply(ctx, *ch)
}

// worker applies queued changes in order until the queue is closed.
func (c *Coordinator) worker() {
	defer c.workerWG.Done()
	for ch := range c.queue {
		propagationQueueDepth.Dec()
		c.apply(context.Background(), ch)
	}
}

// apply writes the index, then invalidates the cache.
func (c *Coordinator) apply(ctx context.Context, ch change) {
	c.syncIndex(ctx, ch)
	c.invalidate(ctx, ch.op, ch.scopes)
}

// syncIndex writes one document per affected entity. Failures are logged
// and swallowed.
func (c *Coordinator) syncIndex(ctx context.Context, ch change) {
	if c.index == nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.PropagationConcurrency)

	write := func(e *domain.Entity, call func(context.Context, string) error) {
		g.Go(func() error {
			index := search.IndexFor(e.Kind)
			wctx, cancel := context.WithTimeout(gctx, c.cfg.PropagationTimeout)
			defer cancel()
			if err := call(wctx, index); err != nil {
				propagationFailuresTotal.WithLabelValues("index", ch.op).Inc()
				c.logger.Warn("search index write failed",
					slog.String("op", ch.op),
					slog.String("entity_id", e.ID),
					slog.Int64("version", e.Version),
					slog.String("index", index),
					slog.String("error", domain.E(domain.KindDerivedStoreDegraded, ch.op, e.ID, err).Error()))
			}
			return nil
		})
	}
	for _, e := range ch.created {
		write(e, func(ctx context.Context, index string) error {
			return c.index.IndexDocument(ctx, index, search.Project(e))
		})
	}
	for _, e := range ch.updated {
		write(e, func(ctx context.Context, index string) error {
			return c.index.UpdateDocument(ctx, index, search.Project(e))
		})
	}
	for _, e := range ch.deleted {
		write(e, func(ctx context.Context, index string) error {
			return c.index.DeleteDocument(ctx, index, e.ID)
		})
	}
	_ = g.Wait()
}

// invalidate drops every cache namespace in scopes. Failures are logged
// and swallowed.
func (c *Coordinator) invalidate(ctx context.Context, op string, scopes map[string]struct{}) {
	if c.cache == nil {
		return
	}
	for id := range scopes {
		for _, pattern := range cache.Patterns(id) {
			cctx, cancel := context.WithTimeout(ctx, c.cfg.PropagationTimeout)
			_, err := c.cache.DeleteByPattern(cctx, pattern)
			cancel()
			if err != nil {
				propagationFailuresTotal.WithLabelValues("cache", op).Inc()
				c.logger.Warn("cache invalidation failed",
					slog.String("op", op),
					slog.String("entity_id", id),
					slog.String("pattern", pattern),
					slog.String("error", domain.E(domain.KindDerivedStoreDegraded, op, id, err).Error()))
			}
		}
	}
}

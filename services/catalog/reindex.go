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

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
)

// ReindexReport counts the documents written per index.
type ReindexReport struct {
	Indexed map[string]int
	Failed  map[string]int
}

// Reindex rewrites the search index from the primary store.
//
// Description:
//
//	Pages through every entity of the requested kinds and writes one
//	document each, throttled by the configured rate. Index failures are
//	counted and logged and the run continues; a primary store failure or
//	cancellation stops it. Documents for entities that no longer exist
//	are not removed.
//
// Inputs:
//
//	ctx - Cancels the run.
//	kinds - Kinds to rebuild. Empty means every kind.
//
// Outputs:
//
//	*ReindexReport - Per-index counts, also on error.
//	error - ErrSearchDisabled, ErrValidation or ErrStoreUnavailable.
func (c *Coordinator) Reindex(ctx context.Context, kinds ...domain.Kind) (report *ReindexReport, err error) {
	const op = "reindex"
	ctx, done := c.begin(ctx, op)
	defer func() { done(err) }()

	report = &ReindexReport{Indexed: map[string]int{}, Failed: map[string]int{}}
	if c.index == nil {
		return report, domain.E(domain.KindValidation, op, "", ErrSearchDisabled)
	}
	if len(kinds) == 0 {
		kinds = []domain.Kind{domain.KindCategory, domain.KindTag, domain.KindResource}
	}
	for _, k := range kinds {
		if !k.Valid() {
			return report, domain.Errorf(domain.KindValidation, op, "", "unknown kind %q", k)
		}
	}

	for _, k := range kinds {
		index := search.IndexFor(k)
		p := domain.Pagination{Limit: domain.MaxPageLimit}
		for {
			page, err := c.store.FindMany(ctx, domain.Filter{Kind: k}, domain.Sort{Field: domain.SortByCreatedAt}, p)
			if err != nil {
				return report, domain.Normalize(op, "", err)
			}
			for _, e := range page.Items {
				if err := c.limiter.Wait(ctx); err != nil {
					return report, domain.Normalize(op, "", err)
				}
				if c.reindexOne(ctx, index, e) {
					report.Indexed[index]++
				} else {
					report.Failed[index]++
				}
			}
			p.Offset += len(page.Items)
			if len(page.Items) == 0 || p.Offset >= page.Total {
				break
			}
		}
		c.logger.Info("reindex complete",
			slog.String("index", index),
			slog.Int("indexed", report.Indexed[index]),
			slog.Int("failed", report.Failed[index]))
	}
	return report, nil
}

// reindexOne writes a single document and reports success.
func (c *Coordinator) reindexOne(ctx context.Context, index string, e *domain.Entity) bool {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.PropagationTimeout)
	defer cancel()
	_, span := tracer.Start(wctx, "catalog.reindex_document")
	span.SetAttributes(attribute.String("entity.id", e.ID), attribute.String("search.index", index))
	defer span.End()

	if err := c.index.UpdateDocument(wctx, index, search.Project(e)); err != nil {
		reindexedDocumentsTotal.WithLabelValues(index, "failed").Inc()
		c.logger.Warn("reindex write failed",
			slog.String("index", index),
			slog.String("entity_id", e.ID),
			slog.String("error", err.Error()))
		span.RecordError(err)
		return false
	}
	reindexedDocumentsTotal.WithLabelValues(index, "ok").Inc()
	return true
}

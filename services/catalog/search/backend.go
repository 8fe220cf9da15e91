// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

// Backend serves search requests.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in results, logs and metrics.
	Name() string

	// Available reports the backend's last known health. It must not block.
	Available() bool

	// Search runs q against index.
	Search(ctx context.Context, index string, q Query) (Result, error)
}

// -----------------------------------------------------------------------------
// Index backend
// -----------------------------------------------------------------------------

// IndexBackend serves searches from an Index.
type IndexBackend struct {
	name      string
	index     Index
	available func() bool
}

// NewIndexBackend wraps idx. A nil available func means always available.
func NewIndexBackend(name string, idx Index, available func() bool) *IndexBackend {
	if available == nil {
		available = func() bool { return true }
	}
	return &IndexBackend{name: name, index: idx, available: available}
}

func (b *IndexBackend) Name() string    { return b.name }
func (b *IndexBackend) Available() bool { return b.available() }

func (b *IndexBackend) Search(ctx context.Context, index string, q Query) (Result, error) {
	res, err := b.index.Query(ctx, index, q)
	if err != nil {
		return Result{}, err
	}
	res.Backend = b.name
	if res.Facets == nil {
		res.Facets = map[string][]FacetCount{}
	}
	return res, nil
}

// -----------------------------------------------------------------------------
// Primary store fallback
// -----------------------------------------------------------------------------

// StoreBackend answers searches directly from the primary store.
//
// Description:
//
//	Text matching is the primary store's substring rule rather than ranked
//	full text, and facets are never computed. The result shape is the same
//	as an index result with an empty facet map.
type StoreBackend struct {
	store domain.Reader
}

// NewStoreBackend creates the fallback backend.
func NewStoreBackend(store domain.Reader) *StoreBackend {
	return &StoreBackend{store: store}
}

func (b *StoreBackend) Name() string    { return "primary_store" }
func (b *StoreBackend) Available() bool { return true }

func (b *StoreBackend) Search(ctx context.Context, index string, q Query) (Result, error) {
	kind, ok := KindFor(index)
	if !ok {
		return Result{}, domain.Errorf(domain.KindValidation, "search", index, "unknown index")
	}
	f := q.Filter
	f.Kind = kind
	f.Text = q.Text
	page, err := b.store.FindMany(ctx, f, q.Sort, q.Page)
	if err != nil {
		return Result{}, err
	}
	items := make([]Document, 0, len(page.Items))
	for _, e := range page.Items {
		items = append(items, Project(e))
	}
	return Result{
		Items:   items,
		Facets:  map[string][]FacetCount{},
		Total:   page.Total,
		Backend: b.Name(),
	}, nil
}

// -----------------------------------------------------------------------------
// Selector
// -----------------------------------------------------------------------------

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	// Primary is the preferred backend. Nil means always use the fallback.
	Primary Backend

	// Fallback must be non-nil.
	Fallback Backend

	// Timeout bounds a primary search. Zero means no extra bound.
	Timeout time.Duration

	Logger *slog.Logger
}

// Selector picks a backend per request by availability.
//
// Description:
//
//	The primary backend is used only while it reports Available. When it is
//	unavailable the fallback serves the request. A primary that is available
//	but fails one request degrades that request to the fallback too; the
//	backend's own health tracking decides future availability.
//
// Thread Safety: Safe for concurrent use.
type Selector struct {
	primary  Backend
	fallback Backend
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSelector creates a Selector.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if cfg.Fallback == nil {
		return nil, errors.New("fallback backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		timeout:  cfg.Timeout,
		logger:   logger.With(slog.String("component", "search_selector")),
	}, nil
}

// Mode reports which backend would serve a request right now.
func (s *Selector) Mode() string {
	if s.primary != nil && s.primary.Available() {
		return s.primary.Name()
	}
	return s.fallback.Name()
}

// PrimaryName returns the configured primary backend name, or "none".
func (s *Selector) PrimaryName() string {
	if s.primary == nil {
		return "none"
	}
	return s.primary.Name()
}

// Search runs q, degrading to the fallback when needed.
//
// Outputs:
//
//	Result - Degraded is true when the fallback served the request.
//	error - ValidationFailure for bad queries, or the fallback's store error.
func (s *Selector) Search(ctx context.Context, index string, q Query) (Result, error) {
	if err := ValidateQuery(index, q); err != nil {
		return Result{}, err
	}

	if s.primary != nil {
		if s.primary.Available() {
			res, err := s.searchPrimary(ctx, index, q)
			if err == nil {
				return res, nil
			}
			if ctx.Err() != nil {
				return Result{}, domain.Normalize("search", index, ctx.Err())
			}
			s.logger.Warn("search backend failed, degrading request",
				slog.String("backend", s.primary.Name()),
				slog.String("index", index),
				slog.String("error", err.Error()))
		} else {
			s.logger.Debug("search backend unavailable, using fallback",
				slog.String("backend", s.primary.Name()),
				slog.String("index", index))
		}
	}

	res, err := s.fallback.Search(ctx, index, q)
	if err != nil {
		return Result{}, domain.Normalize("search", index, err)
	}
	res.Degraded = true
	return res, nil
}

func (s *Selector) searchPrimary(ctx context.Context, index string, q Query) (Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.primary.Search(ctx, index, q)
}

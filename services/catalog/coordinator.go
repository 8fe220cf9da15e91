// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog is the consistency core of the catalog service.
//
// The Coordinator sequences every mutation across three stores. The primary
// store is authoritative and its write decides the outcome. The search index
// and the view cache are derived: they are updated afterwards, in that
// order, and their failures are logged and swallowed.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/cache"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/tree"
)

var tracer = otel.Tracer("catalog.coordinator")

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("coordinator is closed")

// ErrSearchDisabled is returned by Reindex when no search index is configured.
var ErrSearchDisabled = errors.New("search index is not configured")

// Config configures a Coordinator.
type Config struct {
	// Store is the authoritative record store. Required.
	Store domain.PrimaryStore

	// Index receives best-effort document writes. Nil disables indexing.
	Index search.Index

	// IndexAvailable reports the index's health for search selection.
	// Nil means the index is always considered available.
	IndexAvailable func() bool

	// IndexName labels the index backend in results and metrics.
	// Default: "index".
	IndexName string

	// Cache holds read-through views. Nil disables caching.
	Cache cache.Cache

	// CacheTTL bounds the lifetime of cached views. Default: 5m.
	CacheTTL time.Duration

	// PropagationTimeout bounds each index write and each cache call.
	// Default: 3s.
	PropagationTimeout time.Duration

	// PropagationConcurrency limits parallel index writes per mutation.
	// Default: 8.
	PropagationConcurrency int

	// AsyncPropagation moves index and cache work off the caller's path.
	// Changes are applied in commit order by a single worker.
	AsyncPropagation bool

	// QueueSize bounds pending asynchronous changes. When full, changes are
	// applied inline. Default: 1024.
	QueueSize int

	// ReadTimeout bounds a store read shared by concurrent cache misses.
	// The shared read does not inherit any single caller's cancellation.
	// Default: 5s.
	ReadTimeout time.Duration

	// SearchTimeout bounds a primary backend search before falling back.
	// Default: 2s.
	SearchTimeout time.Duration

	// ReindexRate limits documents per second written by Reindex.
	// Default: 200.
	ReindexRate float64

	// Now overrides the clock in tests.
	Now func() time.Time

	Logger *slog.Logger
}

func (c *Config) fill() {
	if c.IndexName == "" {
		c.IndexName = "index"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.PropagationTimeout <= 0 {
		c.PropagationTimeout = 3 * time.Second
	}
	if c.PropagationConcurrency <= 0 {
		c.PropagationConcurrency = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 2 * time.Second
	}
	if c.ReindexRate <= 0 {
		c.ReindexRate = 200
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Coordinator is the entry point for every catalog command and query.
//
// Description:
//
//	Mutations run in three steps. The primary store write (through the
//	tree maintainer for categories) must succeed or the call fails with no
//	further effect. The index documents of every affected entity are then
//	written, followed by invalidation of every cache namespace that could
//	hold a view of them. Steps two and three never change the result.
//
//	Reads go through the cache. A miss reads the primary store and fills
//	the cache for CacheTTL. Searches are routed by a Selector that prefers
//	the index and degrades to the primary store.
//
// Thread Safety: Safe for concurrent use. No application-level locks guard
// entity state; concurrent writers are arbitrated by the store.
type Coordinator struct {
	store    domain.PrimaryStore
	tree     *tree.Maintainer
	index    search.Index
	cache    cache.Cache
	selector *search.Selector
	flight   singleflight.Group
	limiter  *rate.Limiter
	cfg      Config
	logger   *slog.Logger

	queue     chan change
	workerWG  sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New creates a Coordinator.
//
// Inputs:
//
//	cfg - Configuration. Store is required; everything else is optional.
//
// Outputs:
//
//	*Coordinator - Ready to serve. Caller must call Close.
//	error - Non-nil if cfg is unusable.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator requires a primary store")
	}
	cfg.fill()
	logger := cfg.Logger.With(slog.String("component", "coordinator"))

	maintainer, err := tree.New(tree.Config{Store: cfg.Store, Now: cfg.Now, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	var primary search.Backend
	if cfg.Index != nil {
		primary = search.NewIndexBackend(cfg.IndexName, cfg.Index, cfg.IndexAvailable)
	}
	selector, err := search.NewSelector(search.SelectorConfig{
		Primary:  primary,
		Fallback: search.NewStoreBackend(cfg.Store),
		Timeout:  cfg.SearchTimeout,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		store:    cfg.Store,
		tree:     maintainer,
		index:    cfg.Index,
		cache:    cfg.Cache,
		selector: selector,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReindexRate), max(1, int(cfg.ReindexRate/10))),
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.AsyncPropagation {
		c.queue = make(chan change, cfg.QueueSize)
		c.workerWG.Add(1)
		go c.worker()
	}
	return c, nil
}

// SearchMode names the backend that would serve a search right now.
func (c *Coordinator) SearchMode() string {
	return c.selector.Mode()
}

// SearchPrimary names the configured primary search backend, or "none".
func (c *Coordinator) SearchPrimary() string {
	return c.selector.PrimaryName()
}

// Ping checks the primary store.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close stops accepting mutations and drains pending propagation.
// It does not close the stores, which belong to the caller.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if c.queue != nil {
			close(c.queue)
			c.workerWG.Wait()
		}
	})
	return nil
}

// -----------------------------------------------------------------------------
// Operation instrumentation
// -----------------------------------------------------------------------------

// begin opens a span for op and returns the function that closes it.
func (c *Coordinator) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "catalog."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			kind := domain.KindOf(err)
			outcome = kind.String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			if kind == domain.KindStoreUnavailable || kind == domain.KindUnknown {
				c.logger.Error("primary store operation failed",
					slog.String("op", op),
					slog.String("error", err.Error()))
			}
		}
		operationsTotal.WithLabelValues(op, outcome).Inc()
		operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.End()
	}
}

// checkOpen rejects mutations after Close.
func (c *Coordinator) checkOpen(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.E(domain.KindStoreUnavailable, op, "", ErrClosed)
	}
	return nil
}

// txAttempts bounds how often a transaction that lost a commit race is run.
const txAttempts = 3

// withinTx runs fn in a store transaction and runs it again when the commit
// lost against a concurrent writer. fn must derive everything it writes from
// tx so that a rerun sees the winner's state.
func (c *Coordinator) withinTx(ctx context.Context, op string, fn func(tx domain.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = c.store.WithinTx(ctx, fn)
		if domain.KindOf(err) != domain.KindConflict || ctx.Err() != nil {
			return err
		}
		c.logger.Debug("transaction conflict, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt))
	}
	return err
}

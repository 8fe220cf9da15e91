// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	catalog "github.com/AleutianAI/AleutianCatalog/services/catalog"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/cache"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/config"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search/memindex"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search/weaviate"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/storage/badger"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/storage/sqlite"
)

// runtime owns every collaborator of one coordinator and closes them in
// reverse order of construction.
type runtime struct {
	coord   *catalog.Coordinator
	closers []func() error
	logger  *slog.Logger
}

// openRuntime builds the primary store, search index, cache and
// coordinator described by cfg.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, store.Close)

	var (
		index     search.Index
		available func() bool
		warm      bool
	)
	switch cfg.Search.Backend {
	case "weaviate":
		wcfg := weaviate.DefaultConfig()
		wcfg.URL = cfg.Search.WeaviateURL
		wcfg.APIKey = cfg.Search.APIKey
		wcfg.ClassPrefix = cfg.Search.ClassPrefix
		wcfg.AllowStartDegraded = cfg.Search.AllowStartDegraded
		wcfg.Logger = logger
		client, err := weaviate.NewClient(wcfg)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, client.Close)

		health := weaviate.NewSearchHealth(logger, func(m weaviate.Mode) {
			catalog.RecordSearchMode(m.String())
		})
		client.Subscribe(health)
		catalog.RecordSearchMode(health.Mode().String())

		idx := weaviate.NewIndex(client)
		if err := idx.EnsureSchema(ctx); err != nil {
			logger.Warn("weaviate schema not ready, will retry on first write",
				slog.String("error", err.Error()))
		}
		index = idx
		available = func() bool { return health.Normal() && idx.Available() }

	case "memory":
		index = memindex.New()
		warm = true
	}

	var c cache.Cache
	if cfg.Cache.Enabled {
		lru, err := cache.NewLRU(cache.LRUConfig{Size: cfg.Cache.Size, DefaultTTL: cfg.Cache.TTL})
		if err != nil {
			return nil, err
		}
		c = lru
	}

	coord, err := catalog.New(catalog.Config{
		Store:                  store,
		Index:                  index,
		IndexAvailable:         available,
		IndexName:              cfg.Search.Backend,
		Cache:                  c,
		CacheTTL:               cfg.Cache.TTL,
		PropagationTimeout:     cfg.Coordinator.PropagationTimeout,
		PropagationConcurrency: cfg.Coordinator.PropagationConcurrency,
		AsyncPropagation:       cfg.Coordinator.AsyncPropagation,
		QueueSize:              cfg.Coordinator.QueueSize,
		SearchTimeout:          cfg.Search.Timeout,
		ReadTimeout:            cfg.Coordinator.ReadTimeout,
		ReindexRate:            cfg.Coordinator.ReindexRate,
		Logger:                 logger,
	})
	if err != nil {
		return nil, err
	}
	rt.coord = coord
	rt.closers = append(rt.closers, coord.Close)

	// The in-process index starts empty on every run.
	if warm {
		report, err := coord.Reindex(ctx)
		if err != nil {
			return nil, fmt.Errorf("warm search index: %w", err)
		}
		logger.Debug("search index warmed", slog.Any("indexed", report.Indexed))
	}
	return rt, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (domain.PrimaryStore, error) {
	switch cfg.Driver {
	case "sqlite":
		path := cfg.Path
		if cfg.InMemory {
			path = ":memory:"
		}
		return sqlite.Open(ctx, sqlite.Config{Path: path, BusyTimeout: cfg.BusyTimeout, Logger: logger})
	case "badger":
		bcfg := badger.DefaultConfig()
		bcfg.Path = cfg.Path
		bcfg.InMemory = cfg.InMemory
		bcfg.SyncWrites = cfg.SyncWrites
		bcfg.GCInterval = cfg.GCInterval
		bcfg.Logger = logger
		if cfg.InMemory {
			bcfg.GCInterval = 0
		}
		return badger.Open(bcfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Close releases everything openRuntime built.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
)

// LRUConfig configures an in-process cache.
type LRUConfig struct {
	// Size bounds the number of entries.
	Size int

	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultLRUConfig returns production defaults.
func DefaultLRUConfig() LRUConfig {
	return LRUConfig{Size: 10000, DefaultTTL: 5 * time.Minute}
}

type entry struct {
	value   []byte
	expires time.Time
}

// LRU is a bounded in-process Cache with per-entry expiry.
//
// Description:
//
//	Capacity is enforced by least-recently-used eviction; expiry is checked
//	lazily on Get. Pattern deletes enumerate the current key set, which is
//	bounded by Size.
//
// Thread Safety: Safe for concurrent use.
type LRU struct {
	entries    *lru.Cache[string, entry]
	defaultTTL time.Duration
	now        func() time.Time
}

// NewLRU creates an in-process cache.
func NewLRU(cfg LRUConfig) (*LRU, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultLRUConfig().DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	entries, err := lru.New[string, entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &LRU{entries: entries, defaultTTL: cfg.DefaultTTL, now: cfg.Now}, nil
}

// Get returns a live entry.
func (c *LRU) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "Get", key)
	defer span.End()

	e, ok := c.entries.Get(key)
	if ok && !c.now().Before(e.expires) {
		c.entries.Remove(key)
		ok = false
	}
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	recordGet(ctx, time.Since(start), ok)
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(e.value), true, nil
}

// Set stores a copy of value.
func (c *LRU) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.entries.Add(key, entry{value: slices.Clone(value), expires: c.now().Add(ttl)}) {
		recordEviction(ctx)
	}
	return nil
}

// Delete removes key.
func (c *LRU) Delete(_ context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

// DeleteByPattern removes keys matching a path.Match glob.
func (c *LRU) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	ctx, span := startSpan(ctx, "DeleteByPattern", pattern)
	defer span.End()

	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	removed := 0
	for _, key := range c.entries.Keys() {
		if ok, _ := path.Match(pattern, key); ok && c.entries.Remove(key) {
			removed++
		}
	}
	span.SetAttributes(attribute.Int("cache.removed", removed))
	recordInvalidated(ctx, removed)
	return removed, nil
}

// Len returns the number of entries, including expired ones not yet read.
func (c *LRU) Len() int {
	return c.entries.Len()
}

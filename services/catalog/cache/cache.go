// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache holds the catalog's read-through view cache.
//
// Cached values are serialized snapshots of entity views. Every key lives in
// the namespace of the entity it was derived from, "entity:{id}" for the
// entity itself and "entity:{id}:{view}" for derived views, so one entity
// can be invalidated with two patterns and no cache-wide flush.
package cache

import (
	"context"
	"time"
)

// Cache is the view cache contract.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value for key. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for ttl. A non-positive ttl uses the cache default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPattern removes every key matching a glob pattern and
	// reports how many were removed.
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
}

// Key namespace.
const (
	namespace = "entity"

	ViewChildren = "children"
	ViewSubtree  = "subtree"
)

// rootID names the virtual parent of root categories in view keys.
const rootID = "root"

// EntityKey is the canonical key of an entity snapshot.
func EntityKey(id string) string {
	return namespace + ":" + id
}

// ViewKey is the key of a derived view of an entity. An empty id addresses
// the forest root.
func ViewKey(id, view string) string {
	if id == "" {
		id = rootID
	}
	return namespace + ":" + id + ":" + view
}

// Patterns returns the patterns covering every key derived from id.
func Patterns(id string) []string {
	if id == "" {
		id = rootID
	}
	return []string{namespace + ":" + id, namespace + ":" + id + ":*"}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import "context"

// Reader is the read side shared by stores and transactions.
type Reader interface {
	// FindByID returns the entity or an ErrNotFound error.
	FindByID(ctx context.Context, id string) (*Entity, error)

	// FindMany filters, sorts and paginates.
	FindMany(ctx context.Context, f Filter, s Sort, p Pagination) (Page, error)
}

// Writer is the write side shared by stores and transactions.
type Writer interface {
	// Create inserts e. Categories and tags fail with ErrDuplicateName when
	// another entity of the same kind holds the trimmed name.
	Create(ctx context.Context, e *Entity) error

	// Update replaces e. e.Version must equal the stored version or the call
	// fails with ErrConflict. On success e.Version is incremented.
	Update(ctx context.Context, e *Entity) error

	// Delete removes the entity or fails with ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// Counter adjusts the denormalized resource counters of categories and tags.
type Counter interface {
	// Increment atomically adds delta to the entity's ResourceCount and
	// returns the new value. The count never drops below zero. The entity's
	// Version is left unchanged.
	Increment(ctx context.Context, id string, delta int64) (int64, error)
}

// Tx is a transactional view of the primary store.
//
// A resource write and the counter changes it causes go through one Tx, so
// a concurrent delete guard either sees the resource or fails to commit.
type Tx interface {
	Reader
	Writer
	Counter
}

// PrimaryStore is the authoritative record store.
//
// Thread Safety: Implementations must be safe for concurrent use.
type PrimaryStore interface {
	Reader
	Writer
	Counter

	// WithinTx runs fn in a single transaction. fn's error aborts it. A
	// commit that lost against a concurrent writer fails with ErrConflict and
	// nothing is written; fn may then be run again.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package domain holds the catalog entity model, query model, command types
// and the error taxonomy shared by every catalog subsystem.
//
// The package has no dependencies on storage, search or cache
// implementations. Stores, indexes and the coordinator all speak in terms of
// Entity, Filter, Sort and Pagination.
package domain

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the entity type.
type Kind string

const (
	KindCategory Kind = "category"
	KindTag      Kind = "tag"
	KindResource Kind = "resource"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCategory, KindTag, KindResource:
		return true
	}
	return false
}

// UniqueNames reports whether names of this kind must be globally unique.
func (k Kind) UniqueNames() bool {
	return k == KindCategory || k == KindTag
}

// RootParent is the sentinel accepted by moves to detach a category to the root.
const RootParent = "root"

// SystemPrincipal is recorded in audit fields when no principal is on the context.
const SystemPrincipal = "system"

// Entity is the single record type for categories, tags and resources.
//
// Category-only fields: ParentID, Ancestors.
// Resource-only fields: CategoryID, TagIDs.
// ResourceCount is maintained for categories and tags and is never settable
// through a command.
type Entity struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Name          string         `json:"name"`
	ParentID      string         `json:"parent_id,omitempty"`
	Ancestors     []string       `json:"ancestors,omitempty"`
	CategoryID    string         `json:"category_id,omitempty"`
	TagIDs        []string       `json:"tag_ids,omitempty"`
	ResourceCount int64          `json:"resource_count"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CreatedBy     string         `json:"created_by,omitempty"`
	UpdatedBy     string         `json:"updated_by,omitempty"`
}

// IsRoot reports whether a category has no parent.
func (e *Entity) IsRoot() bool {
	return e.ParentID == ""
}

// Clone returns a deep copy so callers can mutate without aliasing store data.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Ancestors = slices.Clone(e.Ancestors)
	c.TagIDs = slices.Clone(e.TagIDs)
	if e.Attributes != nil {
		c.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// HasAncestor reports whether id appears in the materialized path.
func (e *Entity) HasAncestor(id string) bool {
	return slices.Contains(e.Ancestors, id)
}

// NewID returns a fresh entity identifier.
func NewID() string {
	return uuid.NewString()
}

// NormalizeName applies the name comparison rule: trimmed, case-sensitive.
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// Stamp fills audit fields for a new entity.
func (e *Entity) Stamp(ctx context.Context, now time.Time) {
	who := PrincipalFrom(ctx).ID
	if e.ID == "" {
		e.ID = NewID()
	}
	e.Version = 1
	e.CreatedAt = now
	e.UpdatedAt = now
	e.CreatedBy = who
	e.UpdatedBy = who
}

// Touch refreshes audit fields for a mutation. Version is bumped by the store.
func (e *Entity) Touch(ctx context.Context, now time.Time) {
	e.UpdatedAt = now
	e.UpdatedBy = PrincipalFrom(ctx).ID
}

// -----------------------------------------------------------------------------
// Principal
// -----------------------------------------------------------------------------

// Principal is the authenticated caller. Used for audit fields only.
type Principal struct {
	ID string
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal on ctx, or the system principal.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.ID != "" {
		return p
	}
	return Principal{ID: SystemPrincipal}
}

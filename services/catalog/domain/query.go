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

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Pagination limits.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 200
)

// Filter selects entities. Zero-valued fields do not constrain the result.
type Filter struct {
	Kind Kind
	IDs  []string

	// Name matches exactly after trimming.
	Name string

	// ParentID selects direct child categories. Nil means any parent, a
	// pointer to "" selects root categories.
	ParentID *string

	// AncestorID selects the strict subtree below a category.
	AncestorID string

	CategoryID string
	TagID      string

	// Text is a case-insensitive substring match over the name and string
	// attributes.
	Text string

	// Attributes are matched by equality of their formatted values.
	Attributes map[string]any
}

// Sort orders a result set.
type Sort struct {
	Field string
	Desc  bool
}

// Sort fields understood by every store.
const (
	SortByName          = "name"
	SortByCreatedAt     = "createdAt"
	SortByUpdatedAt     = "updatedAt"
	SortByResourceCount = "resourceCount"
)

// Pagination is an offset window.
type Pagination struct {
	Offset int
	Limit  int
}

// Page is one window of a filtered, sorted result set.
type Page struct {
	Items []*Entity `json:"items"`
	Total int       `json:"total"`
}

// Normalize clamps pagination to sane bounds.
func (p Pagination) Normalize() Pagination {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Validate rejects sort fields no store understands.
func (s Sort) Validate() error {
	switch s.Field {
	case "", SortByName, SortByCreatedAt, SortByUpdatedAt, SortByResourceCount:
		return nil
	}
	return Errorf(KindValidation, "sort", "", "unknown sort field %q", s.Field)
}

// ParentIs is a convenience for building a ParentID filter.
func ParentIs(id string) *string {
	return &id
}

// Matches reports whether e satisfies every constraint in f.
func (f Filter) Matches(e *Entity) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if f.Name != "" && e.Name != NormalizeName(f.Name) {
		return false
	}
	if f.ParentID != nil && (e.Kind != KindCategory || e.ParentID != *f.ParentID) {
		return false
	}
	if f.AncestorID != "" && !e.HasAncestor(f.AncestorID) {
		return false
	}
	if f.CategoryID != "" && e.CategoryID != f.CategoryID {
		return false
	}
	if f.TagID != "" && !slices.Contains(e.TagIDs, f.TagID) {
		return false
	}
	if f.Text != "" && !MatchesText(e, f.Text) {
		return false
	}
	for k, want := range f.Attributes {
		got, ok := e.Attributes[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// MatchesText is the fallback full-text rule: every whitespace separated term
// must occur, case-insensitively, in the name or a string attribute.
func MatchesText(e *Entity, text string) bool {
	haystack := strings.ToLower(SearchableText(e))
	for _, term := range strings.Fields(strings.ToLower(text)) {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

// SearchableText concatenates the name and string attributes of e in a
// stable order.
func SearchableText(e *Entity) string {
	var b strings.Builder
	b.WriteString(e.Name)
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if s, ok := e.Attributes[k].(string); ok {
			b.WriteByte(' ')
			b.WriteString(s)
		}
	}
	return b.String()
}

// SortEntities orders items in place. Ties break on id for stable paging.
func SortEntities(items []*Entity, s Sort) {
	slices.SortStableFunc(items, func(a, b *Entity) int {
		var c int
		switch s.Field {
		case SortByCreatedAt:
			c = a.CreatedAt.Compare(b.CreatedAt)
		case SortByUpdatedAt:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		case SortByResourceCount:
			c = cmp.Compare(a.ResourceCount, b.ResourceCount)
		default:
			c = cmp.Compare(a.Name, b.Name)
		}
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if s.Desc {
			c = -c
		}
		return c
	})
}

// Paginate cuts a sorted result set into a page.
func Paginate(items []*Entity, p Pagination) Page {
	p = p.Normalize()
	total := len(items)
	if p.Offset >= total {
		return Page{Items: []*Entity{}, Total: total}
	}
	end := min(p.Offset+p.Limit, total)
	return Page{Items: items[p.Offset:end], Total: total}
}

// Select filters, sorts and paginates a candidate set.
func Select(candidates []*Entity, f Filter, s Sort, p Pagination) Page {
	matched := make([]*Entity, 0, len(candidates))
	for _, e := range candidates {
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	SortEntities(matched, s)
	return Paginate(matched, p)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search defines the derived full-text index used by the catalog.
//
// The index is eventually consistent with the primary store. Documents are
// projections of entities keyed by the entity id. Index implementations live
// in subpackages (memindex, weaviate); this package holds the contract, the
// projection and the backend strategy that degrades to the primary store.
package search

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

// Index names, one per entity kind.
const (
	IndexCategories = "categories"
	IndexTags       = "tags"
	IndexResources  = "resources"
)

// Facet fields understood by every index.
const (
	FacetKind     = "kind"
	FacetParent   = "parent_id"
	FacetCategory = "category_id"
	FacetTags     = "tag_ids"
)

// IndexFor returns the index holding documents of kind k.
func IndexFor(k domain.Kind) string {
	switch k {
	case domain.KindCategory:
		return IndexCategories
	case domain.KindTag:
		return IndexTags
	case domain.KindResource:
		return IndexResources
	}
	return ""
}

// KindFor maps an index name back to its entity kind.
func KindFor(index string) (domain.Kind, bool) {
	switch index {
	case IndexCategories:
		return domain.KindCategory, true
	case IndexTags:
		return domain.KindTag, true
	case IndexResources:
		return domain.KindResource, true
	}
	return "", false
}

// Indexes lists every index name.
func Indexes() []string {
	return []string{IndexCategories, IndexTags, IndexResources}
}

// Document is the searchable projection of one entity.
type Document struct {
	ID            string         `json:"id"`
	Kind          domain.Kind    `json:"kind"`
	Name          string         `json:"name"`
	ParentID      string         `json:"parent_id,omitempty"`
	Ancestors     []string       `json:"ancestors,omitempty"`
	CategoryID    string         `json:"category_id,omitempty"`
	TagIDs        []string       `json:"tag_ids,omitempty"`
	ResourceCount int64          `json:"resource_count"`
	Text          string         `json:"text"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Project builds the index document for e.
func Project(e *domain.Entity) Document {
	return Document{
		ID:            e.ID,
		Kind:          e.Kind,
		Name:          e.Name,
		ParentID:      e.ParentID,
		Ancestors:     slices.Clone(e.Ancestors),
		CategoryID:    e.CategoryID,
		TagIDs:        slices.Clone(e.TagIDs),
		ResourceCount: e.ResourceCount,
		Text:          domain.SearchableText(e),
		Attributes:    maps.Clone(e.Attributes),
		Version:       e.Version,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// Entity rebuilds the entity view carried by the document. Audit principals
// are not indexed and come back empty.
func (d Document) Entity() *domain.Entity {
	return &domain.Entity{
		ID:            d.ID,
		Kind:          d.Kind,
		Name:          d.Name,
		ParentID:      d.ParentID,
		Ancestors:     slices.Clone(d.Ancestors),
		CategoryID:    d.CategoryID,
		TagIDs:        slices.Clone(d.TagIDs),
		ResourceCount: d.ResourceCount,
		Attributes:    maps.Clone(d.Attributes),
		Version:       d.Version,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// Query is a search request against one index.
type Query struct {
	// Text is a free-text query. Empty matches every document.
	Text string

	// Filter constrains structured fields. Filter.Kind and Filter.Text are
	// ignored; the index and Text decide them.
	Filter domain.Filter

	// Sort with an empty field orders by relevance when Text is set, by name
	// otherwise.
	Sort domain.Sort

	Page domain.Pagination

	// Facets lists fields to count over the whole matched set.
	Facets []string
}

// FacetCount is one bucket of a facet.
type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Result is the response shape shared by every backend.
type Result struct {
	Items  []Document              `json:"items"`
	Facets map[string][]FacetCount `json:"facets"`
	Total  int                     `json:"total"`

	// Backend names the backend that served the request.
	Backend string `json:"backend"`

	// Degraded is set when the request was served by the fallback.
	Degraded bool `json:"degraded"`
}

// Index is the derived search index contract.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Index interface {
	// IndexDocument creates or replaces doc. Documents may reference ids
	// that are not present anywhere else.
	IndexDocument(ctx context.Context, index string, doc Document) error

	// UpdateDocument replaces doc, creating it when absent.
	UpdateDocument(ctx context.Context, index string, doc Document) error

	// DeleteDocument removes a document. A missing id is success.
	DeleteDocument(ctx context.Context, index, id string) error

	// Query runs q against index.
	Query(ctx context.Context, index string, q Query) (Result, error)
}

// ValidateQuery checks index and sort before any backend runs the query.
func ValidateQuery(index string, q Query) error {
	if _, ok := KindFor(index); !ok {
		return domain.Errorf(domain.KindValidation, "search", index, "unknown index")
	}
	if err := q.Sort.Validate(); err != nil {
		return err
	}
	for _, f := range q.Facets {
		switch f {
		case FacetKind, FacetParent, FacetCategory, FacetTags:
		default:
			return domain.Errorf(domain.KindValidation, "search", index, "unknown facet %q", f)
		}
	}
	return nil
}

// FacetValues returns the values doc contributes to facet field.
func FacetValues(doc Document, field string) []string {
	switch field {
	case FacetKind:
		return []string{string(doc.Kind)}
	case FacetParent:
		if doc.Kind == domain.KindCategory {
			return []string{doc.ParentID}
		}
	case FacetCategory:
		if doc.CategoryID != "" {
			return []string{doc.CategoryID}
		}
	case FacetTags:
		return doc.TagIDs
	}
	return nil
}

// CountFacet buckets docs by the values of field.
func CountFacet(docs []Document, field string) []FacetCount {
	counts := make(map[string]int)
	for _, d := range docs {
		for _, v := range FacetValues(d, field) {
			counts[v]++
		}
	}
	buckets := make([]FacetCount, 0, len(counts))
	for v, n := range counts {
		buckets = append(buckets, FacetCount{Value: v, Count: n})
	}
	SortFacet(buckets)
	return buckets
}

// SortDocuments orders docs with the same rules the primary store uses.
func SortDocuments(docs []Document, s domain.Sort) {
	entities := make([]*domain.Entity, len(docs))
	byEntity := make(map[*domain.Entity]Document, len(docs))
	for i, d := range docs {
		entities[i] = d.Entity()
		byEntity[entities[i]] = d
	}
	domain.SortEntities(entities, s)
	for i, e := range entities {
		docs[i] = byEntity[e]
	}
}

// Assemble counts facets over the full matched set, orders it and cuts the
// requested page. When ranked is set and no sort field is given, docs keep
// their incoming relevance order.
func Assemble(docs []Document, q Query, ranked bool) Result {
	facets := make(map[string][]FacetCount, len(q.Facets))
	for _, field := range q.Facets {
		facets[field] = CountFacet(docs, field)
	}
	if !ranked || q.Sort.Field != "" {
		SortDocuments(docs, q.Sort)
	}
	p := q.Page.Normalize()
	total := len(docs)
	items := []Document{}
	if p.Offset < total {
		items = slices.Clone(docs[p.Offset:min(p.Offset+p.Limit, total)])
	}
	return Result{Items: items, Facets: facets, Total: total}
}

// SortFacet orders buckets by count, then value.
func SortFacet(buckets []FacetCount) {
	slices.SortFunc(buckets, func(a, b FacetCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		switch {
		case a.Value < b.Value:
			return -1
		case a.Value > b.Value:
			return 1
		}
		return 0
	})
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
)

// Index implements search.Index on Weaviate, one class per catalog index.
//
// Description:
//
//	Structured queries without text are answered by Weaviate directly:
//	GraphQL Get with where/sort/limit/offset for the page, Aggregate meta
//	count for the total and Aggregate groupBy for facets. Text queries use
//	BM25, which Weaviate cannot combine with sorting or aggregation, so the
//	top MaxScan hits are fetched and faceted, sorted and paged locally.
//	Attribute filters take the same local path because attributes are
//	stored as opaque JSON.
//
// Thread Safety: Safe for concurrent use.
type Index struct {
	client  *Client
	prefix  string
	maxScan int
	logger  *slog.Logger

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewIndex creates the index adapter. The schema is created lazily on the
// first call that reaches Weaviate.
func NewIndex(client *Client) *Index {
	return &Index{
		client:  client,
		prefix:  client.cfg.ClassPrefix,
		maxScan: client.cfg.MaxScan,
		logger:  client.logger,
	}
}

// Available reports whether the underlying client accepts requests.
func (x *Index) Available() bool {
	return x.client.Available()
}

// EnsureSchema creates missing catalog classes. Idempotent.
func (x *Index) EnsureSchema(ctx context.Context) error {
	x.schemaMu.Lock()
	defer x.schemaMu.Unlock()
	if x.schemaReady {
		return nil
	}
	for _, index := range search.Indexes() {
		class := classFor(x.prefix, index)
		err := x.client.Do(ctx, "ensure_schema", func(ctx context.Context) error {
			if _, err := x.client.Raw().Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
				return nil
			} else if !isNotFound(err) {
				return err
			}
			err := x.client.Raw().Schema().ClassCreator().WithClass(class).Do(ctx)
			if isAlreadyExists(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("ensure class %s: %w", class.Class, err)
		}
		x.logger.Debug("weaviate class ready", slog.String("class", class.Class))
	}
	x.schemaReady = true
	return nil
}

// IndexDocument creates the object for doc, replacing an existing one.
func (x *Index) IndexDocument(ctx context.Context, index string, doc search.Document) error {
	return x.write(ctx, "index_document", index, doc, true)
}

// UpdateDocument replaces the object for doc, creating it when missing.
func (x *Index) UpdateDocument(ctx context.Context, index string, doc search.Document) error {
	return x.write(ctx, "update_document", index, doc, false)
}

func (x *Index) write(ctx context.Context, op, index string, doc search.Document, createFirst bool) error {
	if _, ok := search.KindFor(index); !ok {
		return domain.Errorf(domain.KindValidation, op, index, "unknown index")
	}
	if err := x.EnsureSchema(ctx); err != nil {
		return err
	}
	props, err := toProperties(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", doc.ID, err)
	}
	class := className(x.prefix, index)
	id := objectID(index, doc.ID)

	create := func(ctx context.Context) error {
		_, err := x.client.Raw().Data().Creator().
			WithClassName(class).
			WithID(id).
			WithProperties(props).
			Do(ctx)
		return err
	}
	replace := func(ctx context.Context) error {
		return x.client.Raw().Data().Updater().
			WithClassName(class).
			WithID(id).
			WithProperties(props).
			Do(ctx)
	}

	return x.client.Do(ctx, op, func(ctx context.Context) error {
		if createFirst {
			err := create(ctx)
			if isAlreadyExists(err) {
				return replace(ctx)
			}
			return err
		}
		err := replace(ctx)
		if isNotFound(err) {
			return create(ctx)
		}
		return err
	})
}

// DeleteDocument removes the object. A missing object is success.
func (x *Index) DeleteDocument(ctx context.Context, index, id string) error {
	if _, ok := search.KindFor(index); !ok {
		return domain.Errorf(domain.KindValidation, "delete_document", index, "unknown index")
	}
	if err := x.EnsureSchema(ctx); err != nil {
		return err
	}
	return x.client.Do(ctx, "delete_document", func(ctx context.Context) error {
		err := x.client.Raw().Data().Deleter().
			WithClassName(className(x.prefix, index)).
			WithID(objectID(index, id)).
			Do(ctx)
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

// Query runs q against index.
func (x *Index) Query(ctx context.Context, index string, q search.Query) (search.Result, error) {
	if err := search.ValidateQuery(index, q); err != nil {
		return search.Result{}, err
	}
	if q.Filter.ParentID != nil && index != search.IndexCategories {
		// Only categories have parents.
		return search.Assemble(nil, q, false), nil
	}
	if err := x.EnsureSchema(ctx); err != nil {
		return search.Result{}, err
	}
	class := className(x.prefix, index)
	where := whereFor(q.Filter)
	if q.Text != "" || len(q.Filter.Attributes) > 0 {
		return x.scan(ctx, class, where, q)
	}
	return x.page(ctx, index, class, where, q)
}

// scan ranks up to maxScan hits and finishes the query locally.
func (x *Index) scan(ctx context.Context, class string, where *filters.WhereBuilder, q search.Query) (search.Result, error) {
	var hits []search.Document
	err := x.client.Do(ctx, "search_scan", func(ctx context.Context) error {
		gql := x.client.Raw().GraphQL()
		b := gql.Get().
			WithClassName(class).
			WithFields(documentFields()...).
			WithLimit(x.maxScan)
		if q.Text != "" {
			b = b.WithBM25(gql.Bm25ArgBuilder().
				WithQuery(q.Text).
				WithProperties(propName, propText))
		}
		if where != nil {
			b = b.WithWhere(where)
		}
		resp, err := b.Do(ctx)
		if err != nil {
			return err
		}
		hits, err = parseGet(resp, class)
		return err
	})
	if err != nil {
		return search.Result{}, err
	}

	if len(q.Filter.Attributes) > 0 {
		keep := domain.Filter{Attributes: q.Filter.Attributes}
		kept := hits[:0]
		for _, d := range hits {
			if keep.Matches(d.Entity()) {
				kept = append(kept, d)
			}
		}
		hits = kept
	}
	return search.Assemble(hits, q, q.Text != ""), nil
}

// page answers a structured query entirely inside Weaviate.
func (x *Index) page(ctx context.Context, index, class string, where *filters.WhereBuilder, q search.Query) (search.Result, error) {
	p := q.Page.Normalize()
	res := search.Result{Facets: make(map[string][]search.FacetCount, len(q.Facets))}

	err := x.client.Do(ctx, "search_page", func(ctx context.Context) error {
		b := x.client.Raw().GraphQL().Get().
			WithClassName(class).
			WithFields(documentFields()...).
			WithSort(sortFor(q.Sort)...).
			WithLimit(p.Limit).
			WithOffset(p.Offset)
		if where != nil {
			b = b.WithWhere(where)
		}
		resp, err := b.Do(ctx)
		if err != nil {
			return err
		}
		res.Items, err = parseGet(resp, class)
		return err
	})
	if err != nil {
		return search.Result{}, err
	}

	total, err := x.aggregateCount(ctx, class, where)
	if err != nil {
		return search.Result{}, err
	}
	res.Total = total

	kind, _ := search.KindFor(index)
	for _, field := range q.Facets {
		var buckets []search.FacetCount
		switch {
		case field == search.FacetKind:
			if total > 0 {
				buckets = []search.FacetCount{{Value: string(kind), Count: total}}
			}
		case field == search.FacetParent && kind != domain.KindCategory,
			field == search.FacetCategory && kind != domain.KindResource,
			field == search.FacetTags && kind != domain.KindResource:
		default:
			buckets, err = x.aggregateGroups(ctx, class, facetProperty(field), where)
			if err != nil {
				return search.Result{}, err
			}
		}
		if buckets == nil {
			buckets = []search.FacetCount{}
		}
		res.Facets[field] = buckets
	}
	return res, nil
}

func (x *Index) aggregateCount(ctx context.Context, class string, where *filters.WhereBuilder) (int, error) {
	var total int
	err := x.client.Do(ctx, "search_count", func(ctx context.Context) error {
		b := x.client.Raw().GraphQL().Aggregate().
			WithClassName(class).
			WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}})
		if where != nil {
			b = b.WithWhere(where)
		}
		resp, err := b.Do(ctx)
		if err != nil {
			return err
		}
		total, err = parseCount(resp, class)
		return err
	})
	return total, err
}

func (x *Index) aggregateGroups(ctx context.Context, class, prop string, where *filters.WhereBuilder) ([]search.FacetCount, error) {
	var buckets []search.FacetCount
	err := x.client.Do(ctx, "search_facet", func(ctx context.Context) error {
		b := x.client.Raw().GraphQL().Aggregate().
			WithClassName(class).
			WithGroupBy(prop).
			WithFields(
				graphql.Field{Name: "groupedBy", Fields: []graphql.Field{{Name: "value"}}},
				graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}},
			)
		if where != nil {
			b = b.WithWhere(where)
		}
		resp, err := b.Do(ctx)
		if err != nil {
			return err
		}
		buckets, err = parseGroups(resp, class)
		return err
	})
	return buckets, err
}

// -----------------------------------------------------------------------------
// Query building
// -----------------------------------------------------------------------------

func documentFields() []graphql.Field {
	names := []string{
		propEntityID, propKind, propName, propParentID, propAncestors,
		propCategoryID, propTagIDs, propResourceCount, propText,
		propAttributes, propVersion, propCreatedAt, propUpdatedAt,
	}
	fields := make([]graphql.Field, len(names))
	for i, n := range names {
		fields[i] = graphql.Field{Name: n}
	}
	return fields
}

func facetProperty(field string) string {
	switch field {
	case search.FacetParent:
		return propParentID
	case search.FacetCategory:
		return propCategoryID
	case search.FacetTags:
		return propTagIDs
	}
	return propKind
}

// sortFor maps a catalog sort to Weaviate sorts, with the entity id as the
// tie breaker in the same direction.
func sortFor(s domain.Sort) []graphql.Sort {
	order := graphql.Asc
	if s.Desc {
		order = graphql.Desc
	}
	path := propNameExact
	switch s.Field {
	case domain.SortByCreatedAt:
		path = propCreatedAt
	case domain.SortByUpdatedAt:
		path = propUpdatedAt
	case domain.SortByResourceCount:
		path = propResourceCount
	}
	return []graphql.Sort{
		{Path: []string{path}, Order: order},
		{Path: []string{propEntityID}, Order: order},
	}
}

// whereFor translates the structured part of f. Attributes and text are
// handled elsewhere. Returns nil when nothing constrains the query.
func whereFor(f domain.Filter) *filters.WhereBuilder {
	var ops []*filters.WhereBuilder
	equal := func(prop, value string) {
		ops = append(ops, filters.Where().
			WithPath([]string{prop}).
			WithOperator(filters.Equal).
			WithValueText(value))
	}
	containsAny := func(prop string, values ...string) {
		ops = append(ops, filters.Where().
			WithPath([]string{prop}).
			WithOperator(filters.ContainsAny).
			WithValueText(values...))
	}

	if len(f.IDs) > 0 {
		containsAny(propEntityID, f.IDs...)
	}
	if f.Name != "" {
		equal(propNameExact, domain.NormalizeName(f.Name))
	}
	if f.ParentID != nil {
		parent := *f.ParentID
		if parent == "" {
			parent = domain.RootParent
		}
		equal(propParentID, parent)
	}
	if f.AncestorID != "" {
		containsAny(propAncestors, f.AncestorID)
	}
	if f.CategoryID != "" {
		equal(propCategoryID, f.CategoryID)
	}
	if f.TagID != "" {
		containsAny(propTagIDs, f.TagID)
	}

	switch len(ops) {
	case 0:
		return nil
	case 1:
		return ops[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(ops)
}

// -----------------------------------------------------------------------------
// Response parsing
// -----------------------------------------------------------------------------

func graphQLError(resp *models.GraphQLResponse) error {
	if resp == nil {
		return fmt.Errorf("empty graphql response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}
	return nil
}

// section returns Data[root][class] as a list.
func section(resp *models.GraphQLResponse, root, class string) []interface{} {
	m, ok := resp.Data[root].(map[string]interface{})
	if !ok {
		return nil
	}
	items, _ := m[class].([]interface{})
	return items
}

func parseGet(resp *models.GraphQLResponse, class string) ([]search.Document, error) {
	if err := graphQLError(resp); err != nil {
		return nil, err
	}
	items := section(resp, "Get", class)
	docs := make([]search.Document, 0, len(items))
	for _, item := range items {
		props, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		docs = append(docs, fromProperties(props))
	}
	return docs, nil
}

func metaCount(group map[string]interface{}) int {
	meta, ok := group["meta"].(map[string]interface{})
	if !ok {
		return 0
	}
	return int(getInt(meta, "count"))
}

func parseCount(resp *models.GraphQLResponse, class string) (int, error) {
	if err := graphQLError(resp); err != nil {
		return 0, err
	}
	items := section(resp, "Aggregate", class)
	if len(items) == 0 {
		return 0, nil
	}
	group, _ := items[0].(map[string]interface{})
	return metaCount(group), nil
}

func parseGroups(resp *models.GraphQLResponse, class string) ([]search.FacetCount, error) {
	if err := graphQLError(resp); err != nil {
		return nil, err
	}
	var buckets []search.FacetCount
	for _, item := range section(resp, "Aggregate", class) {
		group, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		by, ok := group["groupedBy"].(map[string]interface{})
		if !ok {
			continue
		}
		value := getString(by, "value")
		if value == domain.RootParent {
			value = ""
		} else if value == "" {
			continue
		}
		buckets = append(buckets, search.FacetCount{Value: value, Count: metaCount(group)})
	}
	search.SortFacet(buckets)
	return buckets, nil
}

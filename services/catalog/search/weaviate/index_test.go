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
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
)

func TestClassNames(t *testing.T) {
	assert.Equal(t, "CatalogCategories", className("Catalog", search.IndexCategories))
	assert.Equal(t, "CatalogResources", className("Catalog", search.IndexResources))

	class := classFor("Catalog", search.IndexTags)
	assert.Equal(t, "CatalogTags", class.Class)
	assert.Equal(t, "none", class.Vectorizer)

	names := make(map[string]bool)
	for _, p := range class.Properties {
		names[p.Name] = true
	}
	for _, f := range documentFields() {
		assert.True(t, names[f.Name], "field %s missing from schema", f.Name)
	}
}

func TestObjectID_Deterministic(t *testing.T) {
	a := objectID(search.IndexTags, "t1")
	assert.Equal(t, a, objectID(search.IndexTags, "t1"))
	assert.NotEqual(t, a, objectID(search.IndexCategories, "t1"))
	assert.Len(t, a, 36)
}

func TestProperties_RootSentinelAndAttributes(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	doc := search.Document{
		ID: "c1", Kind: domain.KindCategory, Name: "Math",
		Attributes: map[string]any{"level": "primary"},
		Version:    2, ResourceCount: 7, CreatedAt: now, UpdatedAt: now,
	}
	props, err := toProperties(doc)
	require.NoError(t, err)
	assert.Equal(t, domain.RootParent, props[propParentID])
	assert.Equal(t, []string{}, props[propAncestors])

	// Weaviate returns numbers as float64 and arrays as []interface{}.
	hit := map[string]interface{}{
		propEntityID:      "c1",
		propKind:          "category",
		propName:          "Math",
		propParentID:      domain.RootParent,
		propAncestors:     []interface{}{},
		propResourceCount: float64(7),
		propVersion:       float64(2),
		propAttributes:    props[propAttributes],
		propCreatedAt:     props[propCreatedAt],
		propUpdatedAt:     props[propUpdatedAt],
	}
	back := fromProperties(hit)
	assert.Equal(t, "", back.ParentID)
	assert.Nil(t, back.Ancestors)
	assert.Equal(t, int64(7), back.ResourceCount)
	assert.Equal(t, "primary", back.Attributes["level"])
	assert.True(t, now.Equal(back.CreatedAt))
}

func TestWhereFor(t *testing.T) {
	assert.Nil(t, whereFor(domain.Filter{}))
	assert.NotNil(t, whereFor(domain.Filter{CategoryID: "c"}))
	assert.NotNil(t, whereFor(domain.Filter{ParentID: domain.ParentIs(""), AncestorID: "a", TagID: "t"}))
}

func TestSortFor(t *testing.T) {
	sorts := sortFor(domain.Sort{Field: domain.SortByResourceCount, Desc: true})
	require.Len(t, sorts, 2)
	assert.Equal(t, []string{propResourceCount}, sorts[0].Path)
	assert.Equal(t, sorts[0].Order, sorts[1].Order)
	assert.Equal(t, []string{propNameExact}, sortFor(domain.Sort{})[0].Path)
}

func TestParseResponses(t *testing.T) {
	class := "CatalogCategories"

	get := &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Get": map[string]interface{}{
			class: []interface{}{
				map[string]interface{}{propEntityID: "a", propName: "A", propKind: "category"},
				map[string]interface{}{propEntityID: "b", propName: "B", propKind: "category"},
			},
		},
	}}
	docs, err := parseGet(get, class)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[1].ID)

	count := &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Aggregate": map[string]interface{}{
			class: []interface{}{
				map[string]interface{}{"meta": map[string]interface{}{"count": float64(12)}},
			},
		},
	}}
	total, err := parseCount(count, class)
	require.NoError(t, err)
	assert.Equal(t, 12, total)

	groups := &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Aggregate": map[string]interface{}{
			class: []interface{}{
				map[string]interface{}{
					"groupedBy": map[string]interface{}{"value": domain.RootParent},
					"meta":      map[string]interface{}{"count": float64(2)},
				},
				map[string]interface{}{
					"groupedBy": map[string]interface{}{"value": "p1"},
					"meta":      map[string]interface{}{"count": float64(5)},
				},
			},
		},
	}}
	buckets, err := parseGroups(groups, class)
	require.NoError(t, err)
	assert.Equal(t, []search.FacetCount{{Value: "p1", Count: 5}, {Value: "", Count: 2}}, buckets)

	failed := &models.GraphQLResponse{Errors: []*models.GraphQLError{{Message: "no such class"}}}
	_, err = parseGet(failed, class)
	assert.ErrorContains(t, err, "no such class")
}

func TestIndex_CircuitOpenFailsFast(t *testing.T) {
	c := offlineClient(1, time.Hour)
	c.openedAt.Store(time.Now().UnixNano())
	c.state.Store(int32(StateCircuitOpen))
	x := NewIndex(c)
	ctx := context.Background()

	assert.False(t, x.Available())
	err := x.IndexDocument(ctx, search.IndexTags, search.Document{ID: "t1", Kind: domain.KindTag})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	err = x.DeleteDocument(ctx, search.IndexTags, "t1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	_, err = x.Query(ctx, search.IndexTags, search.Query{})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// Validation happens before any network call.
	_, err = x.Query(ctx, "users", search.Query{})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	// Parent filters on non-category indexes match nothing without a call.
	res, err := x.Query(ctx, search.IndexTags, search.Query{Filter: domain.Filter{ParentID: domain.ParentIs("")}})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

// TestIntegration_RoundTrip needs a live Weaviate at CATALOG_WEAVIATE_URL.
func TestIntegration_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := os.Getenv("CATALOG_WEAVIATE_URL")
	if url == "" {
		t.Skip("CATALOG_WEAVIATE_URL not set")
	}

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ClassPrefix = "CatalogTest"
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()
	if !c.Available() {
		t.Skip("weaviate not available")
	}

	x := NewIndex(c)
	ctx := context.Background()
	e := &domain.Entity{ID: domain.NewID(), Kind: domain.KindTag, Name: "integration algebra"}
	e.Stamp(ctx, time.Now())
	require.NoError(t, x.IndexDocument(ctx, search.IndexTags, search.Project(e)))
	require.NoError(t, x.UpdateDocument(ctx, search.IndexTags, search.Project(e)))

	res, err := x.Query(ctx, search.IndexTags, search.Query{Text: "algebra"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Total, 1)

	require.NoError(t, x.DeleteDocument(ctx, search.IndexTags, e.ID))
	require.NoError(t, x.DeleteDocument(ctx, search.IndexTags, e.ID))
}

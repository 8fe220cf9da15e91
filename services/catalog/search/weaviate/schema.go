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
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
)

// Property names shared by every catalog class.
const (
	propEntityID      = "entityId"
	propKind          = "kind"
	propName          = "name"
	propNameExact     = "nameExact"
	propParentID      = "parentId"
	propAncestors     = "ancestors"
	propCategoryID    = "categoryId"
	propTagIDs        = "tagIds"
	propResourceCount = "resourceCount"
	propText          = "text"
	propAttributes    = "attributes"
	propVersion       = "version"
	propCreatedAt     = "createdAt"
	propUpdatedAt     = "updatedAt"
)

// objectNamespace seeds deterministic object UUIDs so any entity id maps to
// a valid Weaviate id.
var objectNamespace = uuid.MustParse("0b6f3a52-5d5e-4c1e-9a55-6c0f1e7b2a10")

// objectID derives the Weaviate object id of an entity.
func objectID(index, id string) string {
	return uuid.NewSHA1(objectNamespace, []byte(index+"/"+id)).String()
}

// className maps an index name to a class, e.g. "categories" -> "CatalogCategories".
func className(prefix, index string) string {
	if index == "" {
		return prefix
	}
	return prefix + strings.ToUpper(index[:1]) + index[1:]
}

// classFor builds the class definition for one catalog index. Vectors are
// not used; the catalog relies on BM25 and inverted-index filters.
func classFor(prefix, index string) *models.Class {
	yes, no := true, false
	keyword := func(name, desc string, array bool) *models.Property {
		dt := "text"
		if array {
			dt = "text[]"
		}
		return &models.Property{
			Name:            name,
			Description:     desc,
			DataType:        []string{dt},
			Tokenization:    "field",
			IndexFilterable: &yes,
			IndexSearchable: &no,
		}
	}
	return &models.Class{
		Class:       className(prefix, index),
		Description: "Catalog " + index + " search projection",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			keyword(propEntityID, "Primary store id", false),
			keyword(propKind, "Entity kind", false),
			{
				Name:            propName,
				Description:     "Display name, tokenized for BM25",
				DataType:        []string{"text"},
				Tokenization:    "word",
				IndexFilterable: &yes,
				IndexSearchable: &yes,
			},
			keyword(propNameExact, "Exact name for filters and sorting", false),
			keyword(propParentID, "Parent category id, root sentinel for roots", false),
			keyword(propAncestors, "Materialized ancestor path", true),
			keyword(propCategoryID, "Owning category of a resource", false),
			keyword(propTagIDs, "Tags attached to a resource", true),
			{
				Name:            propResourceCount,
				DataType:        []string{"int"},
				IndexFilterable: &yes,
			},
			{
				Name:            propText,
				Description:     "Searchable text",
				DataType:        []string{"text"},
				Tokenization:    "word",
				IndexFilterable: &no,
				IndexSearchable: &yes,
			},
			{
				Name:            propAttributes,
				Description:     "Attributes as JSON",
				DataType:        []string{"text"},
				IndexFilterable: &no,
				IndexSearchable: &no,
			},
			{
				Name:            propVersion,
				DataType:        []string{"int"},
				IndexFilterable: &no,
			},
			{Name: propCreatedAt, DataType: []string{"date"}, IndexFilterable: &yes},
			{Name: propUpdatedAt, DataType: []string{"date"}, IndexFilterable: &yes},
		},
	}
}

// toProperties flattens a document into Weaviate properties.
func toProperties(doc search.Document) (map[string]interface{}, error) {
	attrs := ""
	if len(doc.Attributes) > 0 {
		b, err := json.Marshal(doc.Attributes)
		if err != nil {
			return nil, err
		}
		attrs = string(b)
	}
	parent := doc.ParentID
	if doc.Kind == domain.KindCategory && parent == "" {
		parent = domain.RootParent
	}
	return map[string]interface{}{
		propEntityID:      doc.ID,
		propKind:          string(doc.Kind),
		propName:          doc.Name,
		propNameExact:     doc.Name,
		propParentID:      parent,
		propAncestors:     nonNil(doc.Ancestors),
		propCategoryID:    doc.CategoryID,
		propTagIDs:        nonNil(doc.TagIDs),
		propResourceCount: doc.ResourceCount,
		propText:          doc.Text,
		propAttributes:    attrs,
		propVersion:       doc.Version,
		propCreatedAt:     doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		propUpdatedAt:     doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// fromProperties rebuilds a document from a GraphQL Get hit.
func fromProperties(props map[string]interface{}) search.Document {
	doc := search.Document{
		ID:            getString(props, propEntityID),
		Kind:          domain.Kind(getString(props, propKind)),
		Name:          getString(props, propName),
		ParentID:      getString(props, propParentID),
		Ancestors:     getStrings(props, propAncestors),
		CategoryID:    getString(props, propCategoryID),
		TagIDs:        getStrings(props, propTagIDs),
		ResourceCount: getInt(props, propResourceCount),
		Text:          getString(props, propText),
		Version:       getInt(props, propVersion),
		CreatedAt:     getTime(props, propCreatedAt),
		UpdatedAt:     getTime(props, propUpdatedAt),
	}
	if doc.ParentID == domain.RootParent {
		doc.ParentID = ""
	}
	if raw := getString(props, propAttributes); raw != "" {
		var attrs map[string]any
		if json.Unmarshal([]byte(raw), &attrs) == nil {
			doc.Attributes = attrs
		}
	}
	return doc
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getStrings(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getInt(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func getTime(m map[string]interface{}, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, getString(m, key))
	if err != nil {
		return time.Time{}
	}
	return t
}

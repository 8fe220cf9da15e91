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
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Error Tests
// -----------------------------------------------------------------------------

func TestError_IsMatchesSentinel(t *testing.T) {
	err := E(KindCycle, "move", "a", nil)
	assert.True(t, errors.Is(err, ErrCycle))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindCycle, KindOf(err))
	assert.Equal(t, KindCycle, KindOf(fmt.Errorf("wrapped: %w", err)))
}

func TestError_StoreUnavailableHidesCause(t *testing.T) {
	cause := errors.New("badger: txn too big, disk /var/lib/x corrupted")
	err := Normalize("create", "a", cause)

	assert.Equal(t, KindStoreUnavailable, KindOf(err))
	assert.NotContains(t, err.Error(), "badger")
	assert.True(t, errors.Is(err, cause))
}

func TestNormalize_KeepsKind(t *testing.T) {
	err := Normalize("delete", "x", fmt.Errorf("lookup: %w", ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Nil(t, Normalize("noop", "", nil))
}

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected string
	}{
		{KindValidation, "ValidationFailure"},
		{KindNotFound, "NotFound"},
		{KindDuplicateName, "DuplicateName"},
		{KindCycle, "CycleError"},
		{KindHasChildren, "HasChildren"},
		{KindNotEmpty, "NotEmpty"},
		{KindStoreUnavailable, "StoreUnavailable"},
		{KindDerivedStoreDegraded, "DerivedStoreDegraded"},
		{KindConflict, "Conflict"},
		{ErrorKind(99), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.String())
		})
	}
}

// -----------------------------------------------------------------------------
// Query Tests
// -----------------------------------------------------------------------------

func sampleEntities() []*Entity {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return []*Entity{
		{ID: "a", Kind: KindCategory, Name: "Algebra", CreatedAt: base, ResourceCount: 3},
		{ID: "b", Kind: KindCategory, Name: "Biology", ParentID: "a", Ancestors: []string{"a"}, CreatedAt: base.Add(time.Hour)},
		{ID: "c", Kind: KindCategory, Name: "Cells", ParentID: "b", Ancestors: []string{"a", "b"}, CreatedAt: base.Add(2 * time.Hour), ResourceCount: 7},
		{ID: "r", Kind: KindResource, Name: "Worksheet", CategoryID: "c", TagIDs: []string{"t"},
			Attributes: map[string]any{"summary": "mitosis diagrams", "grade": 9}},
	}
}

func TestFilter_Matches(t *testing.T) {
	items := sampleEntities()

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"kind", Filter{Kind: KindCategory}, []string{"a", "b", "c"}},
		{"roots", Filter{Kind: KindCategory, ParentID: ParentIs("")}, []string{"a"}},
		{"children", Filter{ParentID: ParentIs("a")}, []string{"b"}},
		{"subtree", Filter{AncestorID: "a"}, []string{"b", "c"}},
		{"name trimmed", Filter{Name: "  Cells "}, []string{"c"}},
		{"text attribute", Filter{Text: "MITOSIS"}, []string{"r"}},
		{"text all terms", Filter{Text: "worksheet diagrams"}, []string{"r"}},
		{"text miss", Filter{Text: "worksheet zebra"}, nil},
		{"tag", Filter{TagID: "t"}, []string{"r"}},
		{"category", Filter{CategoryID: "c"}, []string{"r"}},
		{"attribute", Filter{Attributes: map[string]any{"grade": "9"}}, []string{"r"}},
		{"ids", Filter{IDs: []string{"a", "c"}}, []string{"a", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range items {
				if tt.filter.Matches(e) {
					got = append(got, e.ID)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelect_SortAndPaginate(t *testing.T) {
	items := sampleEntities()

	page := Select(items, Filter{Kind: KindCategory}, Sort{Field: SortByResourceCount, Desc: true}, Pagination{Limit: 2})
	require.Len(t, page.Items, 2)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, "c", page.Items[0].ID)
	assert.Equal(t, "a", page.Items[1].ID)

	page = Select(items, Filter{Kind: KindCategory}, Sort{Field: SortByName}, Pagination{Offset: 2, Limit: 5})
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c", page.Items[0].ID)

	page = Select(items, Filter{Kind: KindCategory}, Sort{}, Pagination{Offset: 10})
	assert.Empty(t, page.Items)
	assert.Equal(t, 3, page.Total)
}

func TestPagination_Normalize(t *testing.T) {
	assert.Equal(t, Pagination{Offset: 0, Limit: DefaultPageLimit}, Pagination{Offset: -1}.Normalize())
	assert.Equal(t, MaxPageLimit, Pagination{Limit: 10_000}.Normalize().Limit)
}

func TestSort_Validate(t *testing.T) {
	assert.NoError(t, Sort{Field: SortByUpdatedAt}.Validate())
	err := Sort{Field: "popularity"}.Validate()
	assert.True(t, errors.Is(err, ErrValidation))
}

// -----------------------------------------------------------------------------
// Entity and Command Tests
// -----------------------------------------------------------------------------

func TestEntity_CloneDoesNotAlias(t *testing.T) {
	e := &Entity{ID: "x", Ancestors: []string{"a"}, Attributes: map[string]any{"k": "v"}}
	c := e.Clone()
	c.Ancestors[0] = "z"
	c.Attributes["k"] = "w"

	assert.Equal(t, "a", e.Ancestors[0])
	assert.Equal(t, "v", e.Attributes["k"])
}

func TestEntity_StampUsesPrincipal(t *testing.T) {
	now := time.Now().UTC()
	ctx := WithPrincipal(context.Background(), Principal{ID: "editor-42"})

	e := &Entity{Kind: KindTag, Name: "math"}
	e.Stamp(ctx, now)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, "editor-42", e.CreatedBy)

	e.Touch(context.Background(), now.Add(time.Second))
	assert.Equal(t, SystemPrincipal, e.UpdatedBy)
}

func TestValidate_Commands(t *testing.T) {
	assert.NoError(t, Validate("create", &NewCategory{Name: "Physics"}))

	err := Validate("create", &NewCategory{Name: "   "})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "Name")

	blank := " "
	assert.Error(t, Validate("update", &UpdateCategory{Name: &blank}))
	assert.NoError(t, Validate("update", &UpdateCategory{}))

	assert.Error(t, Validate("create", &NewResource{Name: "r"}))
	assert.Error(t, Validate("create", &NewResource{Name: "r", CategoryID: "c", TagIDs: []string{"t", "t"}}))
	assert.NoError(t, Validate("create", &NewResource{Name: "r", CategoryID: "c", TagIDs: []string{"t", "u"}}))
}

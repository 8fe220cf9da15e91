// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/storage/badger"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/storage/sqlite"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/tree"
)

// stores returns one factory per PrimaryStore implementation.
func stores() map[string]func(t *testing.T) domain.PrimaryStore {
	return map[string]func(t *testing.T) domain.PrimaryStore{
		"badger": func(t *testing.T) domain.PrimaryStore {
			s, err := badger.OpenInMemory()
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) domain.PrimaryStore {
			s, err := sqlite.Open(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "tree.db")})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// forEachStore runs fn as a subtest against every store.
func forEachStore(t *testing.T, fn func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer)) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			m, err := tree.New(tree.Config{Store: store})
			require.NoError(t, err)
			fn(t, store, m)
		})
	}
}

func mustCreate(t *testing.T, m *tree.Maintainer, name, parent string) *domain.Entity {
	t.Helper()
	e, err := m.Create(context.Background(), domain.NewCategory{Name: name, ParentID: parent})
	require.NoError(t, err)
	return e
}

func load(t *testing.T, store domain.PrimaryStore, id string) *domain.Entity {
	t.Helper()
	e, err := store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return e
}

// assertInvariant checks that every category's path equals its parent chain.
func assertInvariant(t *testing.T, store domain.PrimaryStore) {
	t.Helper()
	page, err := store.FindMany(context.Background(), domain.Filter{Kind: domain.KindCategory},
		domain.Sort{}, domain.Pagination{Limit: domain.MaxPageLimit})
	require.NoError(t, err)

	byID := make(map[string]*domain.Entity, len(page.Items))
	for _, e := range page.Items {
		byID[e.ID] = e
	}
	for _, e := range page.Items {
		var chain []string
		for cur := e.ParentID; cur != ""; cur = byID[cur].ParentID {
			require.Contains(t, byID, cur, "parent of %s missing", e.Name)
			require.Less(t, len(chain), len(byID), "cycle through %s", e.Name)
			chain = append(chain, cur)
		}
		slices.Reverse(chain)
		assert.True(t, slices.Equal(chain, e.Ancestors), "%s: path %v, chain %v", e.Name, e.Ancestors, chain)
	}
}

func versions(t *testing.T, store domain.PrimaryStore) map[string]int64 {
	t.Helper()
	page, err := store.FindMany(context.Background(), domain.Filter{Kind: domain.KindCategory},
		domain.Sort{}, domain.Pagination{Limit: domain.MaxPageLimit})
	require.NoError(t, err)
	out := make(map[string]int64, len(page.Items))
	for _, e := range page.Items {
		out[e.ID] = e.Version
	}
	return out
}

func TestComputeAncestors(t *testing.T) {
	assert.Equal(t, []string{}, tree.ComputeAncestors(nil))
	assert.Equal(t, []string{"a"}, tree.ComputeAncestors(&domain.Entity{ID: "a"}))

	parent := &domain.Entity{ID: "c", Ancestors: []string{"a", "b"}}
	got := tree.ComputeAncestors(parent)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	got[0] = "x"
	assert.Equal(t, []string{"a", "b"}, parent.Ancestors)
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := tree.New(tree.Config{})
	assert.Error(t, err)
}

func TestMaintainer_MoveScenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "A", "")
		b := mustCreate(t, m, "B", a.ID)
		c := mustCreate(t, m, "C", b.ID)
		assert.Equal(t, []string{a.ID, b.ID}, load(t, store, c.ID).Ancestors)

		res, err := m.Move(ctx, b.ID, domain.RootParent)
		require.NoError(t, err)
		assert.Empty(t, res.Node.Ancestors)
		assert.Equal(t, a.ID, res.OldParentID)
		assert.Equal(t, []string{a.ID}, res.OldAncestors)
		require.Len(t, res.Repaired, 1)
		assert.Equal(t, c.ID, res.Repaired[0].ID)
		assert.Len(t, res.Affected(), 2)

		assert.Empty(t, load(t, store, b.ID).Ancestors)
		assert.Empty(t, load(t, store, b.ID).ParentID)
		assert.Equal(t, []string{b.ID}, load(t, store, c.ID).Ancestors)

		// A is no longer above C, so A can move under C.
		_, err = m.Move(ctx, b.ID, c.ID)
		assert.True(t, errors.Is(err, domain.ErrCycle))

		_, err = m.Move(ctx, a.ID, c.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID, c.ID}, load(t, store, a.ID).Ancestors)
		assertInvariant(t, store)
	})
}

func TestMaintainer_MoveRejectsCycles(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "A", "")
		b := mustCreate(t, m, "B", a.ID)
		c := mustCreate(t, m, "C", b.ID)
		d := mustCreate(t, m, "D", a.ID)
		before := versions(t, store)

		for _, target := range []string{a.ID, b.ID, c.ID, d.ID} {
			_, err := m.Move(ctx, a.ID, target)
			assert.True(t, errors.Is(err, domain.ErrCycle), "target %s", target)
			assert.Equal(t, domain.KindCycle, domain.KindOf(err))
		}
		_, err := m.Move(ctx, b.ID, c.ID)
		assert.True(t, errors.Is(err, domain.ErrCycle))

		assert.Equal(t, before, versions(t, store))
		assert.Empty(t, load(t, store, a.ID).Ancestors)
		assertInvariant(t, store)
	})
}

func TestMaintainer_MoveErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "A", "")

		_, err := m.Move(ctx, "missing", domain.RootParent)
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		_, err = m.Move(ctx, a.ID, "missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		tag := &domain.Entity{Kind: domain.KindTag, Name: "algebra"}
		tag.Stamp(ctx, tag.CreatedAt)
		require.NoError(t, store.Create(ctx, tag))
		_, err = m.Move(ctx, a.ID, tag.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		_, err = m.Move(ctx, tag.ID, a.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		_, err = m.Move(ctx, "", a.ID)
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})
}

func TestMaintainer_MoveToSameParentIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "A", "")
		b := mustCreate(t, m, "B", a.ID)

		res, err := m.Move(ctx, b.ID, a.ID)
		require.NoError(t, err)
		assert.Empty(t, res.Repaired)
		assert.Equal(t, int64(1), load(t, store, b.ID).Version)

		res, err = m.Move(ctx, a.ID, "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Node.Version)
	})
}

func TestMaintainer_MoveRepairsEveryDescendantOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		top := mustCreate(t, m, "top", "")
		other := mustCreate(t, m, "other", "")

		// A deep chain and a wide fan below top.
		parent := top.ID
		for i := 0; i < 25; i++ {
			parent = mustCreate(t, m, fmt.Sprintf("deep-%02d", i), parent).ID
		}
		for i := 0; i < 40; i++ {
			mustCreate(t, m, fmt.Sprintf("wide-%02d", i), top.ID)
		}

		res, err := m.Move(ctx, top.ID, other.ID)
		require.NoError(t, err)
		assert.Equal(t, 65, res.Visited)
		assert.Len(t, res.Repaired, 65)

		seen := make(map[string]bool)
		for _, e := range res.Repaired {
			assert.False(t, seen[e.ID], "%s repaired twice", e.Name)
			seen[e.ID] = true
			assert.Equal(t, other.ID, e.Ancestors[0])
		}
		assertInvariant(t, store)
	})
}

func TestMaintainer_CreateErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		mustCreate(t, m, "Science", "")

		_, err := m.Create(ctx, domain.NewCategory{Name: "  Science "})
		assert.True(t, errors.Is(err, domain.ErrDuplicateName))

		_, err = m.Create(ctx, domain.NewCategory{Name: "science"})
		assert.NoError(t, err, "names are case-sensitive")

		_, err = m.Create(ctx, domain.NewCategory{Name: "Orphan", ParentID: "missing"})
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		_, err = m.Create(ctx, domain.NewCategory{Name: "   "})
		assert.True(t, errors.Is(err, domain.ErrValidation))

		root, err := m.Create(ctx, domain.NewCategory{Name: "Arts", ParentID: domain.RootParent})
		require.NoError(t, err)
		assert.Empty(t, root.ParentID)
		assert.Equal(t, int64(1), root.Version)
	})
}

func TestMaintainer_CreateRecordsPrincipal(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := domain.WithPrincipal(context.Background(), domain.Principal{ID: "editor-7"})
		e, err := m.Create(ctx, domain.NewCategory{Name: "History"})
		require.NoError(t, err)
		got := load(t, store, e.ID)
		assert.Equal(t, "editor-7", got.CreatedBy)
		assert.Equal(t, "editor-7", got.UpdatedBy)
	})
}

func TestMaintainer_Update(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "Maths", "")
		mustCreate(t, m, "Physics", "")

		name := " Mathematics "
		got, err := m.Update(ctx, a.ID, domain.UpdateCategory{Name: &name, Attributes: map[string]any{"level": "ks2"}})
		require.NoError(t, err)
		assert.Equal(t, "Mathematics", got.Name)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "ks2", load(t, store, a.ID).Attributes["level"])

		taken := "Physics"
		_, err = m.Update(ctx, a.ID, domain.UpdateCategory{Name: &taken})
		assert.True(t, errors.Is(err, domain.ErrDuplicateName))

		_, err = m.Update(ctx, "missing", domain.UpdateCategory{Name: &name})
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestMaintainer_DeleteGuards(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "A", "")
		b := mustCreate(t, m, "B", a.ID)
		counted := mustCreate(t, m, "Counted", "")
		referenced := mustCreate(t, m, "Referenced", "")

		_, err := m.Delete(ctx, a.ID)
		assert.True(t, errors.Is(err, domain.ErrHasChildren))

		_, err = store.Increment(ctx, counted.ID, 1)
		require.NoError(t, err)
		_, err = m.Delete(ctx, counted.ID)
		assert.True(t, errors.Is(err, domain.ErrNotEmpty))

		// A reference is found even when the counter drifted to zero.
		res := &domain.Entity{Kind: domain.KindResource, Name: "worksheet", CategoryID: referenced.ID}
		res.Stamp(ctx, res.CreatedAt)
		require.NoError(t, store.Create(ctx, res))
		_, err = m.Delete(ctx, referenced.ID)
		assert.True(t, errors.Is(err, domain.ErrNotEmpty))

		deleted, err := m.Delete(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID}, deleted.Ancestors)

		page, err := store.FindMany(ctx, domain.Filter{Kind: domain.KindCategory}, domain.Sort{}, domain.Pagination{})
		require.NoError(t, err)
		for _, e := range page.Items {
			assert.NotEqual(t, b.ID, e.ID)
		}

		_, err = m.Delete(ctx, a.ID)
		require.NoError(t, err)
		_, err = m.Delete(ctx, a.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestMaintainer_RepairIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "A", "")
		b := mustCreate(t, m, "B", a.ID)
		mustCreate(t, m, "C", b.ID)
		mustCreate(t, m, "D", "")
		before := versions(t, store)

		report, err := m.RepairAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, report.Checked)
		assert.Empty(t, report.Repaired)
		assert.Empty(t, report.Orphans)

		report, err = m.Repair(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Checked)
		assert.Empty(t, report.Repaired)

		assert.Equal(t, before, versions(t, store))
	})
}

func TestMaintainer_RepairFixesStalePaths(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "A", "")
		b := mustCreate(t, m, "B", a.ID)
		c := mustCreate(t, m, "C", b.ID)

		// Simulate a move of B under root that crashed before C was repaired.
		stale := load(t, store, b.ID)
		stale.ParentID = ""
		stale.Ancestors = nil
		require.NoError(t, store.Update(ctx, stale))
		assert.Equal(t, []string{a.ID, b.ID}, load(t, store, c.ID).Ancestors)

		report, err := m.RepairAll(ctx)
		require.NoError(t, err)
		require.Len(t, report.Repaired, 1)
		assert.Equal(t, c.ID, report.Repaired[0].ID)
		assert.Equal(t, []string{b.ID}, load(t, store, c.ID).Ancestors)
		assertInvariant(t, store)

		report, err = m.RepairAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Repaired)
	})
}

func TestMaintainer_RepairSingleNodeFixesItsOwnPath(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "A", "")
		b := mustCreate(t, m, "B", a.ID)
		c := mustCreate(t, m, "C", b.ID)

		corrupt := load(t, store, b.ID)
		corrupt.Ancestors = []string{"bogus"}
		require.NoError(t, store.Update(ctx, corrupt))

		report, err := m.Repair(ctx, b.ID)
		require.NoError(t, err)
		assert.Len(t, report.Repaired, 1)
		assert.Equal(t, []string{a.ID}, load(t, store, b.ID).Ancestors)
		assert.Equal(t, []string{a.ID, b.ID}, load(t, store, c.ID).Ancestors)

		_, err = m.Repair(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestMaintainer_RepairAllReportsOrphans(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		mustCreate(t, m, "A", "")

		orphan := &domain.Entity{Kind: domain.KindCategory, Name: "Lost", ParentID: "gone", Ancestors: []string{"gone"}}
		orphan.Stamp(ctx, orphan.CreatedAt)
		require.NoError(t, store.Create(ctx, orphan))

		report, err := m.RepairAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{orphan.ID}, report.Orphans)
		assert.Equal(t, orphan.Version, load(t, store, orphan.ID).Version)

		report, err = m.Repair(ctx, orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{orphan.ID}, report.Orphans)
	})
}

func TestMaintainer_StalePathDefeatsCycleCheckAndRepairReportsLoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		a := mustCreate(t, m, "A", "")
		b := mustCreate(t, m, "B", a.ID)

		// A concurrent move whose descendant walk has not reached B yet
		// leaves B with a path that no longer names A.
		stale := load(t, store, b.ID)
		stale.Ancestors = []string{}
		require.NoError(t, store.Update(ctx, stale))

		_, err := m.Move(ctx, a.ID, b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, load(t, store, a.ID).ParentID)
		assert.Equal(t, a.ID, load(t, store, b.ID).ParentID)

		report, err := m.RepairAll(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.ID, b.ID}, report.Orphans)
		assert.Empty(t, report.Repaired)
	})
}

func TestMaintainer_AncestorInvariantUnderRandomOperations(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.PrimaryStore, m *tree.Maintainer) {
		ctx := context.Background()
		rng := rand.New(rand.NewPCG(7, 11))
		ids := []string{mustCreate(t, m, "n0", "").ID}

		for i := 1; i < 120; i++ {
			if rng.IntN(3) > 0 || len(ids) < 3 {
				parent := ""
				if rng.IntN(5) > 0 {
					parent = ids[rng.IntN(len(ids))]
				}
				ids = append(ids, mustCreate(t, m, fmt.Sprintf("n%d", i), parent).ID)
				continue
			}
			node := ids[rng.IntN(len(ids))]
			target := domain.RootParent
			if rng.IntN(4) > 0 {
				target = ids[rng.IntN(len(ids))]
			}
			_, err := m.Move(ctx, node, target)
			if err != nil {
				require.True(t, errors.Is(err, domain.ErrCycle), "unexpected error %v", err)
			}
		}
		assertInvariant(t, store)

		report, err := m.RepairAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Repaired)
		assert.Empty(t, report.Orphans)
	})
}

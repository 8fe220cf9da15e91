// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLRU(t *testing.T, size int) (*LRU, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := NewLRU(LRUConfig{Size: size, DefaultTTL: time.Minute, Now: clock.Now})
	require.NoError(t, err)
	return c, clock
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "entity:c1", EntityKey("c1"))
	assert.Equal(t, "entity:c1:children", ViewKey("c1", ViewChildren))
	assert.Equal(t, "entity:root:subtree", ViewKey("", ViewSubtree))
	assert.Equal(t, []string{"entity:c1", "entity:c1:*"}, Patterns("c1"))
	assert.Equal(t, []string{"entity:root", "entity:root:*"}, Patterns(""))
}

func TestLRU_GetSetDelete(t *testing.T) {
	c, _ := newTestLRU(t, 10)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "entity:a")
	require.NoError(t, err)
	assert.False(t, ok)

	value := []byte(`{"id":"a"}`)
	require.NoError(t, c.Set(ctx, "entity:a", value, 0))
	value[0] = 'X'

	got, ok, err := c.Get(ctx, "entity:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"a"}`, string(got))

	require.NoError(t, c.Delete(ctx, "entity:a"))
	require.NoError(t, c.Delete(ctx, "entity:a"))
	_, ok, _ = c.Get(ctx, "entity:a")
	assert.False(t, ok)
}

func TestLRU_Expiry(t *testing.T) {
	c, clock := newTestLRU(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "entity:short", []byte("1"), 10*time.Second))
	require.NoError(t, c.Set(ctx, "entity:default", []byte("2"), 0))

	clock.Advance(10 * time.Second)
	_, ok, _ := c.Get(ctx, "entity:short")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "entity:default")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, _ = c.Get(ctx, "entity:default")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestLRU(t, 2)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "entity:a", []byte("a"), 0))
	require.NoError(t, c.Set(ctx, "entity:b", []byte("b"), 0))
	_, _, _ = c.Get(ctx, "entity:a")
	require.NoError(t, c.Set(ctx, "entity:c", []byte("c"), 0))

	_, ok, _ := c.Get(ctx, "entity:b")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "entity:a")
	assert.True(t, ok)
}

func TestLRU_DeleteByPatternScopesToEntity(t *testing.T) {
	c, _ := newTestLRU(t, 100)
	ctx := context.Background()

	keys := []string{
		EntityKey("c1"),
		ViewKey("c1", ViewChildren),
		ViewKey("c1", ViewSubtree),
		EntityKey("c10"),
		ViewKey("c10", ViewChildren),
		EntityKey("c2"),
	}
	for _, k := range keys {
		require.NoError(t, c.Set(ctx, k, []byte(k), 0))
	}

	removed := 0
	for _, p := range Patterns("c1") {
		n, err := c.DeleteByPattern(ctx, p)
		require.NoError(t, err)
		removed += n
	}
	assert.Equal(t, 3, removed)
	assert.Equal(t, 3, c.Len())

	for _, k := range []string{EntityKey("c10"), ViewKey("c10", ViewChildren), EntityKey("c2")} {
		_, ok, _ := c.Get(ctx, k)
		assert.True(t, ok, k)
	}

	_, err := c.DeleteByPattern(ctx, "entity:[")
	assert.Error(t, err)
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	c, _ := newTestLRU(t, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := EntityKey(fmt.Sprintf("%d-%d", i, j%10))
				_ = c.Set(ctx, key, []byte("v"), 0)
				_, _, _ = c.Get(ctx, key)
				if j%25 == 0 {
					_, _ = c.DeleteByPattern(ctx, EntityKey(fmt.Sprintf("%d-*", i)))
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

func TestNewLRU_RejectsZeroSize(t *testing.T) {
	_, err := NewLRU(LRUConfig{})
	assert.Error(t, err)

	c, err := NewLRU(DefaultLRUConfig())
	require.NoError(t, err)
	assert.Zero(t, c.Len())
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/pickarr/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "models.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSearchCacheStore_StoreAndFetch(t *testing.T) {
	ctx := context.Background()
	store := NewSearchCacheStore(newTestDB(t))

	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	entry := &SearchCacheEntry{
		CacheKey:     "abc",
		Query:        "Movie 2021",
		IndexerIDs:   []string{"jackett", "hdb"},
		ResponseData: []byte(`{"releases":[]}`),
		TotalResults: 3,
		CachedAt:     now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}
	require.NoError(t, store.Store(ctx, entry))

	got, ok, err := store.Fetch(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Movie 2021", got.Query)
	assert.Equal(t, []string{"jackett", "hdb"}, got.IndexerIDs)
	assert.Equal(t, 3, got.TotalResults)
	assert.Equal(t, []byte(`{"releases":[]}`), got.ResponseData)

	got, ok, err = store.Fetch(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.HitCount)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(2), stats.TotalHits)

	// expired entries are dropped on read
	now = now.Add(11 * time.Minute)
	_, ok, err = store.Fetch(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSearchCacheStore_Validation(t *testing.T) {
	ctx := context.Background()
	store := NewSearchCacheStore(newTestDB(t))
	now := time.Now().UTC()

	tests := []struct {
		name  string
		entry *SearchCacheEntry
	}{
		{name: "nil", entry: nil},
		{name: "empty key", entry: &SearchCacheEntry{ResponseData: []byte("x"), CachedAt: now, ExpiresAt: now.Add(time.Minute)}},
		{name: "empty payload", entry: &SearchCacheEntry{CacheKey: "k", CachedAt: now, ExpiresAt: now.Add(time.Minute)}},
		{name: "expires before cached", entry: &SearchCacheEntry{CacheKey: "k", ResponseData: []byte("x"), CachedAt: now, ExpiresAt: now}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, store.Store(ctx, tt.entry))
		})
	}

	_, _, err := store.Fetch(ctx, " ")
	assert.Error(t, err)
}

func TestSearchCacheStore_CleanupAndFlush(t *testing.T) {
	ctx := context.Background()
	store := NewSearchCacheStore(newTestDB(t))

	now := time.Now().UTC()
	for _, e := range []*SearchCacheEntry{
		{CacheKey: "old", ResponseData: []byte("x"), CachedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		{CacheKey: "live", ResponseData: []byte("x"), CachedAt: now, ExpiresAt: now.Add(time.Hour)},
	} {
		require.NoError(t, store.Store(ctx, e))
	}

	deleted, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = store.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

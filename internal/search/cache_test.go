// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/pickarr/internal/database"
	"github.com/autobrr/pickarr/internal/indexer"
	"github.com/autobrr/pickarr/internal/models"
	"github.com/autobrr/pickarr/internal/release"
)

func TestCacheKey(t *testing.T) {
	base := CacheKey(indexer.Query{Title: "Movie", Year: 2021, Categories: []int{2000, 2040}}, []string{"a", "b"})

	tests := []struct {
		name  string
		query indexer.Query
		ids   []string
		same  bool
	}{
		{
			name:  "client order does not matter",
			query: indexer.Query{Title: "Movie", Year: 2021, Categories: []int{2040, 2000}},
			ids:   []string{"b", "a"},
			same:  true,
		},
		{
			name:  "title case and spacing do not matter",
			query: indexer.Query{Title: "  movie ", Year: 2021, Categories: []int{2000, 2040}},
			ids:   []string{"a", "b"},
			same:  true,
		},
		{
			name:  "different year",
			query: indexer.Query{Title: "Movie", Year: 2022, Categories: []int{2000, 2040}},
			ids:   []string{"a", "b"},
		},
		{
			name:  "different clients",
			query: indexer.Query{Title: "Movie", Year: 2021, Categories: []int{2000, 2040}},
			ids:   []string{"a"},
		},
		{
			name:  "imdb id",
			query: indexer.Query{Title: "Movie", Year: 2021, IMDbID: "tt0111161", Categories: []int{2000, 2040}},
			ids:   []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := CacheKey(tt.query, tt.ids)
			if tt.same {
				assert.Equal(t, base, key)
			} else {
				assert.NotEqual(t, base, key)
			}
		})
	}
}

func sampleResult() *Result {
	rel := release.Annotate(
		candidate("a", "Movie.2021.1080p.BluRay.x264-A", 10*gib, 12),
		release.Parse("Movie.2021.1080p.BluRay.x264-A"),
	)
	rel.Sources = []string{"a", "b"}
	return &Result{
		SearchID:  "search-1",
		Query:     movieQuery,
		Releases:  []release.Annotated{rel},
		Errors:    []ClientError{},
		Responded: 2,
		Total:     2,
	}
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(time.Minute)

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", sampleResult(), time.Minute))

	got, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleResult().Releases, got.Releases)

	// callers must not be able to mutate the cached copy
	got.Releases[0].Sources[0] = "mutated"
	again, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, again.Releases[0].Sources)
}

func TestSQLCache(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(filepath.Join(t.TempDir(), "pickarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := models.NewSearchCacheStore(db)
	cache := NewSQLCache(store)

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	want := sampleResult()
	require.NoError(t, cache.Set(ctx, "k", want, time.Minute))

	got, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Responded, got.Responded)
	require.Len(t, got.Releases, 1)
	assert.Equal(t, want.Releases[0].Title, got.Releases[0].Title)
	assert.Equal(t, want.Releases[0].Sources, got.Releases[0].Sources)
	assert.True(t, want.Releases[0].PublishDate.Equal(got.Releases[0].PublishDate))

	recent, err := store.RecentSearches(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "Movie 2021", recent[0].Query)
	assert.Equal(t, []string{"a", "b"}, recent[0].IndexerIDs)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("PICKARR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PICKARR_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisCache(client)
	require.NoError(t, cache.Ping(ctx))

	key := "test-" + time.Now().Format("150405.000000")
	require.NoError(t, cache.Set(ctx, key, sampleResult(), time.Minute))

	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Responded)

	_, ok, err = cache.Get(ctx, key+"-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/cespare/xxhash/v2"

	"github.com/autobrr/pickarr/internal/indexer"
	"github.com/autobrr/pickarr/internal/release"
)

// Cache stores aggregated results for a short time. Implementations must be
// safe for concurrent use and must not hand out shared slices.
type Cache interface {
	Get(ctx context.Context, key string) (*Result, bool, error)
	Set(ctx context.Context, key string, res *Result, ttl time.Duration) error
}

// CacheKey hashes the normalized query together with the sorted client ids.
func CacheKey(q indexer.Query, clientIDs []string) string {
	ids := slices.Clone(clientIDs)
	slices.Sort(ids)
	cats := slices.Clone(q.Categories)
	slices.Sort(cats)

	var b strings.Builder
	b.WriteString(strings.Join(strings.Fields(foldText(q.Title)), " "))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(q.Year))
	b.WriteByte('|')
	b.WriteString(q.IMDbNumeric())
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(q.TMDbID))
	b.WriteByte('|')
	for i, c := range cats {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(c))
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(q.Limit))
	b.WriteByte('|')
	b.WriteString(strings.Join(ids, ","))

	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}

// MemoryCache keeps results in process.
type MemoryCache struct {
	cache *ttlcache.Cache[string, *Result]
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		cache: ttlcache.New(ttlcache.Options[string, *Result]{}.SetDefaultTTL(ttl)),
	}
}

func (m *MemoryCache) Get(_ context.Context, key string) (*Result, bool, error) {
	res, ok := m.cache.Get(key)
	if !ok || res == nil {
		return nil, false, nil
	}
	return cloneResult(res), true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, res *Result, ttl time.Duration) error {
	if res == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	m.cache.Set(key, cloneResult(res), ttl)
	return nil
}

func cloneResult(res *Result) *Result {
	out := *res
	out.Releases = make([]release.Annotated, len(res.Releases))
	for i, rel := range res.Releases {
		rel.Sources = slices.Clone(rel.Sources)
		out.Releases[i] = rel
	}
	out.Errors = slices.Clone(res.Errors)
	if out.Errors == nil {
		out.Errors = []ClientError{}
	}
	return &out
}

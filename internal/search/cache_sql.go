// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autobrr/pickarr/internal/models"
)

// SQLCache persists results through the sqlite search cache table.
type SQLCache struct {
	store *models.SearchCacheStore
}

func NewSQLCache(store *models.SearchCacheStore) *SQLCache {
	return &SQLCache{store: store}
}

func (c *SQLCache) Get(ctx context.Context, key string) (*Result, bool, error) {
	entry, ok, err := c.store.Fetch(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	var res Result
	if err := json.Unmarshal(entry.ResponseData, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached search: %w", err)
	}
	return &res, true, nil
}

func (c *SQLCache) Set(ctx context.Context, key string, res *Result, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode search result: %w", err)
	}

	ids := make([]string, 0, res.Total)
	seen := make(map[string]struct{})
	for _, rel := range res.Releases {
		for _, id := range rel.Sources {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	now := time.Now().UTC()
	return c.store.Store(ctx, &models.SearchCacheEntry{
		CacheKey:     key,
		Query:        res.Query.SearchTerm(),
		IndexerIDs:   ids,
		ResponseData: data,
		TotalResults: len(res.Releases),
		CachedAt:     now,
		LastUsedAt:   now,
		ExpiresAt:    now.Add(ttl),
	})
}

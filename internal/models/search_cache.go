// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/dbinterface"
)

// SearchCacheEntry captures one cached aggregated search.
type SearchCacheEntry struct {
	ID           int64
	CacheKey     string
	Query        string
	IndexerIDs   []string
	ResponseData []byte
	TotalResults int
	CachedAt     time.Time
	LastUsedAt   time.Time
	ExpiresAt    time.Time
	HitCount     int64
}

// SearchCacheStats summarizes the cache table.
type SearchCacheStats struct {
	Entries         int64      `json:"entries"`
	TotalHits       int64      `json:"totalHits"`
	ApproxSizeBytes int64      `json:"approxSizeBytes"`
	OldestCachedAt  *time.Time `json:"oldestCachedAt,omitempty"`
	NewestCachedAt  *time.Time `json:"newestCachedAt,omitempty"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
}

// RecentSearch is cached search metadata without the payload.
type RecentSearch struct {
	CacheKey     string     `json:"cacheKey"`
	Query        string     `json:"query"`
	IndexerIDs   []string   `json:"indexerIds"`
	TotalResults int        `json:"totalResults"`
	CachedAt     time.Time  `json:"cachedAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	HitCount     int64      `json:"hitCount"`
}

// SearchCacheStore persists search cache entries in sqlite.
type SearchCacheStore struct {
	db  dbinterface.Querier
	now func() time.Time
}

func NewSearchCacheStore(db dbinterface.Querier) *SearchCacheStore {
	return &SearchCacheStore{db: db, now: time.Now}
}

// Fetch returns a live entry by cache key. Expired rows are removed on read.
func (s *SearchCacheStore) Fetch(ctx context.Context, cacheKey string) (*SearchCacheEntry, bool, error) {
	if strings.TrimSpace(cacheKey) == "" {
		return nil, false, fmt.Errorf("cache key cannot be empty")
	}

	const fetchQuery = `
		SELECT id, query, indexer_ids_json, response_data, total_results,
		       cached_at, last_used_at, expires_at, hit_count
		FROM search_cache
		WHERE cache_key = ?
	`

	var (
		entry        = &SearchCacheEntry{CacheKey: cacheKey}
		queryValue   sql.NullString
		indexersJSON sql.NullString
	)

	err := s.db.QueryRowContext(ctx, fetchQuery, cacheKey).Scan(
		&entry.ID,
		&queryValue,
		&indexersJSON,
		&entry.ResponseData,
		&entry.TotalResults,
		&entry.CachedAt,
		&entry.LastUsedAt,
		&entry.ExpiresAt,
		&entry.HitCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch search cache: %w", err)
	}

	if !s.now().UTC().Before(entry.ExpiresAt) {
		s.deleteEntry(ctx, entry.ID)
		return nil, false, nil
	}

	entry.Query = strings.TrimSpace(queryValue.String)
	entry.IndexerIDs = decodeStringArray(indexersJSON.String)

	s.touchEntry(ctx, entry.ID)
	return entry, true, nil
}

// Store inserts or replaces a cache entry.
func (s *SearchCacheStore) Store(ctx context.Context, entry *SearchCacheEntry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if strings.TrimSpace(entry.CacheKey) == "" {
		return fmt.Errorf("cache key cannot be empty")
	}
	if len(entry.ResponseData) == 0 {
		return fmt.Errorf("response data cannot be empty")
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = s.now().UTC()
	}
	if entry.LastUsedAt.IsZero() {
		entry.LastUsedAt = entry.CachedAt
	}
	if !entry.ExpiresAt.After(entry.CachedAt) {
		return fmt.Errorf("expiresAt must be after cachedAt")
	}

	indexersJSON, err := json.Marshal(entry.IndexerIDs)
	if err != nil {
		return fmt.Errorf("encode indexer ids: %w", err)
	}

	const query = `
		INSERT INTO search_cache (
			cache_key, query, indexer_ids_json, response_data, total_results,
			cached_at, last_used_at, expires_at, hit_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(cache_key) DO UPDATE SET
			query = excluded.query,
			indexer_ids_json = excluded.indexer_ids_json,
			response_data = excluded.response_data,
			total_results = excluded.total_results,
			cached_at = excluded.cached_at,
			last_used_at = excluded.last_used_at,
			expires_at = excluded.expires_at
	`

	if _, err := s.db.ExecContext(
		ctx,
		query,
		entry.CacheKey,
		entry.Query,
		string(indexersJSON),
		entry.ResponseData,
		entry.TotalResults,
		entry.CachedAt.UTC(),
		entry.LastUsedAt.UTC(),
		entry.ExpiresAt.UTC(),
	); err != nil {
		return fmt.Errorf("store search cache entry: %w", err)
	}
	return nil
}

// RecentSearches returns the most recently used cached queries.
func (s *SearchCacheStore) RecentSearches(ctx context.Context, limit int) ([]*RecentSearch, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	const query = `
		SELECT cache_key, COALESCE(query, ''), indexer_ids_json, total_results,
		       cached_at, last_used_at, expires_at, hit_count
		FROM search_cache
		WHERE TRIM(COALESCE(query, '')) != ''
		ORDER BY COALESCE(last_used_at, cached_at) DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("recent searches: %w", err)
	}
	defer rows.Close()

	var results []*RecentSearch
	for rows.Next() {
		var (
			entry        RecentSearch
			indexersJSON sql.NullString
			lastUsed     sql.NullTime
		)
		if err := rows.Scan(
			&entry.CacheKey,
			&entry.Query,
			&indexersJSON,
			&entry.TotalResults,
			&entry.CachedAt,
			&lastUsed,
			&entry.ExpiresAt,
			&entry.HitCount,
		); err != nil {
			return nil, fmt.Errorf("scan recent searches: %w", err)
		}
		entry.IndexerIDs = decodeStringArray(indexersJSON.String)
		if lastUsed.Valid {
			entry.LastUsedAt = &lastUsed.Time
		}
		results = append(results, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent searches: %w", err)
	}
	return results, nil
}

// CleanupExpired removes every expired row.
func (s *SearchCacheStore) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM search_cache WHERE expires_at <= ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup search cache: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup search cache rows affected: %w", err)
	}
	return deleted, nil
}

// Flush removes every cache entry.
func (s *SearchCacheStore) Flush(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM search_cache`)
	if err != nil {
		return 0, fmt.Errorf("flush search cache: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("flush search cache rows affected: %w", err)
	}
	return deleted, nil
}

// Stats returns summary metrics for the cache table.
func (s *SearchCacheStore) Stats(ctx context.Context) (*SearchCacheStats, error) {
	const query = `
		SELECT
			COUNT(*),
			COALESCE(SUM(hit_count), 0),
			COALESCE(SUM(LENGTH(response_data)), 0),
			MIN(cached_at),
			MAX(cached_at),
			MAX(last_used_at)
		FROM search_cache
	`

	var (
		stats        SearchCacheStats
		oldestCached sql.NullString
		newestCached sql.NullString
		lastUsed     sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Entries,
		&stats.TotalHits,
		&stats.ApproxSizeBytes,
		&oldestCached,
		&newestCached,
		&lastUsed,
	); err != nil {
		return nil, fmt.Errorf("search cache stats: %w", err)
	}

	stats.OldestCachedAt = parseCacheTimestamp(oldestCached)
	stats.NewestCachedAt = parseCacheTimestamp(newestCached)
	stats.LastUsedAt = parseCacheTimestamp(lastUsed)
	return &stats, nil
}

func (s *SearchCacheStore) touchEntry(ctx context.Context, id int64) {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE search_cache SET last_used_at = ?, hit_count = hit_count + 1 WHERE id = ?`,
		s.now().UTC(),
		id,
	); err != nil {
		log.Error().Err(err).Int64("id", id).Msg("search cache touch failed")
	}
}

func (s *SearchCacheStore) deleteEntry(ctx context.Context, id int64) {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM search_cache WHERE id = ?`, id)
}

func decodeStringArray(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		log.Debug().Err(err).Msg("search cache decode string array failed")
		return nil
	}
	return values
}

var cacheTimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseCacheTimestamp(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	raw := strings.TrimSpace(value.String)
	if raw == "" {
		return nil
	}
	for _, layout := range cacheTimestampLayouts {
		parsed, err := time.ParseInLocation(layout, raw, time.UTC)
		if err != nil {
			continue
		}
		t := parsed.UTC()
		return &t
	}
	if unix, err := strconv.ParseFloat(raw, 64); err == nil {
		secs := int64(unix)
		nanos := int64((unix - float64(secs)) * 1_000_000_000)
		t := time.Unix(secs, nanos).UTC()
		return &t
	}
	log.Debug().Str("timestamp", raw).Msg("search cache stats: unrecognized timestamp format")
	return nil
}

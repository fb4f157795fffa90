// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/autobrr/pickarr/internal/release"
)

// Type identifies the client implementation behind an indexer.
type Type string

const (
	// TypeTorznab is a proxy aggregator (Jackett or Prowlarr) speaking Torznab.
	TypeTorznab Type = "torznab"
	// TypeHDBits is a direct private tracker with a JSON API.
	TypeHDBits Type = "hdbits"
)

// HealthStatus is the outcome of a health probe.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CategoryMovies is the Torznab root movie category.
const CategoryMovies = 2000

// Query is a movie search. At least one of Title, IMDbID or TMDbID is required.
type Query struct {
	Title      string `json:"title"`
	Year       int    `json:"year,omitempty"`
	IMDbID     string `json:"imdbId,omitempty"`
	TMDbID     int    `json:"tmdbId,omitempty"`
	Categories []int  `json:"categories,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (q Query) Validate() error {
	if strings.TrimSpace(q.Title) == "" && q.IMDbNumeric() == "" && q.TMDbID <= 0 {
		return fmt.Errorf("query needs a title, imdb id or tmdb id")
	}
	if q.Year < 0 {
		return fmt.Errorf("invalid year %d", q.Year)
	}
	return nil
}

// IMDbNumeric returns the digits of the IMDb id without the "tt" prefix.
func (q Query) IMDbNumeric() string {
	id := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(q.IMDbID)), "tt")
	if id == "" {
		return ""
	}
	if _, err := strconv.Atoi(id); err != nil {
		return ""
	}
	return id
}

// SearchTerm is the free-text part of the query, title plus year when known.
func (q Query) SearchTerm() string {
	term := strings.TrimSpace(q.Title)
	if term != "" && q.Year > 0 {
		term = fmt.Sprintf("%s %d", term, q.Year)
	}
	return term
}

// UpstreamFailure is one failed upstream behind a proxy aggregator.
type UpstreamFailure struct {
	Upstream string    `json:"upstream"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
}

// SearchResult carries the candidates of one logical call together with the
// upstreams that failed during it.
type SearchResult struct {
	Candidates     []release.Candidate `json:"candidates"`
	UpstreamErrors []UpstreamFailure   `json:"upstreamErrors,omitempty"`
}

// Client talks to one remote indexing service.
type Client interface {
	ID() string
	Name() string
	Type() Type
	Search(ctx context.Context, q Query) (*SearchResult, error)
	HealthCheck(ctx context.Context) HealthStatus
}

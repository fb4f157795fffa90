// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package finder ties the indexer registry, the search aggregator and the
// decision engine together into the operations callers use.
package finder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/decision"
	"github.com/autobrr/pickarr/internal/indexer"
	"github.com/autobrr/pickarr/internal/release"
	"github.com/autobrr/pickarr/internal/search"
)

// SearchRequest selects what to search for and how to judge it. Empty
// Indexers means every registered indexer; empty Profile means the default.
type SearchRequest struct {
	Query    indexer.Query `json:"query"`
	Profile  string        `json:"profile,omitempty"`
	Indexers []string      `json:"indexers,omitempty"`
}

// SearchResponse is a ranked search result.
type SearchResponse struct {
	SearchID  string                   `json:"searchId"`
	Query     indexer.Query            `json:"query"`
	Profile   string                   `json:"profile"`
	Releases  []decision.ScoredRelease `json:"releases"`
	Best      *decision.ScoredRelease  `json:"best,omitempty"`
	Rejected  int                      `json:"rejected"`
	Errors    []search.ClientError     `json:"errors"`
	Responded int                      `json:"responded"`
	Total     int                      `json:"total"`
	Duration  time.Duration            `json:"duration"`
	Cached    bool                     `json:"cached,omitempty"`
}

type Service struct {
	registry       *indexer.Registry
	aggregator     *search.Aggregator
	engine         *decision.Engine
	profiles       decision.ProfileStore
	reputation     decision.ReputationLookup
	defaultProfile string
}

type Option func(*Service)

func WithReputation(r decision.ReputationLookup) Option {
	return func(s *Service) {
		s.reputation = r
	}
}

// WithDefaultProfile sets the profile used when a request names none.
func WithDefaultProfile(id string) Option {
	return func(s *Service) {
		if id != "" {
			s.defaultProfile = id
		}
	}
}

func NewService(registry *indexer.Registry, aggregator *search.Aggregator, engine *decision.Engine, profiles decision.ProfileStore, opts ...Option) *Service {
	if engine == nil {
		engine = decision.NewEngine()
	}
	if profiles == nil {
		profiles, _ = decision.NewMemoryProfileStore()
	}
	s := &Service{
		registry:       registry,
		aggregator:     aggregator,
		engine:         engine,
		profiles:       profiles,
		defaultProfile: decision.DefaultProfileID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SearchAll fans the query out, then ranks the merged releases against the
// requested profile. When no indexer answered the response still carries the
// per-indexer errors alongside search.ErrNoUsableClients.
func (s *Service) SearchAll(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	profile, err := s.profile(ctx, req.Profile)
	if err != nil {
		return nil, err
	}

	clients, err := s.registry.Select(req.Indexers)
	if err != nil {
		return nil, err
	}

	res, err := s.aggregator.SearchAll(ctx, req.Query, clients)
	if res == nil {
		return nil, err
	}

	resp := &SearchResponse{
		SearchID:  res.SearchID,
		Query:     res.Query,
		Profile:   profile.ID,
		Errors:    res.Errors,
		Responded: res.Responded,
		Total:     res.Total,
		Duration:  res.Duration,
		Cached:    res.Cached,
	}
	if resp.Errors == nil {
		resp.Errors = []search.ClientError{}
	}
	if err != nil {
		resp.Releases = []decision.ScoredRelease{}
		return resp, err
	}

	resp.Releases = s.engine.Rank(ctx, res.Releases, profile, s.reputation)
	resp.Rejected = len(res.Releases) - len(resp.Releases)
	if len(resp.Releases) > 0 {
		best := resp.Releases[0]
		resp.Best = &best
	}

	log.Info().
		Str("searchId", resp.SearchID).
		Str("profile", profile.ID).
		Int("responded", resp.Responded).
		Int("releases", len(res.Releases)).
		Int("accepted", len(resp.Releases)).
		Int("errors", len(resp.Errors)).
		Dur("duration", resp.Duration).
		Msg("search finished")

	return resp, nil
}

// PickBest judges an already collected set of releases.
func (s *Service) PickBest(ctx context.Context, releases []release.Annotated, profileID string) (decision.ScoredRelease, error) {
	profile, err := s.profile(ctx, profileID)
	if err != nil {
		return decision.ScoredRelease{}, err
	}
	return s.engine.PickBest(ctx, releases, profile, s.reputation)
}

// Ranking is the outcome of Rank.
type Ranking struct {
	Profile  string
	Releases []decision.ScoredRelease
	Rejected int
}

// Rank judges releases without picking, for callers that want the full list.
// The returned Profile is the resolved id, never empty.
func (s *Service) Rank(ctx context.Context, releases []release.Annotated, profileID string) (*Ranking, error) {
	profile, err := s.profile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	ranked := s.engine.Rank(ctx, releases, profile, s.reputation)
	if ranked == nil {
		ranked = []decision.ScoredRelease{}
	}
	return &Ranking{
		Profile:  profile.ID,
		Releases: ranked,
		Rejected: len(releases) - len(ranked),
	}, nil
}

func (s *Service) HealthSnapshot(id string) (indexer.HealthSnapshot, error) {
	return s.registry.Snapshot(id)
}

func (s *Service) HealthSnapshots() []indexer.HealthSnapshot {
	return s.registry.Snapshots()
}

// CheckHealth probes one indexer and returns its refreshed snapshot.
func (s *Service) CheckHealth(ctx context.Context, id string) (indexer.HealthSnapshot, error) {
	if _, err := s.registry.Check(ctx, id); err != nil {
		return indexer.HealthSnapshot{}, err
	}
	return s.registry.Snapshot(id)
}

func (s *Service) Profiles(ctx context.Context) ([]*decision.QualityProfile, error) {
	return s.profiles.List(ctx)
}

func (s *Service) profile(ctx context.Context, id string) (*decision.QualityProfile, error) {
	if id == "" {
		id = s.defaultProfile
	}
	p, err := s.profiles.Get(ctx, id)
	if err != nil {
		if errors.Is(err, decision.ErrProfileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load profile %s: %w", id, err)
	}
	return p, nil
}

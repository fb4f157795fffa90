// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/release"
)

// ErrNoAcceptableRelease means every candidate fell outside the profile. It is
// a valid outcome, not a failure.
var ErrNoAcceptableRelease = errors.New("no acceptable release")

// Weights scale each part of the score.
type Weights struct {
	// Tier is multiplied by the 1-based tier position, capped at the cutoff.
	Tier float64 `json:"tier"`
	// Reputation is multiplied by the 0..10 reputation value.
	Reputation float64 `json:"reputation"`
	// Seeders is multiplied by log2(1 + seeders).
	Seeders float64 `json:"seeders"`
}

func DefaultWeights() Weights {
	return Weights{Tier: 100, Reputation: 10, Seeders: 2}
}

type ContributionKind string

const (
	ContributionTier       ContributionKind = "tier"
	ContributionFormat     ContributionKind = "format"
	ContributionReputation ContributionKind = "reputation"
	ContributionHealth     ContributionKind = "health"
)

// Contribution is one line of a score breakdown.
type Contribution struct {
	Kind  ContributionKind `json:"kind"`
	Label string           `json:"label"`
	Score float64          `json:"score"`
}

// ScoredRelease is an accepted release with its total and how it was reached.
type ScoredRelease struct {
	release.Annotated
	Tier        TierName       `json:"tier"`
	Total       float64        `json:"total"`
	FormatScore int            `json:"formatScore"`
	Breakdown   []Contribution `json:"breakdown"`
}

type Engine struct {
	weights Weights
	now     func() time.Time
	rules   *ttlcache.Cache[string, matcher]
}

type EngineOption func(*Engine)

func WithWeights(w Weights) EngineOption {
	return func(e *Engine) {
		e.weights = w
	}
}

// WithEngineClock sets the clock behind release age. The clock is an input to
// scoring: Rank reads it once and every release in the call shares the reading.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		weights: DefaultWeights(),
		now:     time.Now,
		rules:   ttlcache.New(ttlcache.Options[string, matcher]{}.SetDefaultTTL(30 * time.Minute)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rank scores releases against profile and returns the accepted ones
// best-first. Releases whose tier is not allowed by the profile, or whose
// format score is below the profile minimum, are dropped. Ties go to more
// seeders, then the earlier publish date, then input order. A nil profile
// means DefaultProfile and a nil lookup contributes nothing.
func (e *Engine) Rank(ctx context.Context, releases []release.Annotated, profile *QualityProfile, reputation ReputationLookup) []ScoredRelease {
	if profile == nil {
		profile = DefaultProfile()
	}
	now := e.now()

	scored := make([]ScoredRelease, 0, len(releases))
	rejected := 0
	for _, rel := range releases {
		s, ok := e.score(ctx, rel, profile, reputation, now)
		if !ok {
			rejected++
			continue
		}
		scored = append(scored, s)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if as, bs := a.SeedCount(), b.SeedCount(); as != bs {
			return as > bs
		}
		return earlier(a.PublishDate, b.PublishDate)
	})

	log.Debug().
		Str("profile", profile.ID).
		Int("accepted", len(scored)).
		Int("rejected", rejected).
		Msg("ranked releases")

	return scored
}

// PickBest returns the highest ranked release or ErrNoAcceptableRelease.
func (e *Engine) PickBest(ctx context.Context, releases []release.Annotated, profile *QualityProfile, reputation ReputationLookup) (ScoredRelease, error) {
	ranked := e.Rank(ctx, releases, profile, reputation)
	if len(ranked) == 0 {
		return ScoredRelease{}, ErrNoAcceptableRelease
	}
	return ranked[0], nil
}

func (e *Engine) score(ctx context.Context, rel release.Annotated, profile *QualityProfile, reputation ReputationLookup, now time.Time) (ScoredRelease, bool) {
	tier := TierFor(rel.Facts)
	pos := profile.Position(tier)
	if pos == 0 {
		log.Trace().Str("title", rel.Title).Str("tier", string(tier)).Msg("release tier not allowed by profile")
		return ScoredRelease{}, false
	}

	out := ScoredRelease{Annotated: rel, Tier: tier}
	tierScore := e.weights.Tier * float64(min(pos, profile.CutoffPosition()))
	out.Breakdown = append(out.Breakdown, Contribution{Kind: ContributionTier, Label: string(tier), Score: tierScore})
	out.Total = tierScore

	var env *RuleEnv
	envFor := func() RuleEnv {
		if env == nil {
			v := newRuleEnv(rel, now)
			env = &v
		}
		return *env
	}

	for _, rule := range profile.FormatRules {
		m := e.matcher(rule)
		if m == nil {
			continue
		}
		matched, err := m(rel, envFor)
		if err != nil {
			log.Debug().Err(err).Str("rule", rule.Name).Str("title", rel.Title).Msg("format rule evaluation failed")
			continue
		}
		if matched == rule.Negate {
			continue
		}
		out.FormatScore += rule.Score
		out.Breakdown = append(out.Breakdown, Contribution{Kind: ContributionFormat, Label: rule.Name, Score: float64(rule.Score)})
		out.Total += float64(rule.Score)
	}

	if profile.MinFormatScore != nil && out.FormatScore < *profile.MinFormatScore {
		log.Trace().Str("title", rel.Title).Int("formatScore", out.FormatScore).Msg("release below minimum format score")
		return ScoredRelease{}, false
	}

	if reputation != nil && rel.Facts.Group != "" {
		if rep, ok := reputation.Lookup(ctx, rel.Facts.Group); ok {
			s := rep.Value * e.weights.Reputation
			out.Breakdown = append(out.Breakdown, Contribution{Kind: ContributionReputation, Label: rel.Facts.Group, Score: s})
			out.Total += s
		}
	}

	if seeders := rel.SeedCount(); seeders > 0 {
		s := e.weights.Seeders * math.Log2(1+float64(seeders))
		out.Breakdown = append(out.Breakdown, Contribution{Kind: ContributionHealth, Label: "seeders", Score: s})
		out.Total += s
	}

	return out, true
}

// matcher returns the compiled form of rule, or nil when it does not compile.
func (e *Engine) matcher(rule FormatRule) matcher {
	key := string(rule.Kind) + "\x00" + rule.Pattern
	if m, ok := e.rules.Get(key); ok {
		return m
	}
	m, err := compileRule(rule)
	if err != nil {
		log.Warn().Err(err).Msg("skipping invalid format rule")
		m = nil
	}
	e.rules.Set(key, m, ttlcache.DefaultTTL)
	return m
}

// earlier orders known dates before unknown ones.
func earlier(a, b time.Time) bool {
	switch {
	case a.IsZero():
		return false
	case b.IsZero():
		return true
	default:
		return a.Before(b)
	}
}

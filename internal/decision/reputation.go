// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/models"
)

const (
	MinReputation = 0.0
	MaxReputation = 10.0
)

// Reputation is a precomputed trust score for a release group with its
// confidence interval.
type Reputation struct {
	Value float64 `json:"value"`
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
}

func (r Reputation) clamp() Reputation {
	r.Value = clamp(r.Value, MinReputation, MaxReputation)
	r.Low = clamp(r.Low, MinReputation, r.Value)
	r.High = clamp(r.High, r.Value, MaxReputation)
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ReputationLookup finds the reputation of a group. A miss is the normal case
// and is reported with ok=false, never as an error.
type ReputationLookup interface {
	Lookup(ctx context.Context, group string) (Reputation, bool)
}

// ReputationSource is a lookup that can also enumerate its groups.
type ReputationSource interface {
	ReputationLookup
	Groups(ctx context.Context) []string
}

// StaticReputation serves reputations from an in-memory map.
type StaticReputation struct {
	scores map[string]Reputation
}

// NewStaticReputation builds a lookup from group name to value. Values are
// clamped to 0..10 and carry no interval.
func NewStaticReputation(values map[string]float64) *StaticReputation {
	scores := make(map[string]Reputation, len(values))
	for group, v := range values {
		key := normalizeGroup(group)
		if key == "" {
			continue
		}
		scores[key] = Reputation{Value: v, Low: v, High: v}.clamp()
	}
	return &StaticReputation{scores: scores}
}

func (s *StaticReputation) Lookup(_ context.Context, group string) (Reputation, bool) {
	rep, ok := s.scores[normalizeGroup(group)]
	return rep, ok
}

func (s *StaticReputation) Groups(context.Context) []string {
	groups := make([]string, 0, len(s.scores))
	for g := range s.scores {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// SQLReputation reads reputations from the group_reputation table.
type SQLReputation struct {
	store *models.ReputationStore
}

func NewSQLReputation(store *models.ReputationStore) *SQLReputation {
	return &SQLReputation{store: store}
}

func (s *SQLReputation) Lookup(ctx context.Context, group string) (Reputation, bool) {
	if normalizeGroup(group) == "" {
		return Reputation{}, false
	}
	row, err := s.store.Get(ctx, group)
	if err != nil {
		log.Warn().Err(err).Str("group", group).Msg("reputation lookup failed")
		return Reputation{}, false
	}
	if row == nil {
		return Reputation{}, false
	}
	return Reputation{Value: row.Value, Low: row.Low, High: row.High}.clamp(), true
}

func (s *SQLReputation) Groups(ctx context.Context) []string {
	rows, err := s.store.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("listing reputation groups failed")
		return nil
	}
	groups := make([]string, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, normalizeGroup(row.Group))
	}
	return groups
}

type cachedReputation struct {
	rep Reputation
	ok  bool
}

const groupsCacheKey = "\x00groups"

// minNearMissLength is the shortest group name eligible for near-miss matching.
const minNearMissLength = 5

// CachedReputation puts a TTL cache in front of a source. Lookups are exact
// unless maxDistance is positive; then a miss may resolve to a known group that
// differs only in case and separators ("D-Z0N3" and "DZ0N3"), within maxDistance
// edits. Groups shorter than minNearMissLength are always exact.
type CachedReputation struct {
	source      ReputationSource
	cache       *gocache.Cache
	maxDistance int
}

func NewCachedReputation(source ReputationSource, ttl time.Duration, maxDistance int) *CachedReputation {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxDistance < 0 {
		maxDistance = 0
	}
	return &CachedReputation{
		source:      source,
		cache:       gocache.New(ttl, 2*ttl),
		maxDistance: maxDistance,
	}
}

func (c *CachedReputation) Lookup(ctx context.Context, group string) (Reputation, bool) {
	key := normalizeGroup(group)
	if key == "" {
		return Reputation{}, false
	}
	if v, found := c.cache.Get(key); found {
		entry := v.(cachedReputation)
		return entry.rep, entry.ok
	}

	rep, ok := c.source.Lookup(ctx, key)
	if !ok && c.maxDistance > 0 {
		if near := c.nearest(ctx, key); near != "" {
			rep, ok = c.source.Lookup(ctx, near)
			if ok {
				log.Debug().Str("group", group).Str("matched", near).Msg("reputation matched near-miss group")
			}
		}
	}

	c.cache.Set(key, cachedReputation{rep: rep, ok: ok}, gocache.DefaultExpiration)
	return rep, ok
}

// Invalidate drops every cached entry.
func (c *CachedReputation) Invalidate() {
	c.cache.Flush()
}

// nearest returns the known group with the smallest edit distance to key among
// those spelling the same name, ties going to the alphabetically first.
func (c *CachedReputation) nearest(ctx context.Context, key string) string {
	folded := foldSeparators(key)
	if len(folded) < minNearMissLength {
		return ""
	}

	var groups []string
	if v, found := c.cache.Get(groupsCacheKey); found {
		groups = v.([]string)
	} else {
		groups = c.source.Groups(ctx)
		sort.Strings(groups)
		c.cache.Set(groupsCacheKey, groups, gocache.DefaultExpiration)
	}

	best, bestDistance := "", c.maxDistance+1
	for _, g := range groups {
		if g == "" || g == key || foldSeparators(g) != folded {
			continue
		}
		if d := levenshtein.ComputeDistance(key, g); d < bestDistance {
			best, bestDistance = g, d
		}
	}
	return best
}

func foldSeparators(group string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ' ':
			return -1
		}
		return r
	}, group)
}

func normalizeGroup(group string) string {
	return strings.ToLower(strings.TrimSpace(group))
}

// LayeredReputation consults its sources in order; the first hit wins.
type LayeredReputation struct {
	sources []ReputationSource
}

func NewLayeredReputation(sources ...ReputationSource) *LayeredReputation {
	out := make([]ReputationSource, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			out = append(out, s)
		}
	}
	return &LayeredReputation{sources: out}
}

func (l *LayeredReputation) Lookup(ctx context.Context, group string) (Reputation, bool) {
	for _, s := range l.sources {
		if rep, ok := s.Lookup(ctx, group); ok {
			return rep, true
		}
	}
	return Reputation{}, false
}

func (l *LayeredReputation) Groups(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var groups []string
	for _, s := range l.sources {
		for _, g := range s.Groups(ctx) {
			if _, dup := seen[g]; dup {
				continue
			}
			seen[g] = struct{}{}
			groups = append(groups, g)
		}
	}
	sort.Strings(groups)
	return groups
}

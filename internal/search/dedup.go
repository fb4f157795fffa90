// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"math"
	"strings"

	"github.com/autobrr/pickarr/internal/release"
)

// DefaultSizeTolerance is the relative size difference under which two
// releases with the same signature are considered the same upload.
const DefaultSizeTolerance = 0.02

// Dedup collapses releases that describe the same logical upload. Two releases
// match when their signatures are equal and their sizes are within tolerance,
// or when they share an info hash. The kept entry has more seeders, then the
// earlier publish date, then the earlier position. Output keeps first-seen
// order and each entry lists the ids of every indexer that offered it.
func Dedup(releases []release.Annotated, tolerance float64) []release.Annotated {
	if tolerance < 0 {
		tolerance = 0
	}

	out := make([]release.Annotated, 0, len(releases))
	buckets := make(map[uint64][]int, len(releases))
	byHash := make(map[string]int)

	for _, rel := range releases {
		rel.Sources = appendSources(nil, rel.Sources, rel.IndexerID)
		sig := SignatureHash(rel.Title, rel.Facts)
		hash := strings.ToLower(rel.InfoHash)

		slot := -1
		if hash != "" {
			if idx, ok := byHash[hash]; ok {
				slot = idx
			}
		}
		if slot < 0 {
			for _, idx := range buckets[sig] {
				if sizesMatch(out[idx].Size, rel.Size, tolerance) {
					slot = idx
					break
				}
			}
		}

		if slot < 0 {
			out = append(out, rel)
			slot = len(out) - 1
			buckets[sig] = append(buckets[sig], slot)
			if hash != "" {
				byHash[hash] = slot
			}
			continue
		}

		kept := out[slot]
		if prefer(rel, kept) {
			rel.Sources = appendSources(nil, rel.Sources, kept.Sources...)
			out[slot] = rel
		} else {
			kept.Sources = appendSources(nil, kept.Sources, rel.Sources...)
			out[slot] = kept
		}
		if hash != "" {
			if _, ok := byHash[hash]; !ok {
				byHash[hash] = slot
			}
		}
	}
	return out
}

// prefer reports whether challenger should replace incumbent.
func prefer(challenger, incumbent release.Annotated) bool {
	cs, is := challenger.SeedCount(), incumbent.SeedCount()
	if cs != is {
		return cs > is
	}
	cp, ip := challenger.PublishDate, incumbent.PublishDate
	switch {
	case cp.IsZero() || ip.IsZero():
		return !cp.IsZero() && ip.IsZero()
	case !cp.Equal(ip):
		return cp.Before(ip)
	}
	return false
}

func sizesMatch(a, b int64, tolerance float64) bool {
	if a <= 0 || b <= 0 {
		return a <= 0 && b <= 0
	}
	diff := math.Abs(float64(a - b))
	return diff <= tolerance*math.Max(float64(a), float64(b))
}

func appendSources(dst []string, first []string, rest ...string) []string {
	seen := make(map[string]struct{}, len(first)+len(rest))
	for _, list := range [][]string{first, rest} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			dst = append(dst, id)
		}
	}
	return dst
}

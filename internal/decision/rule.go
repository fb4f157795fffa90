// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/autobrr/pickarr/internal/release"
)

// RuleKind selects what a FormatRule pattern is matched against.
type RuleKind string

const (
	// RuleTitle matches a case-insensitive regular expression against the title.
	RuleTitle RuleKind = "title"
	// RuleGroup matches a case-insensitive regular expression against the whole group name.
	RuleGroup RuleKind = "group"
	// RuleSource, RuleResolution, RuleCodec and RuleHDR take a comma separated
	// list of accepted values.
	RuleSource     RuleKind = "source"
	RuleResolution RuleKind = "resolution"
	RuleCodec      RuleKind = "codec"
	RuleHDR        RuleKind = "hdr"
	// RuleIndexerFlag matches "freeleech" or any truthy indexer attribute.
	RuleIndexerFlag RuleKind = "indexer_flag"
	// RuleSize takes a "min-max" range in GiB; either bound may be omitted.
	RuleSize RuleKind = "size"
	// RuleSeeders takes a "min-max" range of seeders.
	RuleSeeders RuleKind = "seeders"
	// RuleExpr is a boolean expr-lang expression over RuleEnv.
	RuleExpr RuleKind = "expr"
)

// FormatRule adds Score to a release when Pattern matches (or, with Negate,
// when it does not).
type FormatRule struct {
	Name    string   `yaml:"name" json:"name"`
	Kind    RuleKind `yaml:"kind" json:"kind"`
	Pattern string   `yaml:"pattern" json:"pattern"`
	Score   int      `yaml:"score" json:"score"`
	Negate  bool     `yaml:"negate,omitempty" json:"negate,omitempty"`
}

// Validate compiles the rule and reports any pattern error.
func (r FormatRule) Validate() error {
	_, err := compileRule(r)
	return err
}

// RuleEnv is the environment expr rules are evaluated against.
type RuleEnv struct {
	Title      string
	Group      string
	Resolution string
	Source     string
	Codec      string
	HDR        string
	Audio      string
	Edition    string
	Year       int
	Proper     bool
	Repack     bool
	SizeGB     float64
	Seeders    int
	Leechers   int
	Freeleech  bool
	Indexer    string
	Upstream   string
	// AgeHours is measured from the engine clock, read once per Rank call. Rules
	// using it score identically only for the same clock reading.
	AgeHours   float64
}

func newRuleEnv(rel release.Annotated, now time.Time) RuleEnv {
	env := RuleEnv{
		Title:      rel.Title,
		Group:      rel.Facts.Group,
		Resolution: string(rel.Facts.Resolution),
		Source:     string(rel.Facts.Source),
		Codec:      string(rel.Facts.Codec),
		HDR:        string(rel.Facts.DynamicRange),
		Audio:      rel.Facts.Audio,
		Edition:    rel.Facts.Edition,
		Year:       rel.Facts.Year,
		Proper:     rel.Facts.Proper,
		Repack:     rel.Facts.Repack,
		SizeGB:     float64(rel.Size) / float64(1<<30),
		Seeders:    rel.SeedCount(),
		Freeleech:  rel.Freeleech,
		Indexer:    rel.IndexerID,
		Upstream:   rel.Upstream,
	}
	if rel.Leechers != nil {
		env.Leechers = *rel.Leechers
	}
	if !rel.PublishDate.IsZero() {
		env.AgeHours = now.Sub(rel.PublishDate).Hours()
	}
	return env
}

type matcher func(rel release.Annotated, env func() RuleEnv) (bool, error)

func compileRule(r FormatRule) (matcher, error) {
	pattern := strings.TrimSpace(r.Pattern)
	if pattern == "" {
		return nil, fmt.Errorf("rule %q: empty pattern", r.Name)
	}

	switch r.Kind {
	case RuleTitle:
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		return func(rel release.Annotated, _ func() RuleEnv) (bool, error) {
			return re.MatchString(rel.Title), nil
		}, nil

	case RuleGroup:
		re, err := regexp.Compile("(?i)^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		return func(rel release.Annotated, _ func() RuleEnv) (bool, error) {
			return rel.Facts.Group != "" && re.MatchString(rel.Facts.Group), nil
		}, nil

	case RuleSource:
		return listMatcher(pattern, func(rel release.Annotated) string { return string(rel.Facts.Source) }), nil
	case RuleResolution:
		return listMatcher(pattern, func(rel release.Annotated) string { return string(rel.Facts.Resolution) }), nil
	case RuleCodec:
		return listMatcher(pattern, func(rel release.Annotated) string { return string(rel.Facts.Codec) }), nil
	case RuleHDR:
		return listMatcher(pattern, func(rel release.Annotated) string { return string(rel.Facts.DynamicRange) }), nil

	case RuleIndexerFlag:
		flag := strings.ToLower(pattern)
		return func(rel release.Annotated, _ func() RuleEnv) (bool, error) {
			if flag == "freeleech" && rel.Freeleech {
				return true, nil
			}
			switch strings.ToLower(strings.TrimSpace(rel.Attributes[flag])) {
			case "1", "true", "yes":
				return true, nil
			}
			return false, nil
		}, nil

	case RuleSize:
		lo, hi, err := parseRange(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		return func(rel release.Annotated, _ func() RuleEnv) (bool, error) {
			if rel.Size <= 0 {
				return false, nil
			}
			gb := float64(rel.Size) / float64(1<<30)
			return inRange(gb, lo, hi), nil
		}, nil

	case RuleSeeders:
		lo, hi, err := parseRange(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		return func(rel release.Annotated, _ func() RuleEnv) (bool, error) {
			if rel.Seeders == nil {
				return false, nil
			}
			return inRange(float64(*rel.Seeders), lo, hi), nil
		}, nil

	case RuleExpr:
		program, err := expr.Compile(pattern, expr.Env(RuleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		return exprMatcher(program), nil

	default:
		return nil, fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
	}
}

func exprMatcher(program *vm.Program) matcher {
	return func(_ release.Annotated, env func() RuleEnv) (bool, error) {
		out, err := expr.Run(program, env())
		if err != nil {
			return false, err
		}
		matched, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("expression result is not a boolean")
		}
		return matched, nil
	}
}

func listMatcher(pattern string, field func(release.Annotated) string) matcher {
	accepted := make(map[string]struct{})
	for _, v := range strings.Split(pattern, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			accepted[v] = struct{}{}
		}
	}
	return func(rel release.Annotated, _ func() RuleEnv) (bool, error) {
		_, ok := accepted[strings.ToLower(field(rel))]
		return ok, nil
	}
}

// parseRange reads "min-max", "min-" or "-max". A missing bound is unbounded.
func parseRange(pattern string) (lo, hi *float64, err error) {
	before, after, found := strings.Cut(pattern, "-")
	if !found {
		return nil, nil, fmt.Errorf("range %q must look like min-max", pattern)
	}
	parse := func(s string) (*float64, error) {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bound %q", s)
		}
		return &v, nil
	}
	if lo, err = parse(before); err != nil {
		return nil, nil, err
	}
	if hi, err = parse(after); err != nil {
		return nil, nil, err
	}
	if lo == nil && hi == nil {
		return nil, nil, fmt.Errorf("range %q has no bounds", pattern)
	}
	if lo != nil && hi != nil && *lo > *hi {
		return nil, nil, fmt.Errorf("range %q is inverted", pattern)
	}
	return lo, hi, nil
}

func inRange(v float64, lo, hi *float64) bool {
	if lo != nil && v < *lo {
		return false
	}
	if hi != nil && v > *hi {
		return false
	}
	return true
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultProfileID is the id of the built-in profile.
const DefaultProfileID = "default"

// QualityProfile is the user policy a release is judged against. Tiers lists
// the allowed tiers from lowest to highest; anything else is rejected.
type QualityProfile struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Tiers       []TierName   `yaml:"tiers" json:"tiers"`
	Cutoff      TierName     `yaml:"cutoff" json:"cutoff"`
	FormatRules []FormatRule `yaml:"formatRules" json:"formatRules"`
	// MinFormatScore rejects releases whose format rule total is lower.
	MinFormatScore *int `yaml:"minFormatScore,omitempty" json:"minFormatScore,omitempty"`
}

// Validate normalizes tier names and checks rules. An empty cutoff becomes the
// highest allowed tier.
func (p *QualityProfile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("profile id is required")
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("profile %q: at least one tier is required", p.ID)
	}

	seen := make(map[TierName]struct{}, len(p.Tiers))
	for i, name := range p.Tiers {
		t, err := ParseTier(string(name))
		if err != nil {
			return fmt.Errorf("profile %q: %w", p.ID, err)
		}
		if _, dup := seen[t]; dup {
			return fmt.Errorf("profile %q: tier %s listed twice", p.ID, t)
		}
		seen[t] = struct{}{}
		p.Tiers[i] = t
	}

	if p.Cutoff == "" {
		p.Cutoff = p.Tiers[len(p.Tiers)-1]
	} else {
		t, err := ParseTier(string(p.Cutoff))
		if err != nil {
			return fmt.Errorf("profile %q: cutoff: %w", p.ID, err)
		}
		if _, ok := seen[t]; !ok {
			return fmt.Errorf("profile %q: cutoff %s is not an allowed tier", p.ID, t)
		}
		p.Cutoff = t
	}

	for _, rule := range p.FormatRules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", p.ID, err)
		}
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	return nil
}

// Position is the 1-based position of t in the profile, or 0 when not allowed.
func (p *QualityProfile) Position(t TierName) int {
	for i, allowed := range p.Tiers {
		if allowed == t {
			return i + 1
		}
	}
	return 0
}

// CutoffPosition is the 1-based position of the cutoff tier.
func (p *QualityProfile) CutoffPosition() int {
	if pos := p.Position(p.Cutoff); pos > 0 {
		return pos
	}
	return len(p.Tiers)
}

// Minimum is the lowest allowed tier.
func (p *QualityProfile) Minimum() TierName {
	if len(p.Tiers) == 0 {
		return TierUnknown
	}
	return p.Tiers[0]
}

// DefaultProfile accepts everything from SDTV upwards and stops upgrading at
// Bluray-1080p.
func DefaultProfile() *QualityProfile {
	return &QualityProfile{
		ID:   DefaultProfileID,
		Name: "Default",
		Tiers: []TierName{
			TierSDTV,
			TierDVD,
			TierWEBRip480p,
			TierWEBDL480p,
			TierBluray480p,
			TierHDTV720p,
			TierWEBRip720p,
			TierWEBDL720p,
			TierBluray720p,
			TierHDTV1080p,
			TierWEBRip1080p,
			TierWEBDL1080p,
			TierBluray1080p,
			TierRemux1080p,
			TierHDTV2160p,
			TierWEBRip2160p,
			TierWEBDL2160p,
			TierBluray2160p,
			TierRemux2160p,
		},
		Cutoff: TierBluray1080p,
		FormatRules: []FormatRule{
			{Name: "Proper or repack", Kind: RuleTitle, Pattern: `\b(proper|repack)\b`, Score: 5},
			{Name: "x265", Kind: RuleCodec, Pattern: "x265", Score: 5},
			{Name: "Freeleech", Kind: RuleIndexerFlag, Pattern: "freeleech", Score: 3},
			{Name: "3D", Kind: RuleTitle, Pattern: `\b3d\b`, Score: -100},
			{Name: "Hardcoded subs", Kind: RuleTitle, Pattern: `\b(hc|korsub)\b`, Score: -50},
		},
	}
}

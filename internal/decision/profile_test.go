// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		profile QualityProfile
		wantErr string
	}{
		{"missing id", QualityProfile{Tiers: []TierName{TierBluray1080p}}, "id is required"},
		{"no tiers", QualityProfile{ID: "p"}, "at least one tier"},
		{"unknown tier", QualityProfile{ID: "p", Tiers: []TierName{"Bluray-4320p"}}, "unknown quality tier"},
		{"duplicate tier", QualityProfile{ID: "p", Tiers: []TierName{"bluray-1080p", TierBluray1080p}}, "listed twice"},
		{"cutoff outside tiers", QualityProfile{ID: "p", Tiers: []TierName{TierWEBDL1080p}, Cutoff: TierBluray1080p}, "not an allowed tier"},
		{"invalid rule", QualityProfile{ID: "p", Tiers: []TierName{TierWEBDL1080p}, FormatRules: []FormatRule{{Name: "x", Kind: RuleTitle, Pattern: "["}}}, "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestQualityProfileValidate_Normalizes(t *testing.T) {
	p := &QualityProfile{ID: "hd", Tiers: []TierName{"webdl-720p", "BLURAY-1080P"}}
	require.NoError(t, p.Validate())

	assert.Equal(t, []TierName{TierWEBDL720p, TierBluray1080p}, p.Tiers)
	assert.Equal(t, TierBluray1080p, p.Cutoff)
	assert.Equal(t, "hd", p.Name)
	assert.Equal(t, TierWEBDL720p, p.Minimum())
	assert.Equal(t, 2, p.CutoffPosition())
	assert.Equal(t, 1, p.Position(TierWEBDL720p))
	assert.Zero(t, p.Position(TierCAM))
}

func TestDefaultProfileIsValid(t *testing.T) {
	p := DefaultProfile()
	require.NoError(t, p.Validate())
	assert.Equal(t, DefaultProfileID, p.ID)
	assert.Equal(t, TierBluray1080p, p.Cutoff)
	assert.Zero(t, p.Position(TierCAM), "pre-release captures are never acceptable by default")
}

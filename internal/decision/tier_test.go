// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/pickarr/internal/release"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		name  string
		facts release.Facts
		want  TierName
	}{
		{"cam ignores resolution", release.Facts{Source: release.SourceCAM, Resolution: release.Resolution1080p}, TierCAM},
		{"telesync", release.Facts{Source: release.SourceTS}, TierTelesync},
		{"telecine", release.Facts{Source: release.SourceTC}, TierTelecine},
		{"dvd", release.Facts{Source: release.SourceDVD, Resolution: release.ResolutionSD}, TierDVD},
		{"hdtv without resolution", release.Facts{Source: release.SourceHDTV, Resolution: release.ResolutionUnknown}, TierSDTV},
		{"hdtv sd", release.Facts{Source: release.SourceHDTV, Resolution: release.ResolutionSD}, TierSDTV},
		{"hdtv 720p", release.Facts{Source: release.SourceHDTV, Resolution: release.Resolution720p}, TierHDTV720p},
		{"webrip 480p", release.Facts{Source: release.SourceWEBRip, Resolution: release.ResolutionSD}, TierWEBRip480p},
		{"webdl 1080p", release.Facts{Source: release.SourceWEBDL, Resolution: release.Resolution1080p}, TierWEBDL1080p},
		{"webdl without resolution", release.Facts{Source: release.SourceWEBDL, Resolution: release.ResolutionUnknown}, TierUnknown},
		{"bluray 2160p", release.Facts{Source: release.SourceBluRay, Resolution: release.Resolution2160p}, TierBluray2160p},
		{"remux 1080p", release.Facts{Source: release.SourceRemux, Resolution: release.Resolution1080p}, TierRemux1080p},
		{"remux 720p falls back to bluray", release.Facts{Source: release.SourceRemux, Resolution: release.Resolution720p}, TierBluray720p},
		{"unknown source", release.Facts{Source: release.SourceUnknown, Resolution: release.Resolution2160p}, TierUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(tt.facts))
		})
	}
}

func TestTierFor_ParsedTitles(t *testing.T) {
	tests := []struct {
		title string
		want  TierName
	}{
		{"Movie.2021.1080p.BluRay.x264-GRP", TierBluray1080p},
		{"Movie.2021.2160p.UHD.BluRay.REMUX.HEVC.DV-GRP", TierRemux2160p},
		{"Movie 2021 720p WEB-DL DD5.1 H.264-GRP", TierWEBDL720p},
		{"Movie.2021.HDCAM.x264-GRP", TierCAM},
		{"Movie.2021.DVDRip.x264-GRP", TierDVD},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(release.Parse(tt.title)))
		})
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" bluray-1080P ")
	require.NoError(t, err)
	assert.Equal(t, TierBluray1080p, tier)

	_, err = ParseTier("Bluray-4320p")
	require.Error(t, err)
}

func TestTierRank(t *testing.T) {
	assert.Equal(t, 0, TierUnknown.Rank())
	assert.Equal(t, len(Tiers)-1, TierRemux2160p.Rank())
	assert.Equal(t, -1, TierName("nope").Rank())
	assert.Less(t, TierBluray720p.Rank(), TierHDTV1080p.Rank())
	assert.Less(t, TierWEBDL1080p.Rank(), TierBluray1080p.Rank())
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"fmt"
	"strings"

	"github.com/autobrr/pickarr/internal/release"
)

// TierName identifies one quality tier, a combination of source and resolution.
type TierName string

const (
	TierUnknown     TierName = "Unknown"
	TierCAM         TierName = "CAM"
	TierTelesync    TierName = "TELESYNC"
	TierTelecine    TierName = "TELECINE"
	TierSDTV        TierName = "SDTV"
	TierDVD         TierName = "DVD"
	TierWEBRip480p  TierName = "WEBRip-480p"
	TierWEBDL480p   TierName = "WEBDL-480p"
	TierBluray480p  TierName = "Bluray-480p"
	TierHDTV720p    TierName = "HDTV-720p"
	TierWEBRip720p  TierName = "WEBRip-720p"
	TierWEBDL720p   TierName = "WEBDL-720p"
	TierBluray720p  TierName = "Bluray-720p"
	TierHDTV1080p   TierName = "HDTV-1080p"
	TierWEBRip1080p TierName = "WEBRip-1080p"
	TierWEBDL1080p  TierName = "WEBDL-1080p"
	TierBluray1080p TierName = "Bluray-1080p"
	TierRemux1080p  TierName = "Remux-1080p"
	TierHDTV2160p   TierName = "HDTV-2160p"
	TierWEBRip2160p TierName = "WEBRip-2160p"
	TierWEBDL2160p  TierName = "WEBDL-2160p"
	TierBluray2160p TierName = "Bluray-2160p"
	TierRemux2160p  TierName = "Remux-2160p"
)

// Tiers is the global tier table, lowest to highest. Unknown sits below all.
var Tiers = []TierName{
	TierUnknown,
	TierCAM,
	TierTelesync,
	TierTelecine,
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
}

var tierIndex = func() map[string]TierName {
	m := make(map[string]TierName, len(Tiers))
	for _, t := range Tiers {
		m[strings.ToLower(string(t))] = t
	}
	return m
}()

// ParseTier resolves a tier name case-insensitively.
func ParseTier(name string) (TierName, error) {
	if t, ok := tierIndex[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown quality tier %q", name)
}

// Rank is the position of t in the global table, or -1.
func (t TierName) Rank() int {
	for i, candidate := range Tiers {
		if candidate == t {
			return i
		}
	}
	return -1
}

// TierFor maps parsed facts onto the tier table. Pre-release sources ignore
// resolution. A web or disc source without a resolution is Unknown.
func TierFor(f release.Facts) TierName {
	switch f.Source {
	case release.SourceCAM:
		return TierCAM
	case release.SourceTS:
		return TierTelesync
	case release.SourceTC:
		return TierTelecine
	case release.SourceDVD:
		return TierDVD
	case release.SourceHDTV:
		switch f.Resolution {
		case release.Resolution720p:
			return TierHDTV720p
		case release.Resolution1080p:
			return TierHDTV1080p
		case release.Resolution2160p:
			return TierHDTV2160p
		default:
			return TierSDTV
		}
	case release.SourceWEBRip:
		return byResolution(f.Resolution, TierWEBRip480p, TierWEBRip720p, TierWEBRip1080p, TierWEBRip2160p)
	case release.SourceWEBDL:
		return byResolution(f.Resolution, TierWEBDL480p, TierWEBDL720p, TierWEBDL1080p, TierWEBDL2160p)
	case release.SourceBluRay:
		return byResolution(f.Resolution, TierBluray480p, TierBluray720p, TierBluray1080p, TierBluray2160p)
	case release.SourceRemux:
		return byResolution(f.Resolution, TierBluray480p, TierBluray720p, TierRemux1080p, TierRemux2160p)
	default:
		return TierUnknown
	}
}

func byResolution(r release.Resolution, sd, hd, fhd, uhd TierName) TierName {
	switch r {
	case release.ResolutionSD:
		return sd
	case release.Resolution720p:
		return hd
	case release.Resolution1080p:
		return fhd
	case release.Resolution2160p:
		return uhd
	default:
		return TierUnknown
	}
}

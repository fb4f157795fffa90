// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package release

import (
	"time"
)

// Protocol identifies how a release is transferred.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

// Resolution is the display resolution advertised by a release title.
type Resolution string

const (
	ResolutionUnknown Resolution = "unknown"
	ResolutionSD      Resolution = "SD"
	Resolution720p    Resolution = "720p"
	Resolution1080p   Resolution = "1080p"
	Resolution2160p   Resolution = "2160p"
)

// Rank orders resolutions from lowest to highest. Unknown ranks below SD.
func (r Resolution) Rank() int {
	switch r {
	case ResolutionSD:
		return 1
	case Resolution720p:
		return 2
	case Resolution1080p:
		return 3
	case Resolution2160p:
		return 4
	default:
		return 0
	}
}

// Source is the capture or encode origin of a release.
type Source string

const (
	SourceUnknown Source = "unknown"
	SourceCAM     Source = "CAM"
	SourceTS      Source = "TS"
	SourceTC      Source = "TC"
	SourceDVD     Source = "DVD"
	SourceHDTV    Source = "HDTV"
	SourceWEBDL   Source = "WEBDL"
	SourceWEBRip  Source = "WEBRip"
	SourceBluRay  Source = "BluRay"
	SourceRemux   Source = "Remux"
)

// Codec is the video codec family.
type Codec string

const (
	CodecUnknown Codec = "unknown"
	CodecX264    Codec = "x264"
	CodecX265    Codec = "x265"
)

// DynamicRange is the HDR flavour of a release.
type DynamicRange string

const (
	DynamicRangeNone  DynamicRange = "none"
	DynamicRangeHDR10 DynamicRange = "HDR10"
	DynamicRangeDV    DynamicRange = "DV"
)

// Candidate is a single offer for a movie returned by one indexer.
type Candidate struct {
	Title       string            `json:"title"`
	Size        int64             `json:"size"`
	Seeders     *int              `json:"seeders,omitempty"`
	Leechers    *int              `json:"leechers,omitempty"`
	PublishDate time.Time         `json:"publishDate"`
	DownloadURL string            `json:"downloadUrl"`
	InfoURL     string            `json:"infoUrl,omitempty"`
	GUID        string            `json:"guid,omitempty"`
	InfoHash    string            `json:"infoHash,omitempty"`
	IndexerID   string            `json:"indexerId"`
	IndexerName string            `json:"indexerName,omitempty"`
	Upstream    string            `json:"upstream,omitempty"`
	Protocol    Protocol          `json:"protocol"`
	Categories  []int             `json:"categories,omitempty"`
	Freeleech   bool              `json:"freeleech,omitempty"`
	IMDbID      string            `json:"imdbId,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// SeedCount returns the seeder count, treating an unknown count as zero.
func (c Candidate) SeedCount() int {
	if c.Seeders == nil {
		return 0
	}
	return *c.Seeders
}

// Facts are the structured quality attributes derived from a release title.
type Facts struct {
	Resolution   Resolution   `json:"resolution"`
	Source       Source       `json:"source"`
	Codec        Codec        `json:"codec"`
	DynamicRange DynamicRange `json:"dynamicRange"`
	Audio        string       `json:"audio,omitempty"`
	Group        string       `json:"group,omitempty"`

	Title   string `json:"title,omitempty"`
	Year    int    `json:"year,omitempty"`
	Edition string `json:"edition,omitempty"`
	Proper  bool   `json:"proper,omitempty"`
	Repack  bool   `json:"repack,omitempty"`
}

// Annotated pairs a candidate with its parsed facts. Sources lists every indexer
// that offered the same logical release; the first entry is the candidate's own.
type Annotated struct {
	Candidate
	Facts   Facts    `json:"facts"`
	Sources []string `json:"sources"`
}

// Annotate attaches facts to a candidate.
func Annotate(c Candidate, f Facts) Annotated {
	return Annotated{
		Candidate: c,
		Facts:     f,
		Sources:   []string{c.IndexerID},
	}
}

// IntPtr is a small helper for optional counts.
func IntPtr(v int) *int {
	return &v
}

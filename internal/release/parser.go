// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package release

import (
	"strings"
	"unicode"

	"github.com/moistari/rls"
	"github.com/rs/zerolog/log"
)

type marker struct {
	value    string
	tokens   []string
	// numbered tokens also match with a channel count appended, "ddp5" for DDP5.1.
	numbered []string
}

// Ordered by rank: the highest resolution present wins.
var resolutionMarkers = []struct {
	resolution Resolution
	tokens     []string
}{
	{Resolution2160p, []string{"2160p", "2160i", "4k", "uhd"}},
	{Resolution1080p, []string{"1080p", "1080i"}},
	{Resolution720p, []string{"720p"}},
	{ResolutionSD, []string{"576p", "576i", "480p", "480i", "sd", "sdtv"}},
}

// captureMarkers only ever name a pre-release capture, so they win over any
// other source tag in the same title.
var captureMarkers = []struct {
	source Source
	tokens []string
}{
	{SourceCAM, []string{"hdcam", "hqcam", "camrip", "cam rip"}},
	{SourceTS, []string{"telesync", "hdts", "hd ts"}},
	{SourceTC, []string{"telecine", "hdtc"}},
}

// Ordered from most to least specific. The bare capture tags come last since
// they also occur as words in movie names.
var sourceMarkers = []struct {
	source Source
	tokens []string
}{
	{SourceRemux, []string{"remux", "bdremux"}},
	{SourceBluRay, []string{"bluray", "blu ray", "bdrip", "brrip", "bd25", "bd50", "bdmv"}},
	{SourceWEBDL, []string{"webdl", "web dl"}},
	{SourceWEBRip, []string{"webrip", "web rip"}},
	{SourceWEBDL, []string{"web"}},
	{SourceHDTV, []string{"hdtv", "pdtv", "sdtv", "dsr", "dsrip", "tvrip", "hdtvrip"}},
	{SourceDVD, []string{"dvdrip", "dvd rip", "dvd", "dvdr", "dvd5", "dvd9", "dvdscr"}},
	{SourceTC, []string{"tc"}},
	{SourceTS, []string{"ts", "pdvd"}},
	{SourceCAM, []string{"cam"}},
}

var codecMarkers = []struct {
	codec  Codec
	tokens []string
}{
	{CodecX265, []string{"x265", "x 265", "h265", "h 265", "hevc"}},
	{CodecX264, []string{"x264", "x 264", "h264", "h 264", "avc"}},
}

var dynamicRangeMarkers = []struct {
	dr     DynamicRange
	tokens []string
}{
	{DynamicRangeDV, []string{"dv", "dovi", "dolby vision", "dolbyvision"}},
	{DynamicRangeHDR10, []string{"hdr10+", "hdr10plus", "hdr10", "hdr", "hlg"}},
}

var audioMarkers = []marker{
	{"Atmos", []string{"atmos"}, nil},
	{"TrueHD", []string{"truehd", "true hd"}, nil},
	{"DTS-HD MA", []string{"dts hd ma", "dtshd ma", "dts hdma"}, nil},
	{"DTS-X", []string{"dts x", "dtsx"}, nil},
	{"DTS", []string{"dts"}, nil},
	{"DD+", []string{"eac3", "e ac3"}, []string{"ddp", "dd+"}},
	{"DD", []string{"ac3"}, []string{"dd"}},
	{"AAC", []string{"aac"}, nil},
	{"FLAC", []string{"flac"}, nil},
	{"Opus", []string{"opus"}, nil},
}

// nonGroupSuffixes are trailing tokens that look like a group after the final
// hyphen but describe the encode instead.
var nonGroupSuffixes = map[string]struct{}{
	"dl": {}, "rip": {}, "ray": {}, "hd": {}, "ma": {}, "x": {},
	"web": {}, "webdl": {}, "webrip": {}, "bluray": {}, "remux": {}, "hdtv": {}, "dvdrip": {},
	"x264": {}, "x265": {}, "h264": {}, "h265": {}, "hevc": {}, "avc": {},
	"2160p": {}, "1080p": {}, "1080i": {}, "720p": {}, "576p": {}, "480p": {}, "4k": {}, "uhd": {},
	"hdr": {}, "hdr10": {}, "hdr10+": {}, "dv": {}, "dovi": {}, "sdr": {},
	"atmos": {}, "truehd": {}, "dts": {}, "aac": {}, "ac3": {}, "flac": {},
	"proper": {}, "repack": {}, "internal": {}, "limited": {},
	"mkv": {}, "mp4": {}, "avi": {}, "nzb": {}, "torrent": {},
}

var fileExtensions = []string{".mkv", ".mp4", ".avi", ".m4v", ".nzb", ".torrent"}

// Parser turns free-text release titles into Facts. It never fails: anything it
// cannot recognise is reported as unknown.
type Parser struct {
	nonGroup map[string]struct{}
}

type ParserOption func(*Parser)

// WithNonGroupSuffixes adds tokens that must never be reported as a release group.
func WithNonGroupSuffixes(suffixes ...string) ParserOption {
	return func(p *Parser) {
		for _, s := range suffixes {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				p.nonGroup[s] = struct{}{}
			}
		}
	}
}

func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{nonGroup: make(map[string]struct{}, len(nonGroupSuffixes))}
	for k := range nonGroupSuffixes {
		p.nonGroup[k] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultParser = NewParser()

// Parse parses a title with the default parser.
func Parse(title string) Facts {
	return defaultParser.Parse(title)
}

// Parse extracts quality facts from title. Identical input always yields
// identical output.
func (p *Parser) Parse(title string) Facts {
	facts := Facts{
		Resolution:   ResolutionUnknown,
		Source:       SourceUnknown,
		Codec:        CodecUnknown,
		DynamicRange: DynamicRangeNone,
	}

	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return facts
	}

	body, group := p.splitGroup(trimmed)
	facts.Group = group

	tokens := qualityTokens(tokenize(body))
	joined := " " + strings.Join(tokens, " ") + " "

	for _, m := range resolutionMarkers {
		if containsAny(joined, m.tokens) {
			facts.Resolution = m.resolution
			break
		}
	}
	for _, m := range captureMarkers {
		if containsAny(joined, m.tokens) {
			facts.Source = m.source
			break
		}
	}
	if facts.Source == SourceUnknown {
		for _, m := range sourceMarkers {
			if containsAny(joined, m.tokens) {
				facts.Source = m.source
				break
			}
		}
	}
	for _, m := range codecMarkers {
		if containsAny(joined, m.tokens) {
			facts.Codec = m.codec
			break
		}
	}
	for _, m := range dynamicRangeMarkers {
		if containsAny(joined, m.tokens) {
			facts.DynamicRange = m.dr
			break
		}
	}

	var audio []string
	for _, m := range audioMarkers {
		if containsAny(joined, m.tokens) || containsNumbered(tokens, m.numbered) {
			audio = append(audio, m.value)
		}
	}

	facts.Proper = containsAny(joined, []string{"proper"})
	facts.Repack = containsAny(joined, []string{"repack", "rerip"})

	p.enrich(&facts, trimmed, audio)

	return facts
}

// enrich fills the free-text fields from rls. The enumerated fields above are
// never overridden.
func (p *Parser) enrich(facts *Facts, title string, audio []string) {
	r := parseRls(title)

	facts.Title = strings.TrimSpace(r.Title)
	facts.Year = r.Year

	if len(audio) == 0 && len(r.Audio) > 0 {
		audio = append(audio, r.Audio...)
	}
	facts.Audio = strings.Join(audio, " ")

	edition := make([]string, 0, len(r.Cut)+len(r.Edition))
	edition = append(edition, r.Cut...)
	edition = append(edition, r.Edition...)
	facts.Edition = strings.Join(edition, " ")

	for _, other := range r.Other {
		switch strings.ToUpper(other) {
		case "PROPER":
			facts.Proper = true
		case "REPACK", "RERIP":
			facts.Repack = true
		}
	}

	if facts.Title == "" {
		facts.Title = fallbackTitle(title)
	}
}

func parseRls(title string) (r rls.Release) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Interface("panic", rec).Str("title", title).Msg("release title enrichment failed")
			r = rls.Release{}
		}
	}()
	return rls.ParseString(title)
}

// splitGroup removes a trailing release group from title and returns the
// remaining body with the group. Recognised shapes: "-GROUP", "[GROUP]" and
// "{GROUP}", with the hyphen form preferred.
func (p *Parser) splitGroup(title string) (string, string) {
	body := stripExtension(title)

	var bracketed string
	for {
		trimmed := strings.TrimSpace(body)
		if len(trimmed) < 2 {
			break
		}
		last := trimmed[len(trimmed)-1]
		var open byte
		switch last {
		case ']':
			open = '['
		case '}':
			open = '{'
		default:
			open = 0
		}
		if open == 0 {
			break
		}
		idx := strings.LastIndexByte(trimmed, open)
		if idx < 0 {
			break
		}
		inner := strings.TrimSpace(trimmed[idx+1 : len(trimmed)-1])
		if bracketed == "" && p.validGroup(inner) {
			bracketed = inner
		}
		body = trimmed[:idx]
	}

	body = strings.TrimSpace(body)
	if idx := strings.LastIndexByte(body, '-'); idx >= 0 && idx < len(body)-1 {
		candidate := strings.TrimSpace(body[idx+1:])
		if p.validGroup(candidate) {
			return body[:idx], candidate
		}
	}

	if bracketed != "" {
		return body, bracketed
	}
	return body, ""
}

func (p *Parser) validGroup(candidate string) bool {
	if candidate == "" || len(candidate) > 32 {
		return false
	}
	for _, r := range candidate {
		if unicode.IsSpace(r) || r == '.' || r == '[' || r == ']' || r == '{' || r == '}' {
			return false
		}
	}
	if _, bad := p.nonGroup[strings.ToLower(candidate)]; bad {
		return false
	}
	allDigits := true
	for _, r := range candidate {
		if !unicode.IsDigit(r) {
			allDigits = false
			break
		}
	}
	return !allDigits
}

func stripExtension(title string) string {
	lower := strings.ToLower(title)
	for _, ext := range fileExtensions {
		if strings.HasSuffix(lower, ext) {
			return title[:len(title)-len(ext)]
		}
	}
	return title
}

// tokenize lowercases title and splits it on everything except letters, digits
// and '+', so "WEB-DL" becomes "web dl" and "HDR10+" stays intact.
func tokenize(title string) []string {
	return strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '+')
	})
}

// qualityTokens drops the movie name: everything up to and including the last
// year that does not open the title. Without such a year every token is kept.
func qualityTokens(tokens []string) []string {
	for i := len(tokens) - 1; i >= 1; i-- {
		if isYear(tokens[i]) {
			return tokens[i+1:]
		}
	}
	return tokens
}

func containsNumbered(tokens []string, prefixes []string) bool {
	for _, tok := range tokens {
		for _, prefix := range prefixes {
			if rest, ok := strings.CutPrefix(tok, prefix); ok && isDigits(rest) {
				return true
			}
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func containsAny(joined string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(joined, " "+t+" ") {
			return true
		}
	}
	return false
}

// fallbackTitle keeps the leading words up to the first year or quality token.
func fallbackTitle(title string) string {
	words := strings.FieldsFunc(title, func(r rune) bool {
		return r == '.' || r == '_' || r == ' '
	})
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len(out) > 0 && (isYear(w) || isQualityToken(w)) {
			break
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

func isYear(w string) bool {
	if len(w) != 4 {
		return false
	}
	for _, r := range w {
		if r < '0' || r > '9' {
			return false
		}
	}
	return w >= "1900" && w <= "2099"
}

func isQualityToken(w string) bool {
	joined := " " + strings.ToLower(w) + " "
	for _, m := range resolutionMarkers {
		if containsAny(joined, m.tokens) {
			return true
		}
	}
	for _, m := range captureMarkers {
		if containsAny(joined, m.tokens) {
			return true
		}
	}
	for _, m := range sourceMarkers {
		if containsAny(joined, m.tokens) {
			return true
		}
	}
	return false
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/autobrr/pickarr/internal/release"
)

var folder = cases.Fold()

// foldText decomposes s, strips combining marks and case-folds the result.
func foldText(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return folder.String(out)
}

// signatureTokens splits a folded title into alphanumeric tokens, dropping
// bracketed tags.
func signatureTokens(title string) []string {
	var b strings.Builder
	depth := 0
	for _, r := range title {
		switch r {
		case '[', '{':
			depth++
			continue
		case ']', '}':
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth > 0 {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Fields(b.String())
}

// Signature is the normalized identity of a release title: accent and case
// insensitive, separator insensitive, and without the release group.
func Signature(title string, facts release.Facts) string {
	tokens := signatureTokens(foldText(title))
	if n := len(tokens); n > 0 {
		switch tokens[n-1] {
		case "mkv", "mp4", "avi", "m4v", "nzb", "torrent":
			tokens = tokens[:n-1]
		}
	}

	if facts.Group != "" {
		group := signatureTokens(foldText(facts.Group))
		tokens = removeLastRun(tokens, group)
	}
	return strings.Join(tokens, " ")
}

// SignatureHash is the 64-bit hash of Signature used for bucketing.
func SignatureHash(title string, facts release.Facts) uint64 {
	return xxhash.Sum64String(Signature(title, facts))
}

func removeLastRun(tokens, run []string) []string {
	if len(run) == 0 || len(run) > len(tokens) {
		return tokens
	}
	for start := len(tokens) - len(run); start >= 0; start-- {
		match := true
		for i := range run {
			if tokens[start+i] != run[i] {
				match = false
				break
			}
		}
		if match {
			out := make([]string, 0, len(tokens)-len(run))
			out = append(out, tokens[:start]...)
			return append(out, tokens[start+len(run):]...)
		}
	}
	return tokens
}

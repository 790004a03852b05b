// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package extraction defines the entity-extraction contract the metadata
// index consumes, plus a deterministic heuristic extractor used as the
// default. External extractors (LLM- or service-backed) plug in through
// the same interface; rebuild determinism only requires that the same
// extractor produces the same output for the same text.
// Per prd002-metadata-index R3.
package extraction

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Entity types produced by the heuristic extractor.
const (
	TypeTech    = "TECH"
	TypePercent = "PERCENT"
	TypeOrg     = "ORG"
)

// Extracted is one entity occurrence found in a text.
type Extracted struct {
	// Type categorizes the entity.
	Type string

	// Text is the surface form.
	Text string

	// Normalized is the canonical value (percent surfaces normalize to
	// their decimal form, e.g. "98.5%" -> "0.985").
	Normalized string

	// Confidence is the extraction certainty in [0,1].
	Confidence float64

	// Start and End delimit the first occurrence in the input.
	Start int
	End   int
}

// Extractor is the extraction contract. Implementations must be
// deterministic for a given input or index rebuilds lose byte-identity.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Extracted, error)
}

var (
	percentRe = regexp.MustCompile(`\d+(?:\.\d+)?%`)
	acronymRe = regexp.MustCompile(`\b[A-Z][A-Z0-9]{1,9}\b`)
	camelRe   = regexp.MustCompile(`\b[A-Z][a-z]+(?:[A-Z][A-Za-z0-9]*)+\b`)
	orgRe     = regexp.MustCompile(`\b([A-Z][a-z]+) (?:Inc|LLC|Ltd|Corp|Labs)\b`)
)

// Heuristic is a pattern-based extractor: percents, acronyms, mixed-case
// technical names, and company suffixes. It is deterministic and needs no
// network, which makes it the reference extractor for rebuild verification.
type Heuristic struct{}

var _ Extractor = Heuristic{}

// Extract scans text and returns entities unique per (type, surface),
// keeping the first occurrence's offsets. Results are ordered by start
// offset so repeated runs are byte-identical.
func (Heuristic) Extract(_ context.Context, text string) ([]Extracted, error) {
	var found []Extracted
	seen := make(map[string]bool)

	add := func(typ, surface, normalized string, conf float64, start, end int) {
		key := typ + "\x00" + surface
		if seen[key] {
			return
		}
		seen[key] = true
		found = append(found, Extracted{
			Type: typ, Text: surface, Normalized: normalized,
			Confidence: conf, Start: start, End: end,
		})
	}

	for _, loc := range percentRe.FindAllStringIndex(text, -1) {
		surface := text[loc[0]:loc[1]]
		add(TypePercent, surface, normalizePercent(surface), 0.95, loc[0], loc[1])
	}

	for _, loc := range orgRe.FindAllStringSubmatchIndex(text, -1) {
		surface := text[loc[2]:loc[3]]
		add(TypeOrg, surface, text[loc[0]:loc[1]], 0.85, loc[2], loc[3])
	}

	for _, loc := range camelRe.FindAllStringIndex(text, -1) {
		surface := text[loc[0]:loc[1]]
		add(TypeTech, surface, surface, 0.9, loc[0], loc[1])
	}

	for _, loc := range acronymRe.FindAllStringIndex(text, -1) {
		surface := text[loc[0]:loc[1]]
		add(TypeTech, surface, surface, 0.9, loc[0], loc[1])
	}

	// Stable order: by first occurrence, then type, then surface.
	sort.Slice(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Text < b.Text
	})

	return found, nil
}

// normalizePercent converts "98.5%" to "0.985".
func normalizePercent(surface string) string {
	v, err := strconv.ParseFloat(strings.TrimSuffix(surface, "%"), 64)
	if err != nil {
		return surface
	}
	return strconv.FormatFloat(v/100, 'g', -1, 64)
}

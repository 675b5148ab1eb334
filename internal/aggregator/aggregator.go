// Package aggregator merges ParserOutput and ReviewOutput into one enriched,
// deduplicated ReviewOutput, optionally filtered against a knowledge base of
// past review learnings.
package aggregator

import (
	"sort"
	"strconv"
	"strings"

	"pr-review-automation/internal/domain"
)

// Merge enriches the review output with parser hotspots not already
// covered by a review issue, then deduplicates by
// (file, line, normalized_message). It never adds issues beyond
// enrichment, and never expands the set during dedup — only removes or
// enriches.
func Merge(parserOutput domain.ParserOutput, reviewOutput domain.ReviewOutput) domain.ReviewOutput {
	issues := append([]domain.ReviewIssue(nil), reviewOutput.Issues...)
	issues = append(issues, enrichFromHotspots(parserOutput.Hotspots, reviewOutput.Issues)...)
	return domain.ReviewOutput{Issues: dedupe(issues)}
}

// enrichFromHotspots adds a synthetic ReviewIssue for every parser hotspot
// whose (file, line) isn't already covered by an existing issue.
func enrichFromHotspots(hotspots []domain.Hotspot, existing []domain.ReviewIssue) []domain.ReviewIssue {
	covered := make(map[string]bool, len(existing))
	for _, issue := range existing {
		covered[locationKey(issue.File, issue.Line)] = true
	}

	var synthetic []domain.ReviewIssue
	for _, h := range hotspots {
		if covered[locationKey(h.File, h.Line)] {
			continue
		}
		synthetic = append(synthetic, domain.ReviewIssue{
			File:       h.File,
			Line:       h.Line,
			Severity:   hotspotSeverity(h.Severity),
			Category:   domain.CategoryComplexity,
			Message:    h.Detail,
			Confidence: 1.0,
			Source:     domain.SourceParser,
			RuleID:     "HOTSPOT_" + h.Kind,
		})
	}
	return synthetic
}

func hotspotSeverity(hotspotSeverity string) domain.Severity {
	if hotspotSeverity == "critical" {
		return domain.SeverityHigh
	}
	return domain.SeverityMedium
}

func locationKey(file string, line int) string {
	return file + "\x00" + strconv.Itoa(line)
}

// dedupe groups entries by (file, line, normalized_message) where
// normalization lowercases and trims, collapsing duplicates into the
// highest-severity variant with source=merged.
func dedupe(issues []domain.ReviewIssue) []domain.ReviewIssue {
	type key struct {
		file string
		line int
		msg  string
	}

	order := make([]key, 0, len(issues))
	groups := make(map[key][]domain.ReviewIssue)

	for _, issue := range issues {
		k := key{file: issue.File, line: issue.Line, msg: normalizeMessage(issue.Message)}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], issue)
	}

	out := make([]domain.ReviewIssue, 0, len(order))
	for _, k := range order {
		group := groups[k]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		merged := group[0]
		for _, g := range group[1:] {
			merged.Severity = domain.MaxSeverity(merged.Severity, g.Severity)
			if g.Confidence > merged.Confidence {
				merged.Confidence = g.Confidence
			}
		}
		merged.Source = domain.SourceMerged
		out = append(out, merged)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

func normalizeMessage(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

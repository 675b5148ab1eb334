package aggregator

import (
	"testing"

	"pr-review-automation/internal/domain"
)

func TestMergeEnrichesUncoveredHotspots(t *testing.T) {
	parserOut := domain.ParserOutput{Hotspots: []domain.Hotspot{
		{File: "a.go", Line: 10, Kind: "complexity", Severity: "critical", Detail: "too complex"},
	}}
	reviewOut := domain.ReviewOutput{}

	merged := Merge(parserOut, reviewOut)
	if len(merged.Issues) != 1 {
		t.Fatalf("expected 1 enriched issue, got %d", len(merged.Issues))
	}
	if merged.Issues[0].Source != domain.SourceParser || merged.Issues[0].Severity != domain.SeverityHigh {
		t.Fatalf("expected source=parser severity=high, got %+v", merged.Issues[0])
	}
}

func TestMergeDoesNotEnrichAlreadyCoveredLocation(t *testing.T) {
	parserOut := domain.ParserOutput{Hotspots: []domain.Hotspot{
		{File: "a.go", Line: 10, Kind: "complexity", Severity: "critical", Detail: "too complex"},
	}}
	reviewOut := domain.ReviewOutput{Issues: []domain.ReviewIssue{
		{File: "a.go", Line: 10, Severity: domain.SeverityHigh, Category: domain.CategoryBug, Message: "already flagged"},
	}}

	merged := Merge(parserOut, reviewOut)
	if len(merged.Issues) != 1 {
		t.Fatalf("expected the existing issue to absorb the hotspot location, got %d issues", len(merged.Issues))
	}
}

func TestMergeDeduplicatesByFileLineNormalizedMessage(t *testing.T) {
	reviewOut := domain.ReviewOutput{Issues: []domain.ReviewIssue{
		{File: "a.go", Line: 5, Severity: domain.SeverityLow, Message: "  Missing Error Check  "},
		{File: "a.go", Line: 5, Severity: domain.SeverityCritical, Message: "missing error check"},
	}}

	merged := Merge(domain.ParserOutput{}, reviewOut)
	if len(merged.Issues) != 1 {
		t.Fatalf("expected duplicates to collapse to 1 issue, got %d", len(merged.Issues))
	}
	if merged.Issues[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected the highest severity to survive, got %s", merged.Issues[0].Severity)
	}
	if merged.Issues[0].Source != domain.SourceMerged {
		t.Fatalf("expected source=merged after collapsing duplicates, got %s", merged.Issues[0].Source)
	}
}

func TestMergeNeverExpandsBeyondEnrichmentAndDedup(t *testing.T) {
	reviewOut := domain.ReviewOutput{Issues: []domain.ReviewIssue{
		{File: "a.go", Line: 1, Message: "one"},
		{File: "a.go", Line: 2, Message: "two"},
	}}
	merged := Merge(domain.ParserOutput{}, reviewOut)
	if len(merged.Issues) != 2 {
		t.Fatalf("expected no new issues beyond input+enrichment, got %d", len(merged.Issues))
	}
}

func TestKBFilterDropsRejectedPrecedent(t *testing.T) {
	issues := []domain.ReviewIssue{{File: "a.go", Line: 5, Severity: domain.SeverityHigh, Message: "x"}}
	learnings := []Learning{{File: "a.go", Line: 5, Accepted: false, Similarity: 0.95, Confidence: 0.9}}

	kept, rejected := ApplyKBFilter(issues, learnings, DefaultFilterConfig())
	if len(kept) != 0 || len(rejected) != 1 {
		t.Fatalf("expected issue rejected by prior precedent, kept=%d rejected=%d", len(kept), len(rejected))
	}
}

func TestKBFilterDowngradesAcceptedPrecedent(t *testing.T) {
	issues := []domain.ReviewIssue{{File: "a.go", Line: 5, Severity: domain.SeverityCritical, Message: "x"}}
	learnings := []Learning{{File: "a.go", Line: 5, Accepted: true, Similarity: 0.95, Confidence: 0.9}}

	kept, _ := ApplyKBFilter(issues, learnings, DefaultFilterConfig())
	if len(kept) != 1 || kept[0].Severity != domain.SeverityHigh {
		t.Fatalf("expected severity downgraded by one level, got %+v", kept)
	}
}

func TestKBFilterIgnoresLowConfidenceMatches(t *testing.T) {
	issues := []domain.ReviewIssue{{File: "a.go", Line: 5, Severity: domain.SeverityCritical, Message: "x"}}
	learnings := []Learning{{File: "a.go", Line: 5, Accepted: false, Similarity: 0.95, Confidence: 0.1}}

	kept, rejected := ApplyKBFilter(issues, learnings, DefaultFilterConfig())
	if len(kept) != 1 || len(rejected) != 0 {
		t.Fatalf("expected low-confidence match to be ignored, kept=%d rejected=%d", len(kept), len(rejected))
	}
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/llm"
	"pr-review-automation/internal/types"
)

// DefaultMinConfidence is applied when ReviewWorker.MinConfidence is unset.
const DefaultMinConfidence = 0.5

// ReviewWorker makes exactly one LLM call per invocation, folding in the
// parser summary and optional KB excerpts, and drops low-confidence issues.
// It never filters by diff line; that is the CommentFormatter's job. The
// raw response has any markdown code fence stripped before JSON parsing,
// since models routinely wrap JSON replies in one.
type ReviewWorker struct {
	Client        llm.Client
	SystemPrompt  string
	MinConfidence float64
}

func NewReviewWorker(client llm.Client, systemPrompt string) *ReviewWorker {
	return &ReviewWorker{Client: client, SystemPrompt: systemPrompt, MinConfidence: DefaultMinConfidence}
}

type rawReviewIssue struct {
	File          string  `json:"file"`
	Line          int     `json:"line"`
	EndLine       int     `json:"end_line"`
	Severity      string  `json:"severity"`
	Category      string  `json:"category"`
	Message       string  `json:"message"`
	Suggestion    string  `json:"suggestion"`
	SuggestedCode string  `json:"suggested_code"`
	Confidence    float64 `json:"confidence"`
	RuleID        string  `json:"rule_id"`
}

type rawReviewResponse struct {
	Issues []rawReviewIssue `json:"issues"`
}

func (w *ReviewWorker) Run(ctx context.Context, files []domain.FileInfo, parserOutput domain.ParserOutput, kbContext string, pr *domain.PullRequest) (domain.ReviewOutput, error) {
	if w.Client == nil {
		return domain.ReviewOutput{}, types.NewLLMError("review", fmt.Errorf("no llm client configured"))
	}

	prompt := buildReviewPrompt(files, parserOutput, kbContext, pr)

	raw, err := w.Client.SimpleTextQuery(ctx, w.SystemPrompt, prompt)
	if err != nil {
		return domain.ReviewOutput{}, types.NewLLMError("review", err)
	}

	cleaned := types.CleanJSONFromMarkdown(raw)

	var parsed rawReviewResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return domain.ReviewOutput{}, types.NewLLMError("review: parse response", err)
	}

	minConf := w.MinConfidence
	if minConf <= 0 {
		minConf = DefaultMinConfidence
	}

	var issues []domain.ReviewIssue
	for _, ri := range parsed.Issues {
		if ri.Confidence < minConf {
			continue
		}
		if ri.Line < 1 {
			continue
		}
		issues = append(issues, domain.ReviewIssue{
			File:          ri.File,
			Line:          ri.Line,
			EndLine:       ri.EndLine,
			Severity:      normalizeSeverity(ri.Severity),
			Category:      normalizeCategory(ri.Category),
			Message:       ri.Message,
			Suggestion:    ri.Suggestion,
			SuggestedCode: ri.SuggestedCode,
			Confidence:    ri.Confidence,
			Source:        domain.SourceReview,
			RuleID:        ri.RuleID,
		})
	}

	return domain.ReviewOutput{Issues: issues}, nil
}

func buildReviewPrompt(files []domain.FileInfo, parserOutput domain.ParserOutput, kbContext string, pr *domain.PullRequest) string {
	var b strings.Builder
	if pr != nil {
		fmt.Fprintf(&b, "Pull request: %s\n%s\n\n", pr.Title, pr.Description)
	}

	b.WriteString("Parser summary:\n")
	for _, h := range parserOutput.Hotspots {
		fmt.Fprintf(&b, "- %s:%d %s (%s)\n", h.File, h.Line, h.Kind, h.Severity)
	}
	b.WriteString("\n")

	if kbContext != "" {
		fmt.Fprintf(&b, "Relevant prior learnings:\n%s\n\n", kbContext)
	}

	b.WriteString("Diffs:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Diff)
	}

	b.WriteString("\nRespond with JSON: {\"issues\": [{\"file\":...,\"line\":...,\"severity\":...,\"category\":...,\"message\":...,\"confidence\":...}]}")
	return b.String()
}

var validSeverities = map[domain.Severity]bool{
	domain.SeverityCritical: true, domain.SeverityHigh: true, domain.SeverityMedium: true,
	domain.SeverityLow: true, domain.SeverityInfo: true,
}

func normalizeSeverity(s string) domain.Severity {
	sev := domain.Severity(strings.ToLower(strings.TrimSpace(s)))
	if validSeverities[sev] {
		return sev
	}
	return domain.SeverityInfo
}

var validCategories = map[domain.Category]bool{
	domain.CategorySecurity: true, domain.CategoryBug: true, domain.CategoryPerformance: true,
	domain.CategoryMaintainability: true, domain.CategoryStyle: true, domain.CategoryErrorHandling: true,
	domain.CategoryDocumentation: true, domain.CategoryComplexity: true, domain.CategoryDeadCode: true,
	domain.CategoryOther: true,
}

func normalizeCategory(c string) domain.Category {
	cat := domain.Category(strings.ToLower(strings.TrimSpace(c)))
	if validCategories[cat] {
		return cat
	}
	return domain.CategoryOther
}

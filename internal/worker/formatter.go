package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/llm"
	"pr-review-automation/internal/types"
)

// DefaultMaxComments is the formatter's comment cap when none is configured.
const DefaultMaxComments = 20

// CommentFormatterWorker turns raw ReviewIssues into a posted-ready
// FormattedReview: validate against the diff, attempt LLM formatting, and
// fall back to a fully equivalent deterministic rendering on any failure.
type CommentFormatterWorker struct {
	Client       llm.Client
	SystemPrompt string
	MaxComments  int
}

func NewCommentFormatterWorker(client llm.Client, systemPrompt string) *CommentFormatterWorker {
	return &CommentFormatterWorker{Client: client, SystemPrompt: systemPrompt, MaxComments: DefaultMaxComments}
}

func (w *CommentFormatterWorker) Run(ctx context.Context, issues []domain.ReviewIssue, validLines domain.ValidLines) domain.FormattedReview {
	maxComments := w.MaxComments
	if maxComments <= 0 {
		maxComments = DefaultMaxComments
	}

	valid, dropped := partitionByDiff(issues, validLines)

	if len(valid) == 0 {
		return domain.FormattedReview{
			SummaryBody:     "No issues found on changed lines.",
			DroppedComments: dropped,
		}
	}

	if w.Client != nil {
		if review, ok := w.tryLLMFormat(ctx, valid, dropped); ok {
			return review
		}
	}

	return deterministicFormat(valid, dropped, maxComments)
}

// partitionByDiff implements step 1 of the algorithm: an issue is valid iff
// its file is keyed in validLines and its line is a member of that set.
func partitionByDiff(issues []domain.ReviewIssue, validLines domain.ValidLines) (valid []domain.ReviewIssue, dropped []domain.DroppedComment) {
	for _, issue := range issues {
		lines, fileKnown := validLines[issue.File]
		switch {
		case !fileKnown:
			dropped = append(dropped, domain.DroppedComment{File: issue.File, Line: issue.Line, Reason: domain.DropFileNotInDiff})
		case !lines[issue.Line]:
			dropped = append(dropped, domain.DroppedComment{File: issue.File, Line: issue.Line, Reason: domain.DropNotInDiff})
		default:
			valid = append(valid, issue)
		}
	}
	return valid, dropped
}

type rawFormattedComment struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	StartLine int    `json:"start_line"`
	Body      string `json:"body"`
	Severity  string `json:"severity"`
}

type rawFormattedReview struct {
	Summary  string                `json:"summary"`
	Comments []rawFormattedComment `json:"comments"`
}

func (w *CommentFormatterWorker) tryLLMFormat(ctx context.Context, valid []domain.ReviewIssue, dropped []domain.DroppedComment) (domain.FormattedReview, bool) {
	prompt := buildFormatPrompt(valid)
	raw, err := w.Client.SimpleTextQuery(ctx, w.SystemPrompt, prompt)
	if err != nil {
		return domain.FormattedReview{}, false
	}

	cleaned := types.CleanJSONFromMarkdown(raw)
	var parsed rawFormattedReview
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return domain.FormattedReview{}, false
	}
	if len(parsed.Comments) == 0 {
		return domain.FormattedReview{}, false
	}

	review := domain.FormattedReview{SummaryBody: parsed.Summary, DroppedComments: dropped}
	for _, c := range parsed.Comments {
		review.InlineComments = append(review.InlineComments, domain.FormattedInlineComment{
			Path: c.Path, Line: c.Line, StartLine: c.StartLine,
			Body: c.Body, Severity: normalizeSeverity(c.Severity),
		})
	}
	return review, true
}

func buildFormatPrompt(issues []domain.ReviewIssue) string {
	var b strings.Builder
	b.WriteString("Format these review issues into inline PR comments plus a summary.\n\n")
	for _, i := range issues {
		fmt.Fprintf(&b, "%s:%d [%s/%s] %s\n", i.File, i.Line, i.Severity, i.Category, i.Message)
	}
	b.WriteString("\nRespond with JSON: {\"summary\":...,\"comments\":[{\"path\":...,\"line\":...,\"body\":...,\"severity\":...}]}")
	return b.String()
}

type issueGroup struct {
	file     string
	line     int
	issues   []domain.ReviewIssue
	severity domain.Severity
	endLine  int
}

// deterministicFormat implements algorithm step 4 exactly: sort by
// severity, group by (file, line), cap at maxComments, merge same-group
// issues into one comment, and build a breakdown summary.
func deterministicFormat(valid []domain.ReviewIssue, dropped []domain.DroppedComment, maxComments int) domain.FormattedReview {
	sorted := append([]domain.ReviewIssue(nil), valid...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() < sorted[j].Severity.Rank()
	})

	groupIndex := make(map[string]int)
	var groups []*issueGroup
	for _, issue := range sorted {
		key := issue.File + "\x00" + fmt.Sprint(issue.Line)
		idx, ok := groupIndex[key]
		if !ok {
			groupIndex[key] = len(groups)
			groups = append(groups, &issueGroup{file: issue.File, line: issue.Line, severity: issue.Severity})
			idx = len(groups) - 1
		}
		g := groups[idx]
		g.issues = append(g.issues, issue)
		g.severity = domain.MaxSeverity(g.severity, issue.Severity)
		if issue.EndLine > issue.Line && issue.EndLine > g.endLine {
			g.endLine = issue.EndLine
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.severity.Rank() != b.severity.Rank() {
			return a.severity.Rank() < b.severity.Rank()
		}
		if a.file != b.file {
			return a.file < b.file
		}
		return a.line < b.line
	})

	kept := groups
	limitDropped := 0
	if len(groups) > maxComments {
		kept = groups[:maxComments]
		limitDropped = len(groups) - maxComments
		for _, g := range groups[maxComments:] {
			dropped = append(dropped, domain.DroppedComment{File: g.file, Line: g.line, Reason: domain.DropLimitExceeded})
		}
	}

	review := domain.FormattedReview{DroppedComments: dropped}
	severityCounts := make(map[domain.Severity]int)
	categoryCounts := make(map[domain.Category]int)

	for _, g := range kept {
		comment := domain.FormattedInlineComment{Path: g.file, Line: g.line, Severity: g.severity}
		if g.endLine > g.line {
			comment.StartLine = g.line
			comment.Line = g.endLine
		}
		if len(g.issues) > 1 {
			comment.Body = renderMergedComment(g.issues)
		} else {
			comment.Body = renderSingleComment(g.issues[0])
		}
		review.InlineComments = append(review.InlineComments, comment)

		for _, i := range g.issues {
			severityCounts[i.Severity]++
			categoryCounts[i.Category]++
		}
	}

	review.SummaryBody = renderSummary(severityCounts, categoryCounts, countDroppedByReason(dropped, domain.DropNotInDiff)+countDroppedByReason(dropped, domain.DropFileNotInDiff), limitDropped)
	return review
}

func countDroppedByReason(dropped []domain.DroppedComment, reason domain.DropReason) int {
	n := 0
	for _, d := range dropped {
		if d.Reason == reason {
			n++
		}
	}
	return n
}

var severityEmoji = map[domain.Severity]string{
	domain.SeverityCritical: "\U0001F534",
	domain.SeverityHigh:     "\U0001F7E0",
	domain.SeverityMedium:   "\U0001F7E1",
	domain.SeverityLow:      "\U0001F535",
	domain.SeverityInfo:     "⚪",
}

func renderSingleComment(issue domain.ReviewIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s **%s** (%s)\n\n%s\n", severityEmoji[issue.Severity], strings.ToUpper(string(issue.Severity)), issue.Category, issue.Message)
	if issue.Suggestion != "" {
		fmt.Fprintf(&b, "\n**Suggestion:** %s\n", issue.Suggestion)
	}
	if issue.SuggestedCode != "" {
		fmt.Fprintf(&b, "\n```suggestion\n%s\n```\n", issue.SuggestedCode)
	}
	return b.String()
}

func renderMergedComment(issues []domain.ReviewIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d issues found on this line:\n", len(issues))
	for _, issue := range issues {
		fmt.Fprintf(&b, "\n<details><summary>%s %s (%s)</summary>\n\n%s\n",
			severityEmoji[issue.Severity], strings.ToUpper(string(issue.Severity)), issue.Category, issue.Message)
		if issue.Suggestion != "" {
			fmt.Fprintf(&b, "\n**Suggestion:** %s\n", issue.Suggestion)
		}
		if issue.SuggestedCode != "" {
			fmt.Fprintf(&b, "\n```suggestion\n%s\n```\n", issue.SuggestedCode)
		}
		b.WriteString("\n</details>\n")
	}
	return b.String()
}

func renderSummary(severityCounts map[domain.Severity]int, categoryCounts map[domain.Category]int, outOfDiffDrops, limitDrops int) string {
	var b strings.Builder
	b.WriteString("## Review summary\n\n")

	for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow, domain.SeverityInfo} {
		if n := severityCounts[sev]; n > 0 {
			fmt.Fprintf(&b, "- %s %s: %d\n", severityEmoji[sev], sev, n)
		}
	}

	b.WriteString("\nBy category:\n")
	cats := make([]string, 0, len(categoryCounts))
	for c := range categoryCounts {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Fprintf(&b, "- %s: %d\n", c, categoryCounts[domain.Category(c)])
	}

	if outOfDiffDrops > 0 || limitDrops > 0 {
		fmt.Fprintf(&b, "\n%d comment(s) dropped (out of diff), %d dropped (comment limit reached).\n", outOfDiffDrops, limitDrops)
	}
	return b.String()
}

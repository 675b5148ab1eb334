// Package intent classifies a PR review request's free-text user_request
// into a structured UserIntent, deciding whether to review, generate tests,
// or both. Ported from the original service's intent_parser.py: the same
// ordered regex tables, compiled once at package init instead of per
// IntentParser instance, since the patterns never change at runtime.
package intent

import "regexp"

var testRequestPatterns = compileAll(
	`generate\s+(unit\s+)?tests?`,
	`write\s+(unit\s+)?tests?`,
	`create\s+(unit\s+)?tests?`,
	`add\s+(unit\s+)?tests?`,
	`need\s+(unit\s+)?tests?`,
	`want\s+(unit\s+)?tests?`,
	`with\s+(unit\s+)?tests?`,
	`include\s+(unit\s+)?tests?`,
	`\btest\s+generation\b`,
	`\bunit\s+test\b`,
)

var testOnlyPatterns = compileAll(
	`^generate\s+(unit\s+)?tests?\s+(for|only)`,
	`^only\s+(generate|write|create)\s+tests?`,
	`^tests?\s+only`,
	`^just\s+(generate|write|create)\s+tests?`,
)

var reviewOnlyPatterns = compileAll(
	`^review\s+only`,
	`^only\s+review`,
	`^just\s+review`,
	`^no\s+tests?`,
	`without\s+tests?`,
	`skip\s+tests?`,
)

var targetPatterns = compileAll(
	`tests?\s+for\s+[`+"`"+`'"]?([^`+"`"+`'"]+)[`+"`"+`'"]?`,
	`test\s+([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)`,
)

// testKeywords backs ShouldGenerateTests's cheap substring check, kept
// separate from the regex tables above to preserve the "never auto-trigger"
// safety invariant independent of the richer pattern matching.
var testKeywords = []string{
	"generate test",
	"write test",
	"create test",
	"add test",
	"unit test",
	"test generation",
	"need test",
	"want test",
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile("(?i)"+p))
	}
	return out
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

package intent

import (
	"strings"

	"pr-review-automation/internal/domain"
)

// Parse classifies req.UserRequest into a UserIntent. An empty request text
// defaults to review-only, matching the original service's behavior of never
// generating tests unless a user explicitly asks.
func Parse(req *domain.ReviewRequest) domain.UserIntent {
	result := domain.UserIntent{
		Kind:         domain.IntentReviewOnly,
		ShouldReview: true,
	}

	text := req.UserRequest
	if text == "" {
		return result
	}

	switch {
	case matchesAny(text, testOnlyPatterns):
		result.Kind = domain.IntentTestsOnly
		result.ShouldReview = false
		result.ShouldGenerateTests = true
		result.TestTargets = extractTargets(text, req)

	case matchesAny(text, reviewOnlyPatterns):
		result.Kind = domain.IntentReviewOnly
		result.ShouldReview = true
		result.ShouldGenerateTests = false

	case matchesAny(text, testRequestPatterns):
		result.Kind = domain.IntentReviewAndTest
		result.ShouldReview = true
		result.ShouldGenerateTests = true
		result.TestTargets = extractTargets(text, req)
	}

	return result
}

// extractTargets pulls explicit file/function targets out of the request
// text; if none are named, every non-deleted changed file becomes a target.
func extractTargets(text string, req *domain.ReviewRequest) []string {
	var targets []string
	seen := make(map[string]bool)

	for _, p := range targetPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if len(m) < 2 {
				continue
			}
			target := m[1]
			if target != "" && !seen[target] {
				seen[target] = true
				targets = append(targets, target)
			}
		}
	}

	if len(targets) == 0 && req != nil {
		for _, f := range req.Files {
			if !f.IsDeleted {
				targets = append(targets, f.Path)
			}
		}
	}
	return targets
}

// ShouldGenerateTests is a cheap, pattern-independent keyword check used to
// enforce the "tests never auto-trigger" invariant at call sites that only
// have the raw request text, without needing a full ReviewRequest.
func ShouldGenerateTests(userRequest string) bool {
	if userRequest == "" {
		return false
	}
	lower := strings.ToLower(userRequest)
	for _, kw := range testKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

package intent

import (
	"reflect"
	"testing"

	"pr-review-automation/internal/domain"
)

func TestParseDefaultsToReviewOnly(t *testing.T) {
	got := Parse(&domain.ReviewRequest{UserRequest: ""})
	if got.Kind != domain.IntentReviewOnly || !got.ShouldReview || got.ShouldGenerateTests {
		t.Fatalf("unexpected default intent: %+v", got)
	}
}

func TestParseReviewAndTests(t *testing.T) {
	req := &domain.ReviewRequest{UserRequest: "please review and generate unit tests for this PR"}
	got := Parse(req)
	if got.Kind != domain.IntentReviewAndTest || !got.ShouldReview || !got.ShouldGenerateTests {
		t.Fatalf("expected review+tests intent, got %+v", got)
	}
}

func TestParseTestsOnly(t *testing.T) {
	req := &domain.ReviewRequest{UserRequest: "tests only please"}
	got := Parse(req)
	if got.Kind != domain.IntentTestsOnly || got.ShouldReview || !got.ShouldGenerateTests {
		t.Fatalf("expected tests-only intent, got %+v", got)
	}
}

func TestParseReviewOnlyExplicit(t *testing.T) {
	req := &domain.ReviewRequest{UserRequest: "review only, no tests needed"}
	got := Parse(req)
	if got.Kind != domain.IntentReviewOnly || !got.ShouldReview || got.ShouldGenerateTests {
		t.Fatalf("expected review-only intent, got %+v", got)
	}
}

// Ordinary review commentary with no test keywords must never set
// ShouldGenerateTests: false positives here would trigger unwanted test
// generation on every routine review comment.
func TestParseNeverAutoTriggersTests(t *testing.T) {
	benign := []string{
		"please take a look at this change",
		"can you review the error handling in handler.go",
		"check for security issues",
		"",
		"this PR refactors the cache eviction logic",
	}
	for _, text := range benign {
		got := Parse(&domain.ReviewRequest{UserRequest: text})
		if got.ShouldGenerateTests {
			t.Fatalf("expected no test generation for %q, got %+v", text, got)
		}
	}
}

func TestExtractTargetsFromExplicitMention(t *testing.T) {
	req := &domain.ReviewRequest{UserRequest: "please write unit tests for `internal/cache/cache.go`"}
	got := Parse(req)
	if len(got.TestTargets) == 0 {
		t.Fatalf("expected an extracted target, got %+v", got)
	}
}

func TestExtractTargetsFallsBackToChangedFiles(t *testing.T) {
	req := &domain.ReviewRequest{
		UserRequest: "add unit tests",
		Files: []domain.FileInfo{
			{Path: "a.go"},
			{Path: "b.go", IsDeleted: true},
		},
	}
	got := Parse(req)
	want := []string{"a.go"}
	if !reflect.DeepEqual(got.TestTargets, want) {
		t.Fatalf("expected fallback to non-deleted changed files, got %v", got.TestTargets)
	}
}

func TestShouldGenerateTestsKeywordCheck(t *testing.T) {
	if ShouldGenerateTests("") {
		t.Fatal("empty request must not trigger tests")
	}
	if ShouldGenerateTests("looks good to me") {
		t.Fatal("unrelated approval text must not trigger tests")
	}
	if !ShouldGenerateTests("please generate test coverage for this") {
		t.Fatal("explicit keyword must trigger tests")
	}
}

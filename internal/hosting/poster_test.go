package hosting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"pr-review-automation/internal/config"
	"pr-review-automation/internal/domain"
)

func TestPostSendsTriggerReviewRequest(t *testing.T) {
	var received TriggerReviewRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trigger-review" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Bot.URL = srv.URL
	p := NewPoster(cfg, "")

	req := TriggerReviewRequest{Owner: "acme", Repo: "widgets", PullNumber: 7, Body: "looks good", Event: EventComment}
	if err := p.Post(context.Background(), req, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(received.Body, "acme/widgets#7") {
		t.Fatalf("expected correlation marker in posted body, got %q", received.Body)
	}
}

func TestPostDryRunWritesFileInsteadOfPosting(t *testing.T) {
	dir := t.TempDir()
	p := &Poster{BotURL: "http://unused.invalid", HTTPClient: http.DefaultClient, DryRunDir: dir}

	req := TriggerReviewRequest{Owner: "acme", Repo: "widgets", PullNumber: 9, Body: "dry run body"}
	if err := p.Post(context.Background(), req, true); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one dry-run file, got %d", len(entries))
	}
}

func TestEventForEscalatesOnHighSeverity(t *testing.T) {
	review := domain.FormattedReview{InlineComments: []domain.FormattedInlineComment{
		{Path: "a.go", Line: 1, Severity: domain.SeverityHigh},
	}}
	if EventFor(review) != EventRequestChanges {
		t.Fatal("expected high severity to request changes")
	}

	review = domain.FormattedReview{InlineComments: []domain.FormattedInlineComment{
		{Path: "a.go", Line: 1, Severity: domain.SeverityLow},
	}}
	if EventFor(review) != EventComment {
		t.Fatal("expected low severity to default to comment")
	}
}

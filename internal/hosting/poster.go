// Package hosting posts a formatted review back to the hosting platform's
// bot endpoint, or writes it to disk in test mode instead of posting.
package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"pr-review-automation/internal/client"
	"pr-review-automation/internal/config"
	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/metrics"
	"pr-review-automation/internal/queue"
)

// Event classifies the review decision posted alongside the comments.
type Event string

const (
	EventComment        Event = "COMMENT"
	EventApprove        Event = "APPROVE"
	EventRequestChanges  Event = "REQUEST_CHANGES"
)

// Comment is one inline comment in the outbound trigger-review payload.
type Comment struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Body      string `json:"body"`
	StartLine int    `json:"start_line,omitempty"`
	StartSide string `json:"start_side,omitempty"`
}

// TriggerReviewRequest is the body posted to {BOT_URL}/trigger-review.
type TriggerReviewRequest struct {
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	PullNumber     int       `json:"pull_number"`
	InstallationID int64     `json:"installation_id"`
	Body           string    `json:"body"`
	Comments       []Comment `json:"comments"`
	Event          Event     `json:"event"`
}

// Poster sends a FormattedReview to the hosting platform, or, in test mode,
// writes the payload to disk instead of posting it. Marker-prefixed summary
// bodies (config.MarkerAIReviewPrefix/Suffix) let the receiving side detect
// and update an already-posted review instead of duplicating it, matching
// the at-least-once job-queue delivery this runs behind.
type Poster struct {
	BotURL     string
	HTTPClient *http.Client
	DryRunDir  string // where dry-run payloads are written; defaults to os.TempDir()
}

// NewPoster builds a Poster from config, injecting an Authorization header
// via client.TokenRoundTripper when a token is supplied.
func NewPoster(cfg *config.Config, token string) *Poster {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if token != "" {
		httpClient.Transport = &client.TokenRoundTripper{Token: token}
	}
	return &Poster{BotURL: cfg.Bot.URL, HTTPClient: httpClient}
}

// Post sends the review. dryRun writes the payload to disk (test mode) and
// never reaches the network.
func (p *Poster) Post(ctx context.Context, req TriggerReviewRequest, dryRun bool) error {
	req.Body = markWithCorrelation(req.Body, correlationID(req))

	if dryRun {
		return p.writeDryRun(req)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := p.BotURL + "/trigger-review"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		metrics.CommentPostFailures.WithLabelValues("transport").Inc()
		return fmt.Errorf("post trigger-review: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		metrics.CommentPostFailures.WithLabelValues("http_status").Inc()
		return fmt.Errorf("trigger-review returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (p *Poster) writeDryRun(req TriggerReviewRequest) error {
	dir := p.DryRunDir
	if dir == "" {
		dir = os.TempDir()
	}
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("trigger-review-%s-%s-%d.json", req.Owner, req.Repo, req.PullNumber)
	return os.WriteFile(filepath.Join(dir, name), payload, 0o644)
}

func correlationID(req TriggerReviewRequest) string {
	return fmt.Sprintf("%s/%s#%d", req.Owner, req.Repo, req.PullNumber)
}

// markWithCorrelation embeds an HTML-comment marker carrying the
// correlation id, so a second delivery of the same at-least-once job can
// detect and replace the prior post instead of appending a duplicate.
func markWithCorrelation(body, correlation string) string {
	marker := config.MarkerAIReviewPrefix + correlation + config.MarkerAIReviewSuffix
	return marker + "\n" + body
}

// BuildComments flattens a FormattedReview's inline comments into the
// outbound wire shape.
func BuildComments(review domain.FormattedReview) []Comment {
	out := make([]Comment, 0, len(review.InlineComments))
	for _, c := range review.InlineComments {
		out = append(out, Comment{
			Path:      c.Path,
			Line:      c.Line,
			Body:      c.Body,
			StartLine: c.StartLine,
		})
	}
	return out
}

// postReviewPayload mirrors the fields the supervisor's posting stage puts
// on a post_review job. Round-tripping through JSON (the job payload is
// map[string]any, normalized by the queue backend) is simpler and safer
// than threading typed structs through queue.Job.Payload.
type postReviewPayload struct {
	SessionID       string                 `json:"session_id"`
	Owner           string                 `json:"owner"`
	Repo            string                 `json:"repo"`
	PRNumber        int                    `json:"pr_number"`
	FormattedReview domain.FormattedReview `json:"formatted_review"`
	InstallationID  int64                  `json:"installation_id"`
	DryRun          bool                   `json:"dry_run"`
}

// NewQueueHandler adapts Poster into a queue.Handler for the post_review
// job type: it decodes the job payload, builds the outbound trigger-review
// request, and posts it (or writes it to disk under dry-run).
func NewQueueHandler(poster *Poster) queue.Handler {
	return func(ctx context.Context, job *domain.Job) (map[string]any, error) {
		raw, err := json.Marshal(job.Payload)
		if err != nil {
			return nil, err
		}
		var payload postReviewPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}

		req := TriggerReviewRequest{
			Owner:          payload.Owner,
			Repo:           payload.Repo,
			PullNumber:     payload.PRNumber,
			InstallationID: payload.InstallationID,
			Body:           payload.FormattedReview.SummaryBody,
			Comments:       BuildComments(payload.FormattedReview),
			Event:          EventFor(payload.FormattedReview),
		}
		if err := poster.Post(ctx, req, payload.DryRun); err != nil {
			return nil, err
		}
		return map[string]any{"posted": true}, nil
	}
}

// EventFor derives the review decision from the issue severities present,
// defaulting to COMMENT: a critical/high finding requests changes, otherwise
// the bot simply comments.
func EventFor(review domain.FormattedReview) Event {
	for _, c := range review.InlineComments {
		if c.Severity == domain.SeverityCritical || c.Severity == domain.SeverityHigh {
			return EventRequestChanges
		}
	}
	return EventComment
}

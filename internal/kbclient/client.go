// Package kbclient talks to the knowledge-base service that stores past
// review decisions ("learnings") used to filter and downgrade new findings.
package kbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pr-review-automation/internal/aggregator"
	"pr-review-automation/internal/domain"
)

// Client is a thin REST wrapper around the knowledge-base service's
// learnings endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Learning is one record as returned by the search/pr-context endpoints.
type Learning struct {
	File       string  `json:"file"`
	Line       int     `json:"line"`
	Message    string  `json:"message"`
	Accepted   bool    `json:"accepted"`
	Similarity float64 `json:"similarity"`
	Confidence float64 `json:"confidence"`
}

func toAggregatorLearnings(in []Learning) []aggregator.Learning {
	out := make([]aggregator.Learning, 0, len(in))
	for _, l := range in {
		out = append(out, aggregator.Learning{
			File:       l.File,
			Line:       l.Line,
			Message:    l.Message,
			Accepted:   l.Accepted,
			Similarity: l.Similarity,
			Confidence: l.Confidence,
		})
	}
	return out
}

// RecordLearning persists a single review decision (POST /learnings).
func (c *Client) RecordLearning(ctx context.Context, l Learning) error {
	return c.postJSON(ctx, "/learnings", l, nil)
}

// RecordLearningsBatch persists several review decisions in one call
// (POST /learnings/batch).
func (c *Client) RecordLearningsBatch(ctx context.Context, learnings []Learning) error {
	return c.postJSON(ctx, "/learnings/batch", map[string]any{"learnings": learnings}, nil)
}

type searchResponse struct {
	Learnings []Learning `json:"learnings"`
}

// Search queries prior learnings relevant to a new finding
// (GET /learnings/search?q&owner&repo&k&min_confidence).
func (c *Client) Search(ctx context.Context, query, owner, repo string, k int, minConfidence float64) ([]Learning, error) {
	v := url.Values{}
	v.Set("q", query)
	v.Set("owner", owner)
	v.Set("repo", repo)
	v.Set("k", strconv.Itoa(k))
	v.Set("min_confidence", strconv.FormatFloat(minConfidence, 'f', -1, 64))

	var resp searchResponse
	if err := c.getJSON(ctx, "/learnings/search?"+v.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Learnings, nil
}

type prContextResponse struct {
	Context   string     `json:"context"`
	Learnings []Learning `json:"learnings"`
}

// FetchContext implements supervisor.KBClient: it asks the knowledge base
// for prior-decision context scoped to this PR (POST /learnings/pr-context)
// and adapts the wire Learning shape to the aggregator's.
func (c *Client) FetchContext(ctx context.Context, req *domain.ReviewRequest) (string, []aggregator.Learning, error) {
	body := map[string]any{
		"owner":     req.Owner,
		"repo":      req.Repo,
		"pr_number": req.PRNumber,
	}
	var resp prContextResponse
	if err := c.postJSON(ctx, "/learnings/pr-context", body, &resp); err != nil {
		return "", nil, err
	}
	return resp.Context, toAggregatorLearnings(resp.Learnings), nil
}

// TaskStatus mirrors the knowledge-base service's own async task shape,
// distinct from this bot's own /bot/task-status.
type TaskStatus struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// GetTask fetches a KB-side async task's status (GET /tasks/{task_id}).
func (c *Client) GetTask(ctx context.Context, taskID string) (TaskStatus, error) {
	var resp TaskStatus
	err := c.getJSON(ctx, "/tasks/"+url.PathEscape(taskID), &resp)
	return resp, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("knowledge base request failed: %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"

	"pr-review-automation/internal/domain"
)

// fakeLLMClient is a minimal llm.Client test double returning a scripted
// response or error.
type fakeLLMClient struct {
	response string
	err      error
}

func (f *fakeLLMClient) Chat(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return nil, errors.New("not implemented in test double")
}

func (f *fakeLLMClient) SimpleTextQuery(ctx context.Context, systemPrompt, userInput string) (string, error) {
	return f.response, f.err
}

func TestReviewWorkerDropsLowConfidenceIssues(t *testing.T) {
	client := &fakeLLMClient{response: `{"issues":[
		{"file":"a.go","line":1,"severity":"high","category":"bug","message":"likely bug","confidence":0.9},
		{"file":"a.go","line":2,"severity":"low","category":"style","message":"maybe nit","confidence":0.1}
	]}`}
	w := NewReviewWorker(client, "system")

	out, err := w.Run(context.Background(), nil, domain.ParserOutput{}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Issues) != 1 {
		t.Fatalf("expected 1 issue above the confidence threshold, got %d", len(out.Issues))
	}
	if out.Issues[0].Source != domain.SourceReview {
		t.Fatalf("expected source=review, got %s", out.Issues[0].Source)
	}
}

func TestReviewWorkerPropagatesLLMError(t *testing.T) {
	client := &fakeLLMClient{err: errors.New("upstream down")}
	w := NewReviewWorker(client, "system")

	if _, err := w.Run(context.Background(), nil, domain.ParserOutput{}, "", nil); err == nil {
		t.Fatal("expected an error when the LLM call fails")
	}
}

func TestReviewWorkerHandlesMarkdownFencedJSON(t *testing.T) {
	client := &fakeLLMClient{response: "```json\n{\"issues\":[{\"file\":\"a.go\",\"line\":5,\"severity\":\"critical\",\"category\":\"security\",\"message\":\"sqli\",\"confidence\":0.95}]}\n```"}
	w := NewReviewWorker(client, "system")

	out, err := w.Run(context.Background(), nil, domain.ParserOutput{}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Issues) != 1 || out.Issues[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected 1 critical issue parsed from fenced JSON, got %+v", out.Issues)
	}
}

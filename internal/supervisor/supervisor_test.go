package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"

	"pr-review-automation/internal/checkpoint"
	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/queue"
	"pr-review-automation/internal/sandbox"
	"pr-review-automation/internal/worker"
)

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

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	mgr := sandbox.NewManager(sandbox.NewFakeProvider(), sandbox.DefaultConfig(), nil)
	llmClient := &fakeLLMClient{response: `{"issues":[
		{"file":"a.go","line":3,"severity":"high","category":"bug","message":"needs a nil check","confidence":0.9}
	]}`}

	return &Supervisor{
		Checkpoints: checkpoint.NewMemoryStore(),
		Sandbox:     mgr,
		Queue:       queue.NewMemoryQueue(),
		Parser:      worker.NewParserWorker(),
		Review:      worker.NewReviewWorker(llmClient, "system"),
		TestGen:     worker.NewTestGenWorker(llmClient, "system", mgr),
		Formatter:   worker.NewCommentFormatterWorker(llmClient, "system"),
	}
}

func testRequest(sessionID string) *domain.ReviewRequest {
	return &domain.ReviewRequest{
		SessionID:  sessionID,
		Owner:      "acme",
		Repo:       "widgets",
		PRNumber:   42,
		Branch:     "feature",
		BaseBranch: "main",
		Files: []domain.FileInfo{
			{
				Path:      "a.go",
				IsNew:     false,
				IsModified: true,
				Content:   "package a\n\nfunc f() {\n\tvar x *int\n\t_ = *x\n}\n",
				Diff:      "@@ -1,3 +1,5 @@\n package a\n+\n func f() {\n+\tvar x *int\n+\t_ = *x\n }\n",
			},
		},
		UserRequest: "please review this",
	}
}

func TestProcessRunsAllStagesAndEnqueuesPosting(t *testing.T) {
	s := newTestSupervisor(t)
	req := testRequest("session-1")

	cp, err := s.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	for _, step := range domain.OrderedSteps {
		if step == domain.StepTests {
			continue // tests weren't requested for this request
		}
		if !cp.IsStepComplete(step) {
			t.Fatalf("expected step %s to be complete, completed=%v", step, cp.CompletedSteps)
		}
	}

	stats, err := s.Queue.GetQueueStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending+stats.Retrying+stats.Processing == 0 {
		t.Fatalf("expected a post_review job to be enqueued, stats=%+v", stats)
	}
}

func TestProcessSkipsTestsWhenNotRequested(t *testing.T) {
	s := newTestSupervisor(t)
	req := testRequest("session-2")

	cp, err := s.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if cp.IsStepComplete(domain.StepTests) {
		t.Fatal("expected StepTests to be skipped, not completed, for a review-only request")
	}
}

func TestProcessGeneratesTestsWhenRequested(t *testing.T) {
	s := newTestSupervisor(t)
	req := testRequest("session-3")
	req.UserRequest = "please write unit tests for this"

	cp, err := s.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !cp.IsStepComplete(domain.StepTests) {
		t.Fatal("expected StepTests to complete for an explicit test request")
	}
}

func TestProcessResumesFromExistingCheckpoint(t *testing.T) {
	s := newTestSupervisor(t)
	req := testRequest("session-4")

	ctx := context.Background()
	if _, err := s.Checkpoints.CreateCheckpoint(ctx, req.SessionID, queue.DefaultMaxRetries); err != nil {
		t.Fatal(err)
	}
	if err := s.Checkpoints.MarkStepComplete(ctx, req.SessionID, domain.StepIntentParsing); err != nil {
		t.Fatal(err)
	}

	cp, err := s.Process(ctx, req)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !cp.IsStepComplete(domain.StepPosting) {
		t.Fatal("expected a resumed run to still reach posting")
	}
}

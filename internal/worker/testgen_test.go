package worker

import (
	"context"
	"testing"

	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/sandbox"
)

func TestTestGenWorkerSkipsWhenIntentDoesNotWantTests(t *testing.T) {
	w := NewTestGenWorker(&fakeLLMClient{}, "system", nil)
	out, err := w.Run(context.Background(), "session", &domain.ReviewRequest{}, domain.UserIntent{ShouldGenerateTests: false})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Files) != 0 {
		t.Fatalf("expected no generated files when intent doesn't request tests, got %+v", out.Files)
	}
}

func TestTestGenWorkerGeneratesFilesWhenRequested(t *testing.T) {
	client := &fakeLLMClient{response: `{"files":[{"target_path":"a_test.go","content":"package a"}]}`}
	mgr := sandbox.NewManager(sandbox.NewFakeProvider(), sandbox.DefaultConfig(), nil)
	session, err := mgr.CreateSandbox(context.Background(), "session-1")
	if err != nil {
		t.Fatal(err)
	}

	w := NewTestGenWorker(client, "system", mgr)
	out, err := w.Run(context.Background(), session.SessionID, &domain.ReviewRequest{}, domain.UserIntent{ShouldGenerateTests: true, TestTargets: []string{"a.go"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Files) != 1 || out.Files[0].TargetPath != "a_test.go" {
		t.Fatalf("expected one generated test file, got %+v", out.Files)
	}
}

func TestTestGenWorkerDetectsGoFramework(t *testing.T) {
	mgr := sandbox.NewManager(sandbox.NewFakeProvider(), sandbox.DefaultConfig(), nil)
	session, err := mgr.CreateSandbox(context.Background(), "session-2")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.WriteFile(context.Background(), session.SessionID, "go.mod", []byte("module x")); err != nil {
		t.Fatal(err)
	}

	w := NewTestGenWorker(&fakeLLMClient{}, "system", mgr)
	if got := w.detectFramework(context.Background(), session.SessionID); got != "go test" {
		t.Fatalf("expected go test framework detection, got %q", got)
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"pr-review-automation/internal/checkpoint"
	"pr-review-automation/internal/queue"
	"pr-review-automation/internal/sandbox"
	"pr-review-automation/internal/supervisor"
	"pr-review-automation/internal/worker"
)

type fakeLLMClient struct{ response string }

func (f *fakeLLMClient) Chat(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLLMClient) SimpleTextQuery(ctx context.Context, systemPrompt, userInput string) (string, error) {
	return f.response, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	mgr := sandbox.NewManager(sandbox.NewFakeProvider(), sandbox.DefaultConfig(), nil)
	llmClient := &fakeLLMClient{response: `{"issues":[]}`}

	sup := &supervisor.Supervisor{
		Checkpoints: checkpoint.NewMemoryStore(),
		Sandbox:     mgr,
		Queue:       queue.NewMemoryQueue(),
		Parser:      worker.NewParserWorker(),
		Review:      worker.NewReviewWorker(llmClient, "system"),
		TestGen:     worker.NewTestGenWorker(llmClient, "system", mgr),
		Formatter:   worker.NewCommentFormatterWorker(llmClient, "system"),
	}
	return NewHandler(sup, 4)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/bot/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReviewEndpointRejectsMissingFields(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/bot/review", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing required fields, got %d", rec.Code)
	}
}

func TestReviewEndpointQueuesAndCompletesTask(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	body := `{"owner":"acme","repo":"widgets","pr_number":1,"branch":"feature","base_branch":"main"}`
	req := httptest.NewRequest(http.MethodPost, "/bot/review", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	taskID, _ := resp["task_id"].(string)
	if taskID == "" {
		t.Fatal("expected a task_id in the response")
	}

	h.WaitForCompletion()

	statusReq := httptest.NewRequest(http.MethodGet, "/bot/task-status/"+taskID, nil)
	statusRec := httptest.NewRecorder()
	mux.ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for task status, got %d", statusRec.Code)
	}

	var status map[string]any
	if err := json.Unmarshal(statusRec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status["status"] != string(TaskCompleted) {
		t.Fatalf("expected task to complete, got %+v", status)
	}
}

func TestTaskStatusUnknownIDReturns404(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/bot/task-status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteTaskRemovesIt(t *testing.T) {
	h := newTestHandler(t)
	task := h.Tasks.Create("acme", "widgets")

	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodDelete, "/bot/task/"+task.TaskID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if _, ok := h.Tasks.Get(task.TaskID); ok {
		t.Fatal("expected task to be deleted")
	}
}

func TestReviewEndpointCoalescesBurstsForSamePR(t *testing.T) {
	h := newTestHandler(t).WithDebounce(50 * time.Millisecond)
	mux := http.NewServeMux()
	h.Register(mux)

	body := `{"owner":"acme","repo":"widgets","pr_number":9,"branch":"feature","base_branch":"main"}`
	var taskIDs []string
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/bot/review", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
		var resp map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		taskIDs = append(taskIDs, resp["task_id"].(string))
	}

	time.Sleep(80 * time.Millisecond)
	h.WaitForCompletion()

	for i, id := range taskIDs {
		task, ok := h.Tasks.Get(id)
		if !ok {
			t.Fatalf("task %s not found", id)
		}
		if i < len(taskIDs)-1 {
			if task.Status != TaskSuperseded {
				t.Fatalf("expected earlier burst task %d to be superseded, got %s", i, task.Status)
			}
		} else if task.Status != TaskCompleted {
			t.Fatalf("expected the final burst task to complete, got %s", task.Status)
		}
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	store := NewTaskStore()
	a := store.Create("acme", "widgets")
	b := store.Create("acme", "gadgets")
	store.Complete(a.TaskID, nil)

	completed := store.List(TaskCompleted, 0)
	if len(completed) != 1 || completed[0].TaskID != a.TaskID {
		t.Fatalf("expected only the completed task, got %+v", completed)
	}

	all := store.List("", 0)
	if len(all) != 2 {
		t.Fatalf("expected both tasks, got %d", len(all))
	}
	if _, ok := store.Get(b.TaskID); !ok {
		t.Fatal("expected the pending task to still be retrievable")
	}
}

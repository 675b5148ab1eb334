package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/metrics"
	"pr-review-automation/internal/supervisor"
	syncutil "pr-review-automation/internal/sync"
)

// Handler serves the /bot/* surface, dispatching each accepted request to
// the supervisor on a background goroutine bounded by a semaphore, an
// accept-then-process-async shape.
type Handler struct {
	Supervisor       *supervisor.Supervisor
	Tasks            *TaskStore
	ConcurrencyLimit int64

	// DebounceWindow, when nonzero, coalesces review requests that share a
	// reviewKey arriving within the window into a single supervisor run
	// using the latest payload, instead of one run per request (e.g. a
	// burst of pushes to the same PR).
	DebounceWindow time.Duration

	sem          chan struct{}
	wg           sync.WaitGroup
	debounce     *syncutil.Debouncer
	keys         *syncutil.KeyLock
	pendingMu    sync.Mutex
	pendingByKey map[string]pendingRun // reviewKey -> the currently-scheduled debounced run
}

// pendingRun tracks a debounced run's task id and the concurrency slot it
// already holds, so superseding it (a newer request for the same PR arrives)
// releases that slot immediately instead of holding it for nothing until the
// debounce window lapses.
type pendingRun struct {
	taskID  string
	release func()
}

func NewHandler(sup *supervisor.Supervisor, concurrencyLimit int64) *Handler {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 10
	}
	return &Handler{
		Supervisor:       sup,
		Tasks:            NewTaskStore(),
		ConcurrencyLimit: concurrencyLimit,
		sem:              make(chan struct{}, concurrencyLimit),
		keys:             syncutil.NewKeyLock(),
		pendingByKey:     make(map[string]pendingRun),
	}
}

// WithDebounce enables request coalescing for reviews sharing a reviewKey
// (owner/repo#pr_number) arriving within window of each other.
func (h *Handler) WithDebounce(window time.Duration) *Handler {
	h.DebounceWindow = window
	if window > 0 {
		h.debounce = syncutil.NewDebouncer(window)
	}
	return h
}

// WaitForCompletion blocks until all in-flight background tasks finish.
func (h *Handler) WaitForCompletion() { h.wg.Wait() }

// Register wires every /bot/* route, plus /bot/health, onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /bot/health", h.handleHealth)
	mux.HandleFunc("POST /bot/review", h.handleReview)
	mux.HandleFunc("POST /bot/create-unit-tests", h.handleCreateUnitTests)
	mux.HandleFunc("POST /bot/generate-pr-tests", h.handleGeneratePRTests)
	mux.HandleFunc("GET /bot/task-status/{task_id}", h.handleTaskStatus)
	mux.HandleFunc("GET /bot/tasks", h.handleListTasks)
	mux.HandleFunc("DELETE /bot/task/{task_id}", h.handleDeleteTask)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "pr-review-automation"})
}

type changedFile struct {
	Path    string `json:"path"`
	Diff    string `json:"diff"`
	Content string `json:"content"`
}

type reviewRequestBody struct {
	Owner          string        `json:"owner"`
	Repo           string        `json:"repo"`
	PRNumber       int           `json:"pr_number"`
	Branch         string        `json:"branch"`
	BaseBranch     string        `json:"base_branch"`
	HeadOwner      string        `json:"head_owner"`
	HeadRepo       string        `json:"head_repo"`
	ChangedFiles   []changedFile `json:"changed_files"`
	InstallationID int64         `json:"installation_id"`
	TestMode       bool          `json:"test_mode"`
	DryRun         bool          `json:"dry_run"`
	UserRequest    string        `json:"user_request"`
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	var body reviewRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Owner == "" || body.Repo == "" || body.PRNumber == 0 {
		writeError(w, http.StatusBadRequest, "owner, repo, and pr_number are required")
		return
	}

	release, ok := h.tryAcquire()
	if !ok {
		http.Error(w, "Server busy, please retry later", http.StatusTooManyRequests)
		return
	}

	task := h.Tasks.Create(body.Owner, body.Repo)

	req := &domain.ReviewRequest{
		SessionID:   uuid.NewString(),
		Owner:       body.Owner,
		Repo:        body.Repo,
		PRNumber:    body.PRNumber,
		Branch:      body.Branch,
		BaseBranch:  body.BaseBranch,
		HeadOwner:   body.HeadOwner,
		HeadRepo:    body.HeadRepo,
		UserRequest: body.UserRequest,
		Files:       toFileInfos(body.ChangedFiles),
	}

	h.submit(reviewKey(req), task.TaskID, req, release)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": task.TaskID,
		"status":  task.Status,
		"message": "review queued",
	})
}

// tryAcquire attempts to claim a concurrency slot without blocking: an
// accept-or-reject-immediately idiom instead of queuing callers behind a
// full semaphore.
func (h *Handler) tryAcquire() (release func(), ok bool) {
	select {
	case h.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-h.sem }) }, true
	default:
		return nil, false
	}
}

// reviewKey identifies the PR a review request targets, used to coalesce
// bursts of requests (DebounceWindow) and to serialize concurrent runs
// against the same PR (KeyLock in runAsync).
func reviewKey(req *domain.ReviewRequest) string {
	return fmt.Sprintf("%s/%s#%d", req.Owner, req.Repo, req.PRNumber)
}

// submit dispatches req for processing, either immediately or, when request
// coalescing is enabled, after DebounceWindow has passed with no newer
// request for the same key. release must be the slot tryAcquire already
// claimed for this request; submit (or a later supersession) always
// eventually calls it exactly once.
func (h *Handler) submit(key, taskID string, req *domain.ReviewRequest, release func()) {
	if h.debounce == nil {
		h.runAsync(taskID, req, release)
		return
	}

	h.pendingMu.Lock()
	if prev, ok := h.pendingByKey[key]; ok {
		h.Tasks.Supersede(prev.taskID)
		prev.release()
	}
	h.pendingByKey[key] = pendingRun{taskID: taskID, release: release}
	h.pendingMu.Unlock()

	h.debounce.Add(key, func() {
		h.pendingMu.Lock()
		if h.pendingByKey[key].taskID == taskID {
			delete(h.pendingByKey, key)
		}
		h.pendingMu.Unlock()
		h.runAsync(taskID, req, release)
	})
}

type createUnitTestsBody struct {
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
	IssueNumber    int    `json:"issue_number"`
	Branch         string `json:"branch"`
	InstallationID int64  `json:"installation_id"`
}

func (h *Handler) handleCreateUnitTests(w http.ResponseWriter, r *http.Request) {
	var body createUnitTestsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Owner == "" || body.Repo == "" {
		writeError(w, http.StatusBadRequest, "owner and repo are required")
		return
	}

	release, ok := h.tryAcquire()
	if !ok {
		http.Error(w, "Server busy, please retry later", http.StatusTooManyRequests)
		return
	}

	task := h.Tasks.Create(body.Owner, body.Repo)
	testBranch := "ai-tests/" + strconv.Itoa(body.IssueNumber)

	req := &domain.ReviewRequest{
		SessionID:   uuid.NewString(),
		Owner:       body.Owner,
		Repo:        body.Repo,
		Branch:      body.Branch,
		UserRequest: "generate unit tests for this issue",
	}
	h.runAsync(task.TaskID, req, release)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":     task.TaskID,
		"status":      task.Status,
		"message":     "test generation queued",
		"test_branch": testBranch,
	})
}

type generatePRTestsBody struct {
	Owner             string        `json:"owner"`
	Repo              string        `json:"repo"`
	PRNumber          int           `json:"pr_number"`
	Branch            string        `json:"branch"`
	BaseBranch        string        `json:"base_branch"`
	TargetFiles       []string      `json:"target_files"`
	ChangedFiles      []changedFile `json:"changed_files"`
	ExistingTestFiles []string      `json:"existing_test_files"`
	TestFramework     string        `json:"test_framework"`
	InstallationID    int64         `json:"installation_id"`
	RequestedBy       string        `json:"requested_by"`
}

func (h *Handler) handleGeneratePRTests(w http.ResponseWriter, r *http.Request) {
	var body generatePRTestsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Owner == "" || body.Repo == "" || body.PRNumber == 0 {
		writeError(w, http.StatusBadRequest, "owner, repo, and pr_number are required")
		return
	}

	release, ok := h.tryAcquire()
	if !ok {
		http.Error(w, "Server busy, please retry later", http.StatusTooManyRequests)
		return
	}

	task := h.Tasks.Create(body.Owner, body.Repo)
	req := &domain.ReviewRequest{
		SessionID:   uuid.NewString(),
		Owner:       body.Owner,
		Repo:        body.Repo,
		PRNumber:    body.PRNumber,
		Branch:      body.Branch,
		BaseBranch:  body.BaseBranch,
		Files:       toFileInfos(body.ChangedFiles),
		UserRequest: "generate tests for: " + joinTargets(body.TargetFiles),
	}
	h.runAsync(task.TaskID, req, release)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": task.TaskID,
		"status":  task.Status,
		"message": "pr test generation queued",
	})
}

func (h *Handler) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	task, ok := h.Tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskStatusView(task))
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := TaskStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tasks := h.Tasks.List(status, limit)
	views := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskStatusView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(views), "tasks": views})
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if !h.Tasks.Delete(taskID) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "task deleted"})
}

// runAsync processes req on a background goroutine. The caller already holds
// the concurrency slot (via tryAcquire); runAsync releases it when the run
// finishes.
func (h *Handler) runAsync(taskID string, req *domain.ReviewRequest, release func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer release()

		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic recovered in task processing", "task_id", taskID, "panic", r, "stack", string(debug.Stack()))
				h.Tasks.Fail(taskID, errPanic)
			}
		}()

		h.Tasks.SetRunning(taskID)
		metrics.PullRequestTotal.WithLabelValues("started").Inc()

		// Serialize concurrent runs against the same PR: a second request
		// for a PR already being reviewed waits for the first to finish
		// rather than running alongside it.
		if req.PRNumber != 0 {
			key := reviewKey(req)
			h.keys.Lock(key)
			defer h.keys.Unlock(key)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		cp, err := h.Supervisor.Process(ctx, req)
		if err != nil {
			metrics.PullRequestTotal.WithLabelValues("failed").Inc()
			h.Tasks.Fail(taskID, err)
			return
		}
		metrics.PullRequestTotal.WithLabelValues("success").Inc()
		h.Tasks.Complete(taskID, cp)
	}()
}

func toFileInfos(files []changedFile) []domain.FileInfo {
	out := make([]domain.FileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, domain.FileInfo{Path: f.Path, Diff: f.Diff, Content: f.Content, IsModified: true})
	}
	return out
}

func joinTargets(targets []string) string {
	out := ""
	for i, t := range targets {
		if i > 0 {
			out += ", "
		}
		out += t
	}
	return out
}

func taskStatusView(t Task) map[string]any {
	view := map[string]any{
		"task_id":    t.TaskID,
		"status":     t.Status,
		"owner":      t.Owner,
		"repo":       t.Repo,
		"created_at": t.CreatedAt,
	}
	if t.CompletedAt != nil {
		view["completed_at"] = *t.CompletedAt
	}
	if t.Result != nil {
		view["result"] = t.Result
	}
	if t.Error != "" {
		view["error"] = t.Error
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var errPanic = panicError{}

type panicError struct{}

func (panicError) Error() string { return "internal panic during task processing" }

// Package httpapi implements the supervisor-facing /bot/* HTTP surface:
// submitting review/test-generation tasks and polling their status.
package httpapi

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pr-review-automation/internal/domain"
)

// TaskStatus mirrors the bot's own task lifecycle, distinct from any
// collaborator's task concept.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSuperseded TaskStatus = "superseded"
)

// Task is one asynchronously-processed review/test-generation request.
type Task struct {
	TaskID      string
	Status      TaskStatus
	Owner       string
	Repo        string
	CreatedAt   time.Time
	CompletedAt *time.Time
	Result      *domain.Checkpoint
	Error       string
}

// TaskStore is an in-process registry of tasks, keyed by task id. It backs
// the /bot/task-status, /bot/tasks, and /bot/task endpoints; nothing here
// is durable across a process restart, since a restarted review resumes
// via its own checkpoint, not via this registry.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*Task)}
}

// Create allocates a new pending task and returns it.
func (s *TaskStore) Create(owner, repo string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Task{
		TaskID:    uuid.NewString(),
		Status:    TaskPending,
		Owner:     owner,
		Repo:      repo,
		CreatedAt: time.Now(),
	}
	s.tasks[t.TaskID] = t
	return t
}

func (s *TaskStore) SetRunning(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.Status = TaskRunning
	}
}

func (s *TaskStore) Complete(taskID string, result *domain.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		now := time.Now()
		t.Status = TaskCompleted
		t.Result = result
		t.CompletedAt = &now
	}
}

// Supersede marks a task that was coalesced away by a later debounced
// request for the same PR, rather than leaving its id pending forever.
func (s *TaskStore) Supersede(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok && t.Status == TaskPending {
		now := time.Now()
		t.Status = TaskSuperseded
		t.CompletedAt = &now
	}
}

func (s *TaskStore) Fail(taskID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		now := time.Now()
		t.Status = TaskFailed
		t.Error = err.Error()
		t.CompletedAt = &now
	}
}

// Get returns a copy of the task, or false if unknown.
func (s *TaskStore) Get(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns tasks optionally filtered by status, newest first, capped
// at limit (0 means unlimited).
func (s *TaskStore) List(status TaskStatus, limit int) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Delete removes a task, reporting whether it existed.
func (s *TaskStore) Delete(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return false
	}
	delete(s.tasks, taskID)
	return true
}

// Package checkpoint persists the supervisor's per-session workflow state so
// a restarted process can resume a partially completed review instead of
// starting over, using the same WAL-mode modernc.org/sqlite plumbing as the
// rest of this module's persistence layer.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pr-review-automation/internal/domain"
)

// Store is the contract the supervisor uses to make each workflow stage
// durable. Implementations must make MarkStepComplete idempotent: marking an
// already-complete step a second time is a no-op, not an error.
type Store interface {
	CreateCheckpoint(ctx context.Context, sessionID string, maxRetries int) (*domain.Checkpoint, error)
	Load(ctx context.Context, sessionID string) (*domain.Checkpoint, error)
	MarkStepComplete(ctx context.Context, sessionID string, step domain.WorkflowStep) error
	IsStepComplete(ctx context.Context, sessionID string, step domain.WorkflowStep) (bool, error)
	SnapshotStep(ctx context.Context, sessionID string, step domain.WorkflowStep, snapshot []byte) error
	RecordFailure(ctx context.Context, sessionID string, errMsg string) error
	Close() error
}

// MemoryStore is an in-process Store for tests and for running without a
// durable backend.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string]*domain.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*domain.Checkpoint)}
}

func (m *MemoryStore) CreateCheckpoint(ctx context.Context, sessionID string, maxRetries int) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	c := &domain.Checkpoint{
		CheckpointID: uuid.NewString(),
		SessionID:    sessionID,
		CreatedAt:    now,
		UpdatedAt:    now,
		CurrentStep:  domain.StepIntentParsing,
		Snapshots:    make(map[domain.WorkflowStep][]byte),
		MaxRetries:   maxRetries,
	}
	m.checkpoints[sessionID] = c
	return cloneCheckpoint(c), nil
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkpoints[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCheckpoint(c), nil
}

func (m *MemoryStore) MarkStepComplete(ctx context.Context, sessionID string, step domain.WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkpoints[sessionID]
	if !ok {
		return ErrNotFound
	}
	if c.IsStepComplete(step) {
		return nil
	}
	c.CompletedSteps = append(c.CompletedSteps, step)
	c.CurrentStep = step
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) IsStepComplete(ctx context.Context, sessionID string, step domain.WorkflowStep) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkpoints[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	return c.IsStepComplete(step), nil
}

func (m *MemoryStore) SnapshotStep(ctx context.Context, sessionID string, step domain.WorkflowStep, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkpoints[sessionID]
	if !ok {
		return ErrNotFound
	}
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	c.Snapshots[step] = cp
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordFailure(ctx context.Context, sessionID string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkpoints[sessionID]
	if !ok {
		return ErrNotFound
	}
	c.LastError = errMsg
	c.RetryCount++
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneCheckpoint(c *domain.Checkpoint) *domain.Checkpoint {
	out := *c
	out.CompletedSteps = append([]domain.WorkflowStep(nil), c.CompletedSteps...)
	out.Snapshots = make(map[domain.WorkflowStep][]byte, len(c.Snapshots))
	for k, v := range c.Snapshots {
		cp := make([]byte, len(v))
		copy(cp, v)
		out.Snapshots[k] = cp
	}
	return &out
}

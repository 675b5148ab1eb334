// Package queue implements the durable job queue (priority dispatch,
// exponential-backoff retry, dead-letter capture) behind one interface with
// two interchangeable backends: Redis-durable and in-memory. Both expose
// byte-identical observable semantics so the same property suite can run
// against either.
package queue

import (
	"context"
	"errors"
	"time"

	"pr-review-automation/internal/domain"
)

// ErrNotFound is returned when an operation references an unknown job id.
var ErrNotFound = errors.New("queue: job not found")

// Handler processes one job and returns its result payload, or an error.
// Handler errors are always captured by the queue; they never propagate to
// the worker loop.
type Handler func(ctx context.Context, job *domain.Job) (map[string]any, error)

// Stats is the point-in-time view returned by GetQueueStats.
type Stats struct {
	Pending   int
	Retrying  int
	Processing int
	Dead      int
}

// Queue is the contract both backends implement.
type Queue interface {
	// Submit persists a new job and inserts it into the ready queue ordered
	// by priority ascending (HIGH=1 runs before NORMAL=5 before LOW=10).
	// A negative maxRetries defaults to DefaultMaxRetries; 0 is a deliberate
	// "no retries" and is honored as-is, so the first handler failure sends
	// the job straight to dead-letter.
	Submit(ctx context.Context, jobType string, payload map[string]any, priority domain.JobPriority, sessionID, correlationID string, maxRetries int) (string, error)

	// RegisterHandler associates a handler with a job type. RunWorker
	// dispatches popped jobs to the handler registered for their JobType.
	RegisterHandler(jobType string, handler Handler)

	// PopNextJob atomically returns the highest-priority job ready now,
	// checking the retry queue (NextRetryAt <= now) before the main ready
	// queue, and moves it to in-flight. Returns (nil, nil) when nothing is ready.
	PopNextJob(ctx context.Context) (*domain.Job, error)

	// CompleteJob transitions job to completed, stores result, and removes
	// it from in-flight.
	CompleteJob(ctx context.Context, job *domain.Job, result map[string]any) error

	// FailJob appends handlerErr to the job's error history and either
	// schedules a retry (status=retrying, NextRetryAt = now + delay*mult^count)
	// or, once MaxRetries is exhausted, moves the job to dead-letter.
	FailJob(ctx context.Context, job *domain.Job, handlerErr error) error

	// RunWorker loops: pop, dispatch to the registered handler,
	// complete/fail based on the handler's outcome, sleeping pollInterval
	// between empty pops. Returns when ctx is cancelled.
	RunWorker(ctx context.Context, pollInterval time.Duration) error

	// RetryDeadJob resets a dead-lettered job (RetryCount=0, clears error)
	// and re-enqueues it on the ready queue.
	RetryDeadJob(ctx context.Context, jobID string) error

	// GetQueueStats reports the size of each queue partition.
	GetQueueStats(ctx context.Context) (Stats, error)

	// SweepInFlight requeues in-flight jobs whose StartedAt exceeds
	// livenessTimeout back to pending, returning the count requeued. This
	// is how a job survives an uncontrolled worker crash: nothing marks it
	// done, so it eventually ages out of in-flight and gets retried.
	SweepInFlight(ctx context.Context, livenessTimeout time.Duration) (int, error)

	// HealthCheck reports whether the backend is reachable. Used at startup
	// to decide whether the Redis backend should fall back to in-memory.
	HealthCheck(ctx context.Context) error
}

// DefaultRetryDelaySeconds and DefaultBackoffMultiplier set the baseline
// exponential backoff: delay, delay*multiplier, delay*multiplier^2, ...
const (
	DefaultRetryDelaySeconds = 5.0
	DefaultBackoffMultiplier = 2.0
	DefaultMaxRetries        = 3
)

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/types"
)

// MemoryQueue is an in-process Queue backed by plain maps and a mutex. It is
// used in tests and as the fallback backend when Redis is unavailable or
// USE_REDIS is unset.
type MemoryQueue struct {
	mu sync.Mutex

	jobs       map[string]*domain.Job
	ready      []string // job ids waiting to run, priority order maintained on insert
	retrying   map[string]time.Time
	processing map[string]time.Time // job id -> StartedAt
	dead       map[string]bool

	handlers map[string]Handler
}

// NewMemoryQueue constructs an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:       make(map[string]*domain.Job),
		retrying:   make(map[string]time.Time),
		processing: make(map[string]time.Time),
		dead:       make(map[string]bool),
		handlers:   make(map[string]Handler),
	}
}

func (q *MemoryQueue) Submit(ctx context.Context, jobType string, payload map[string]any, priority domain.JobPriority, sessionID, correlationID string, maxRetries int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A negative maxRetries means the caller left it unset; default it. A
	// caller-supplied 0 is a deliberate "no retries" and passes through, so
	// the first handler failure sends the job straight to dead.
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	job := &domain.Job{
		JobID:             uuid.NewString(),
		JobType:           jobType,
		Payload:           payload,
		Priority:          priority,
		Status:            domain.JobPending,
		MaxRetries:        maxRetries,
		RetryDelaySeconds: DefaultRetryDelaySeconds,
		BackoffMultiplier: DefaultBackoffMultiplier,
		CreatedAt:         time.Now(),
		SessionID:         sessionID,
		CorrelationID:     correlationID,
	}
	q.jobs[job.JobID] = job
	q.insertReadyLocked(job.JobID)
	return job.JobID, nil
}

// insertReadyLocked inserts id into q.ready keeping ascending priority order
// (ties broken by arrival order, i.e. stable insert at the back of equal
// priority jobs). Caller must hold q.mu.
func (q *MemoryQueue) insertReadyLocked(id string) {
	p := q.jobs[id].Priority
	idx := sort.Search(len(q.ready), func(i int) bool {
		return q.jobs[q.ready[i]].Priority > p
	})
	q.ready = append(q.ready, "")
	copy(q.ready[idx+1:], q.ready[idx:])
	q.ready[idx] = id
}

func (q *MemoryQueue) RegisterHandler(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

func (q *MemoryQueue) PopNextJob(ctx context.Context) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for id, at := range q.retrying {
		if !now.Before(at) {
			delete(q.retrying, id)
			q.insertReadyLocked(id)
		}
	}

	if len(q.ready) == 0 {
		return nil, nil
	}

	id := q.ready[0]
	q.ready = q.ready[1:]

	job := q.jobs[id]
	job.Status = domain.JobRunning
	started := time.Now()
	job.StartedAt = &started
	q.processing[id] = started

	clone := *job
	return &clone, nil
}

func (q *MemoryQueue) CompleteJob(ctx context.Context, job *domain.Job, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.JobID]
	if !ok {
		return ErrNotFound
	}
	stored.Status = domain.JobCompleted
	stored.Result = result
	completed := time.Now()
	stored.CompletedAt = &completed
	delete(q.processing, job.JobID)
	return nil
}

func (q *MemoryQueue) FailJob(ctx context.Context, job *domain.Job, handlerErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.JobID]
	if !ok {
		return ErrNotFound
	}
	delete(q.processing, job.JobID)

	stored.ErrorHistory = append(stored.ErrorHistory, handlerErr.Error())
	stored.Error = handlerErr.Error()

	if stored.CanRetry() {
		next := time.Now().Add(stored.NextDelay())
		stored.RetryCount++
		stored.Status = domain.JobRetrying
		stored.NextRetryAt = &next
		q.retrying[stored.JobID] = next
		return nil
	}

	stored.Status = domain.JobDead
	q.dead[stored.JobID] = true
	return nil
}

func (q *MemoryQueue) RunWorker(ctx context.Context, pollInterval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := q.PopNextJob(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		q.mu.Lock()
		handler, ok := q.handlers[job.JobType]
		q.mu.Unlock()
		if !ok {
			_ = q.FailJob(ctx, job, types.NewJobHandlerError(job.JobType, ErrNotFound))
			continue
		}

		result, herr := func() (res map[string]any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panicked: %v", r)
				}
			}()
			return handler(ctx, job)
		}()
		if herr != nil {
			_ = q.FailJob(ctx, job, types.NewJobHandlerError(job.JobType, herr))
			continue
		}
		_ = q.CompleteJob(ctx, job, result)
	}
}

func (q *MemoryQueue) RetryDeadJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || !q.dead[jobID] {
		return ErrNotFound
	}
	delete(q.dead, jobID)
	job.RetryCount = 0
	job.Error = ""
	job.ErrorHistory = nil
	job.Status = domain.JobPending
	job.NextRetryAt = nil
	q.insertReadyLocked(jobID)
	return nil
}

func (q *MemoryQueue) GetQueueStats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    len(q.ready),
		Retrying:   len(q.retrying),
		Processing: len(q.processing),
		Dead:       len(q.dead),
	}, nil
}

func (q *MemoryQueue) SweepInFlight(ctx context.Context, livenessTimeout time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	requeued := 0
	for id, startedAt := range q.processing {
		if now.Sub(startedAt) <= livenessTimeout {
			continue
		}
		delete(q.processing, id)
		job := q.jobs[id]
		job.Status = domain.JobPending
		job.StartedAt = nil
		q.insertReadyLocked(id)
		requeued++
	}
	return requeued, nil
}

func (q *MemoryQueue) HealthCheck(ctx context.Context) error {
	return nil
}

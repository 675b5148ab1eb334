package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/types"
)

// Redis key names are kept verbatim from the original Python service so that
// a fleet mixing both implementations against the same Redis instance stays
// wire-compatible.
const (
	keyReadyQueue   = "openrabbit:jobs:queue"
	keyRetryQueue   = "openrabbit:jobs:retry"
	keyDataPrefix   = "openrabbit:jobs:data:"
	keyDeadSet      = "openrabbit:jobs:dead"
	keyProcessing   = "openrabbit:jobs:processing"
)

// RedisQueue is a Queue backed by a shared Redis instance: sorted sets for
// priority/retry ordering, a hash for in-flight bookkeeping, and one string
// key per job holding its JSON-encoded domain.Job.
type RedisQueue struct {
	client *redis.Client

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewRedisQueue wraps an existing *redis.Client. The caller owns the
// client's lifecycle (Close).
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, handlers: make(map[string]Handler)}
}

func dataKey(id string) string { return keyDataPrefix + id }

func (q *RedisQueue) saveJob(ctx context.Context, job *domain.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, dataKey(job.JobID), b, 0).Err()
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (*domain.Job, error) {
	b, err := q.client.Get(ctx, dataKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job domain.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// readyScore ranks jobs ascending by priority and, within a priority band,
// by submission order: priority occupies the integral part scaled up, and
// arrival nanoseconds break ties.
func readyScore(priority domain.JobPriority, arrival time.Time) float64 {
	return float64(priority)*1e13 + float64(arrival.UnixNano()%1e13)
}

func (q *RedisQueue) Submit(ctx context.Context, jobType string, payload map[string]any, priority domain.JobPriority, sessionID, correlationID string, maxRetries int) (string, error) {
	// A negative maxRetries means the caller left it unset; default it. A
	// caller-supplied 0 is a deliberate "no retries" and passes through.
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
	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}
	score := readyScore(priority, job.CreatedAt)
	if err := q.client.ZAdd(ctx, keyReadyQueue, redis.Z{Score: score, Member: job.JobID}).Err(); err != nil {
		return "", err
	}
	return job.JobID, nil
}

func (q *RedisQueue) RegisterHandler(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// promoteDueRetries moves any retry-queue entries whose score (next_retry_at
// unix seconds) has elapsed back onto the ready queue.
func (q *RedisQueue) promoteDueRetries(ctx context.Context) error {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, keyRetryQueue, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, keyRetryQueue, id)
		pipe.ZAdd(ctx, keyReadyQueue, redis.Z{Score: readyScore(job.Priority, time.Now()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) PopNextJob(ctx context.Context) (*domain.Job, error) {
	if err := q.promoteDueRetries(ctx); err != nil {
		return nil, err
	}

	res, err := q.client.ZPopMin(ctx, keyReadyQueue, 1).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	id, _ := res[0].Member.(string)

	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobRunning
	started := time.Now()
	job.StartedAt = &started
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := q.client.HSet(ctx, keyProcessing, id, started.Unix()).Err(); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) CompleteJob(ctx context.Context, job *domain.Job, result map[string]any) error {
	stored, err := q.loadJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	stored.Status = domain.JobCompleted
	stored.Result = result
	completed := time.Now()
	stored.CompletedAt = &completed
	if err := q.saveJob(ctx, stored); err != nil {
		return err
	}
	return q.client.HDel(ctx, keyProcessing, job.JobID).Err()
}

func (q *RedisQueue) FailJob(ctx context.Context, job *domain.Job, handlerErr error) error {
	stored, err := q.loadJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	q.client.HDel(ctx, keyProcessing, job.JobID)

	stored.ErrorHistory = append(stored.ErrorHistory, handlerErr.Error())
	stored.Error = handlerErr.Error()

	if stored.CanRetry() {
		next := time.Now().Add(stored.NextDelay())
		stored.RetryCount++
		stored.Status = domain.JobRetrying
		stored.NextRetryAt = &next
		if err := q.saveJob(ctx, stored); err != nil {
			return err
		}
		return q.client.ZAdd(ctx, keyRetryQueue, redis.Z{Score: float64(next.Unix()), Member: stored.JobID}).Err()
	}

	stored.Status = domain.JobDead
	if err := q.saveJob(ctx, stored); err != nil {
		return err
	}
	return q.client.SAdd(ctx, keyDeadSet, stored.JobID).Err()
}

func (q *RedisQueue) RunWorker(ctx context.Context, pollInterval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := q.PopNextJob(ctx)
		if err != nil || job == nil {
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

		result, herr := handler(ctx, job)
		if herr != nil {
			_ = q.FailJob(ctx, job, types.NewJobHandlerError(job.JobType, herr))
			continue
		}
		_ = q.CompleteJob(ctx, job, result)
	}
}

func (q *RedisQueue) RetryDeadJob(ctx context.Context, jobID string) error {
	removed, err := q.client.SRem(ctx, keyDeadSet, jobID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.RetryCount = 0
	job.Error = ""
	job.ErrorHistory = nil
	job.Status = domain.JobPending
	job.NextRetryAt = nil
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, keyReadyQueue, redis.Z{Score: readyScore(job.Priority, time.Now()), Member: jobID}).Err()
}

func (q *RedisQueue) GetQueueStats(ctx context.Context) (Stats, error) {
	pending, err := q.client.ZCard(ctx, keyReadyQueue).Result()
	if err != nil {
		return Stats{}, err
	}
	retrying, err := q.client.ZCard(ctx, keyRetryQueue).Result()
	if err != nil {
		return Stats{}, err
	}
	processing, err := q.client.HLen(ctx, keyProcessing).Result()
	if err != nil {
		return Stats{}, err
	}
	dead, err := q.client.SCard(ctx, keyDeadSet).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:    int(pending),
		Retrying:   int(retrying),
		Processing: int(processing),
		Dead:       int(dead),
	}, nil
}

func (q *RedisQueue) SweepInFlight(ctx context.Context, livenessTimeout time.Duration) (int, error) {
	all, err := q.client.HGetAll(ctx, keyProcessing).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	requeued := 0
	for id, startedStr := range all {
		var startedUnix int64
		if _, err := fmt.Sscanf(startedStr, "%d", &startedUnix); err != nil {
			continue
		}
		started := time.Unix(startedUnix, 0)
		if now.Sub(started) <= livenessTimeout {
			continue
		}

		job, err := q.loadJob(ctx, id)
		if err != nil {
			continue
		}
		job.Status = domain.JobPending
		job.StartedAt = nil
		if err := q.saveJob(ctx, job); err != nil {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.HDel(ctx, keyProcessing, id)
		pipe.ZAdd(ctx, keyReadyQueue, redis.Z{Score: readyScore(job.Priority, time.Now()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		requeued++
	}
	return requeued, nil
}

func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

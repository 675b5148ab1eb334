package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pr-review-automation/internal/domain"
)

// backends returns one Queue per implementation so every test in this file
// runs against both, verifying they share the same observable semantics.
func backends(t *testing.T) map[string]Queue {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"redis":  NewRedisQueue(client),
	}
}

func TestSubmitAndPopRespectsPriority(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := q.Submit(ctx, "review", nil, domain.PriorityLow, "s1", "c1", 3); err != nil {
				t.Fatal(err)
			}
			highID, err := q.Submit(ctx, "review", nil, domain.PriorityHigh, "s1", "c1", 3)
			if err != nil {
				t.Fatal(err)
			}

			job, err := q.PopNextJob(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if job == nil || job.JobID != highID {
				t.Fatalf("expected high priority job first, got %+v", job)
			}
		})
	}
}

func TestFailJobRetriesThenDeadLetters(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Submit(ctx, "review", nil, domain.PriorityNormal, "s1", "c1", 1)
			if err != nil {
				t.Fatal(err)
			}

			job, err := q.PopNextJob(ctx)
			if err != nil || job == nil {
				t.Fatalf("expected job, got %+v err=%v", job, err)
			}
			job.RetryDelaySeconds = 0 // local copy only: FailJob reads the stored job's delay
			if err := q.FailJob(ctx, job, errors.New("boom")); err != nil {
				t.Fatal(err)
			}

			stats, err := q.GetQueueStats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if stats.Retrying != 1 {
				t.Fatalf("expected 1 retrying job, got %+v", stats)
			}

			// the retry is not waited for: a second FailJob on a copy that
			// carries RetryCount=1 exercises the exhaustion path directly.
			job.NextRetryAt = nil
			time.Sleep(time.Millisecond)

			// second failure exhausts the 1-retry budget -> dead.
			job2 := *job
			job2.RetryCount = 1
			if err := q.FailJob(ctx, &job2, errors.New("boom again")); err != nil {
				t.Fatal(err)
			}

			stats, err = q.GetQueueStats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if stats.Dead != 1 {
				t.Fatalf("expected job to reach dead-letter, got %+v", stats)
			}
			_ = id
		})
	}
}

func TestRetryDeadJobReenqueues(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Submit(ctx, "review", nil, domain.PriorityNormal, "s1", "c1", 0)
			if err != nil {
				t.Fatal(err)
			}
			job, err := q.PopNextJob(ctx)
			if err != nil || job == nil {
				t.Fatalf("expected job, got %+v err=%v", job, err)
			}
			if err := q.FailJob(ctx, job, errors.New("boom")); err != nil {
				t.Fatal(err)
			}

			stats, _ := q.GetQueueStats(ctx)
			if stats.Dead != 1 {
				t.Fatalf("expected dead job before retry, got %+v", stats)
			}

			if err := q.RetryDeadJob(ctx, id); err != nil {
				t.Fatal(err)
			}

			requeued, err := q.PopNextJob(ctx)
			if err != nil || requeued == nil || requeued.JobID != id {
				t.Fatalf("expected retried job to be poppable again, got %+v err=%v", requeued, err)
			}
		})
	}
}

func TestRetryDeadJobUnknownID(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := q.RetryDeadJob(context.Background(), "does-not-exist"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSweepInFlightRequeuesStaleJobs(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := q.Submit(ctx, "review", nil, domain.PriorityNormal, "s1", "c1", 3); err != nil {
				t.Fatal(err)
			}
			job, err := q.PopNextJob(ctx)
			if err != nil || job == nil {
				t.Fatalf("expected job, got %+v err=%v", job, err)
			}

			requeued, err := q.SweepInFlight(ctx, -time.Second) // everything is "stale"
			if err != nil {
				t.Fatal(err)
			}
			if requeued != 1 {
				t.Fatalf("expected 1 job requeued, got %d", requeued)
			}

			stats, err := q.GetQueueStats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if stats.Processing != 0 || stats.Pending != 1 {
				t.Fatalf("expected job moved back to pending, got %+v", stats)
			}
		})
	}
}

func TestRunWorkerDispatchesRegisteredHandler(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			done := make(chan struct{}, 1)
			q.RegisterHandler("review", func(ctx context.Context, job *domain.Job) (map[string]any, error) {
				done <- struct{}{}
				return map[string]any{"ok": true}, nil
			})

			if _, err := q.Submit(ctx, "review", nil, domain.PriorityNormal, "s1", "c1", 3); err != nil {
				t.Fatal(err)
			}

			go q.RunWorker(ctx, 5*time.Millisecond)

			select {
			case <-done:
			case <-time.After(150 * time.Millisecond):
				t.Fatal("handler was never invoked")
			}
		})
	}
}

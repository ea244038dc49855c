package memqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"queue-abstraction/internal/jobs"
)

func addJob(t *testing.T, p *Provider, id string, opts func(*jobs.Job)) {
	t.Helper()
	job := &jobs.Job{
		ID:          id,
		Name:        "work",
		QueueName:   "test",
		Status:      jobs.StatusWaiting,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}
	if opts != nil {
		opts(job)
	}
	if err := p.Add(context.Background(), job, nil); err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
}

func TestFetchAckLifecycle(t *testing.T) {
	p := New("test", time.Minute)
	ctx := context.Background()
	addJob(t, p, "j1", nil)

	batch, err := p.Fetch(ctx, 5, 0)
	if err != nil || len(batch) != 1 {
		t.Fatalf("fetch: %v (%d)", err, len(batch))
	}
	if batch[0].Status != jobs.StatusActive || batch[0].Attempts != 0 {
		t.Fatalf("first delivery: status=%s attempts=%d", batch[0].Status, batch[0].Attempts)
	}
	if batch[0].ProviderMetadata["leaseToken"] == "" {
		t.Fatalf("no lease token issued")
	}

	// Leased jobs are invisible to a second fetch.
	again, _ := p.Fetch(ctx, 5, 0)
	if len(again) != 0 {
		t.Fatalf("leased job refetched")
	}

	if err := p.Ack(ctx, batch[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	job, err := p.GetJob(ctx, "j1")
	if err != nil || job != nil {
		t.Fatalf("acked job still present: %v %v", job, err)
	}
}

func TestNackRedeliversImmediately(t *testing.T) {
	p := New("test", time.Minute)
	ctx := context.Background()
	addJob(t, p, "j1", nil)

	batch, _ := p.Fetch(ctx, 1, 0)
	if err := p.Nack(ctx, batch[0], errors.New("boom")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	again, _ := p.Fetch(ctx, 1, 0)
	if len(again) != 1 || again[0].Attempts != 1 {
		t.Fatalf("expected redelivery with attempts=1, got %d jobs", len(again))
	}
}

func TestExhaustedJobMovesToDLQ(t *testing.T) {
	p := New("test", time.Minute)
	ctx := context.Background()
	addJob(t, p, "j1", func(j *jobs.Job) { j.MaxAttempts = 2 })

	for i := 0; i < 2; i++ {
		batch, _ := p.Fetch(ctx, 1, 0)
		if len(batch) != 1 {
			t.Fatalf("round %d: no job", i)
		}
		if err := p.Nack(ctx, batch[0], errors.New("boom")); err != nil {
			t.Fatalf("nack: %v", err)
		}
	}

	batch, _ := p.Fetch(ctx, 1, 0)
	if len(batch) != 0 {
		t.Fatalf("exhausted job still on live queue")
	}
	failed, err := p.DLQJobs(ctx, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("dlq: %v (%d)", err, len(failed))
	}
	if failed[0].ID != "j1" || failed[0].Status != jobs.StatusFailed {
		t.Fatalf("dlq job: %+v", failed[0])
	}
}

func TestRetryJobFromDLQ(t *testing.T) {
	p := New("test", time.Minute)
	ctx := context.Background()
	addJob(t, p, "j1", func(j *jobs.Job) { j.MaxAttempts = 1 })

	batch, _ := p.Fetch(ctx, 1, 0)
	_ = p.Nack(ctx, batch[0], errors.New("boom"))

	if err := p.RetryJob(ctx, "j1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	batch, _ = p.Fetch(ctx, 1, 0)
	if len(batch) != 1 || batch[0].Attempts != 0 {
		t.Fatalf("retried job not back on live queue with reset attempts")
	}

	err := p.RetryJob(ctx, "missing")
	qe, ok := jobs.AsQueueError(err)
	if !ok || qe.Category != jobs.CategoryNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	p := New("test", time.Minute)
	ctx := context.Background()
	addJob(t, p, "low", func(j *jobs.Job) { j.Priority = 1 })
	addJob(t, p, "high", func(j *jobs.Job) { j.Priority = 10 })
	addJob(t, p, "mid-a", func(j *jobs.Job) { j.Priority = 5 })
	addJob(t, p, "mid-b", func(j *jobs.Job) { j.Priority = 5 })

	batch, _ := p.Fetch(ctx, 4, 0)
	got := make([]string, 0, 4)
	for _, j := range batch {
		got = append(got, j.ID)
	}
	want := []string{"high", "mid-a", "mid-b", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDelayedJobInvisibleUntilDue(t *testing.T) {
	p := New("test", time.Minute)
	ctx := context.Background()
	addJob(t, p, "j1", func(j *jobs.Job) {
		at := time.Now().Add(30 * time.Millisecond)
		j.ScheduledFor = &at
		j.Status = jobs.StatusDelayed
	})

	batch, _ := p.Fetch(ctx, 1, 0)
	if len(batch) != 0 {
		t.Fatalf("delayed job visible early")
	}
	stats, _ := p.Stats(ctx)
	if stats.Delayed != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	time.Sleep(50 * time.Millisecond)
	batch, _ = p.Fetch(ctx, 1, 0)
	if len(batch) != 1 {
		t.Fatalf("due job not visible")
	}
}

func TestExpiredLeaseRejectsSettle(t *testing.T) {
	p := New("test", 20*time.Millisecond)
	ctx := context.Background()
	addJob(t, p, "j1", nil)

	batch, _ := p.Fetch(ctx, 1, 0)
	time.Sleep(40 * time.Millisecond)

	err := p.Ack(ctx, batch[0])
	qe, ok := jobs.AsQueueError(err)
	if !ok || qe.Code != jobs.CodeProcessing || qe.Retryable {
		t.Fatalf("expected non-retryable PROCESSING after lease expiry, got %v", err)
	}

	// The job is claimable again once the lease lapsed.
	again, _ := p.Fetch(ctx, 1, 0)
	if len(again) != 1 {
		t.Fatalf("expired job not reclaimable")
	}
}

func TestShutdownGatesOperations(t *testing.T) {
	p := New("test", time.Minute)
	ctx := context.Background()
	addJob(t, p, "j1", nil)
	if err := p.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if err := p.Add(ctx, &jobs.Job{ID: "j2"}, nil); err == nil {
		t.Fatalf("add after disconnect succeeded")
	}
	_, err := p.Fetch(ctx, 1, 0)
	qe, ok := jobs.AsQueueError(err)
	if !ok || qe.Code != jobs.CodeShutdown {
		t.Fatalf("expected SHUTDOWN, got %v", err)
	}
}

func TestProcessLoop(t *testing.T) {
	p := New("test", time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		addJob(t, p, fmt.Sprintf("j%d", i), nil)
	}

	var handled atomic.Int32
	stop, err := p.Process(ctx, func(ctx context.Context, job *jobs.ActiveJob) error {
		handled.Add(1)
		return nil
	}, jobs.ProcessOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if handled.Load() != 5 {
		t.Fatalf("handled %d of 5 jobs", handled.Load())
	}
	stats, _ := p.Stats(ctx)
	if stats.QueueDepth != 0 {
		t.Fatalf("queue not drained: %+v", stats)
	}
}

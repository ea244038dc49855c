// Package redisqueue implements the push-model provider on Redis. It
// keeps the same shape as a visibility-timeout backend: ready lists
// per priority bucket, a scheduled zset for deferred jobs, an
// in-flight zset scored by lease deadline, and a dead-letter list.
package redisqueue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"queue-abstraction/internal/jobs"
	"queue-abstraction/internal/telemetry"
)

// Priority buckets, dequeued in order.
var buckets = []string{"high", "default", "low"}

// Provider coordinates ready, in-flight, scheduled, and dead-letter
// structures for one logical queue in Redis.
type Provider struct {
	client     *redis.Client
	queueName  string
	visibility time.Duration
	logger     *log.Logger

	paused   atomic.Bool
	shutdown atomic.Bool
}

var (
	_ jobs.PushProvider       = (*Provider)(nil)
	_ jobs.DeadLetterProvider = (*Provider)(nil)
)

// New builds a Redis provider for one logical queue. The client is
// injected so several queues can share one connection pool.
func New(client *redis.Client, queueName string, visibility time.Duration, logger *log.Logger) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("redisqueue: client must not be nil")
	}
	if queueName == "" {
		return nil, fmt.Errorf("redisqueue: queue name must not be empty")
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Provider{client: client, queueName: queueName, visibility: visibility, logger: logger}, nil
}

func (p *Provider) readyKey(bucket string) string {
	return fmt.Sprintf("queue:%s:ready:%s", p.queueName, bucket)
}
func (p *Provider) scheduledKey() string { return fmt.Sprintf("queue:%s:scheduled", p.queueName) }
func (p *Provider) inflightKey() string  { return fmt.Sprintf("queue:%s:inflight", p.queueName) }
func (p *Provider) dlqKey() string       { return fmt.Sprintf("queue:%s:dlq", p.queueName) }
func (p *Provider) jobKey(id string) string {
	return fmt.Sprintf("queue:%s:job:%s", p.queueName, id)
}

func bucketFor(priority int) string {
	switch {
	case priority > 0:
		return "high"
	case priority < 0:
		return "low"
	default:
		return "default"
	}
}

// record is the stored form of a job, including the backend-owned
// receive counter.
type record struct {
	Job      jobs.Job `json:"job"`
	Receives int      `json:"receives"`
}

func (p *Provider) gate(op string) *jobs.QueueError {
	if p.shutdown.Load() {
		telemetry.ShutdownRejects.Inc()
		return jobs.NewRuntimeError(jobs.CodeShutdown,
			fmt.Sprintf("%s: provider has been disconnected", op), false).WithQueue(p.queueName)
	}
	return nil
}

func (p *Provider) Capabilities() jobs.ProviderCapabilities {
	return jobs.ProviderCapabilities{
		SupportsDelayedJobs: true,
		SupportsPriority:    true,
		SupportsRetries:     true,
		SupportsDLQ:         true,
		SupportsBatching:    false,
		SupportsLongPolling: false,
	}
}

func (p *Provider) Connect(ctx context.Context) error {
	if err := p.gate("connect"); err != nil {
		return err
	}
	if err := p.client.Ping(ctx).Err(); err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("connect: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}
	return nil
}

func (p *Provider) Disconnect(ctx context.Context) error {
	p.shutdown.Store(true)
	return nil
}

// Add stores the job record and places its id either in the scheduled
// zset (deferred) or the ready list for its priority bucket.
func (p *Provider) Add(ctx context.Context, job *jobs.Job, _ map[string]string) error {
	if err := p.gate("add"); err != nil {
		return err
	}
	raw, err := json.Marshal(record{Job: *job})
	if err != nil {
		return jobs.NewDataError(jobs.CodeSerialization,
			fmt.Sprintf("cannot serialize job payload: %v", err)).
			WithQueue(p.queueName).WithJob(job.ID).WithCause(err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.jobKey(job.ID), raw, 0)
	if job.ScheduledFor != nil && job.ScheduledFor.After(time.Now()) {
		pipe.ZAdd(ctx, p.scheduledKey(), redis.Z{Score: float64(job.ScheduledFor.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, p.readyKey(bucketFor(job.Priority)), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("add: %v", err), true).WithQueue(p.queueName).WithJob(job.ID).WithCause(err)
	}
	telemetry.JobsEnqueued.Inc()
	return nil
}

// GetJob loads the stored record. Unlike SQS, Redis does have a
// lookup-by-id primitive.
func (p *Provider) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if err := p.gate("getJob"); err != nil {
		return nil, err
	}
	raw, err := p.client.Get(ctx, p.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("getJob: %v", err), true).WithQueue(p.queueName).WithJob(id).WithCause(err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, jobs.NewDataError(jobs.CodeSerialization,
			fmt.Sprintf("corrupt job record: %v", err)).WithQueue(p.queueName).WithJob(id).WithCause(err)
	}
	return &rec.Job, nil
}

// dequeueScript pops the first ready id across priority buckets,
// moving it into the in-flight zset with its lease deadline and
// bumping the backend-owned receive counter inside the job record.
var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)

// dequeue claims one job and returns it with its receive count already
// incremented.
func (p *Provider) dequeue(ctx context.Context) (*record, error) {
	keys := make([]string, 0, len(buckets)+1)
	for _, b := range buckets {
		keys = append(keys, p.readyKey(b))
	}
	keys = append(keys, p.inflightKey())

	res, err := dequeueScript.Run(ctx, p.client, keys, time.Now().Add(p.visibility).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	raw, err := p.client.Get(ctx, p.jobKey(id)).Bytes()
	if err == redis.Nil {
		// Record vanished; nothing left to run.
		p.client.ZRem(ctx, p.inflightKey(), id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Poison pill on the live queue: drop it so it cannot loop.
		telemetry.PoisonPills.Inc()
		p.logger.Printf("redis queue %s: dropping undecodable job %s: %v", p.queueName, id, err)
		p.client.ZRem(ctx, p.inflightKey(), id)
		p.client.Del(ctx, p.jobKey(id))
		return nil, nil
	}
	rec.Receives++
	p.persist(ctx, &rec)
	return &rec, nil
}

func (p *Provider) persist(ctx context.Context, rec *record) {
	if raw, err := json.Marshal(rec); err == nil {
		p.client.Set(ctx, p.jobKey(rec.Job.ID), raw, 0)
	}
}

// promoteScheduled moves due scheduled jobs into their ready buckets.
func (p *Provider) promoteScheduled(ctx context.Context, now time.Time, limit int64) {
	ids, err := p.client.ZRangeByScore(ctx, p.scheduledKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: limit,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	pipe := p.client.TxPipeline()
	for _, id := range ids {
		bucket := "default"
		if job, err := p.GetJob(ctx, id); err == nil && job != nil {
			bucket = bucketFor(job.Priority)
		}
		pipe.ZRem(ctx, p.scheduledKey(), id)
		pipe.RPush(ctx, p.readyKey(bucket), id)
	}
	_, _ = pipe.Exec(ctx)
}

// requeueExpired reclaims in-flight jobs whose lease deadline passed.
func (p *Provider) requeueExpired(ctx context.Context, now time.Time, limit int64) {
	ids, err := p.client.ZRangeByScore(ctx, p.inflightKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: limit,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	pipe := p.client.TxPipeline()
	for _, id := range ids {
		bucket := "default"
		if job, err := p.GetJob(ctx, id); err == nil && job != nil {
			bucket = bucketFor(job.Priority)
		}
		pipe.ZRem(ctx, p.inflightKey(), id)
		pipe.RPush(ctx, p.readyKey(bucket), id)
	}
	_, _ = pipe.Exec(ctx)
}

// settle removes a finished job from in-flight and either deletes it
// (success), re-enqueues it, or dead-letters it once its receive count
// reaches MaxAttempts.
func (p *Provider) settle(ctx context.Context, rec *record, handlerErr error) {
	id := rec.Job.ID
	if handlerErr == nil {
		pipe := p.client.TxPipeline()
		pipe.ZRem(ctx, p.inflightKey(), id)
		pipe.Del(ctx, p.jobKey(id))
		_, _ = pipe.Exec(ctx)
		telemetry.JobsAcked.Inc()
		return
	}

	if rec.Job.MaxAttempts > 0 && rec.Receives >= rec.Job.MaxAttempts {
		rec.Job.Status = jobs.StatusFailed
		p.persist(ctx, rec)
		pipe := p.client.TxPipeline()
		pipe.ZRem(ctx, p.inflightKey(), id)
		pipe.RPush(ctx, p.dlqKey(), id)
		_, _ = pipe.Exec(ctx)
		telemetry.JobsNacked.Inc()
		return
	}

	// Immediate redelivery; retry pacing is the handler's concern.
	pipe := p.client.TxPipeline()
	pipe.ZRem(ctx, p.inflightKey(), id)
	pipe.RPush(ctx, p.readyKey(bucketFor(rec.Job.Priority)), id)
	_, _ = pipe.Exec(ctx)
	telemetry.JobsNacked.Inc()
}

// Process starts the provider-owned consume loop and returns a stop
// function. The loop promotes due scheduled jobs, reclaims expired
// leases, and dispatches claimed jobs to the handler with bounded
// concurrency.
func (p *Provider) Process(ctx context.Context, handler jobs.Handler, opts jobs.ProcessOptions) (jobs.StopFunc, error) {
	if err := p.gate("process"); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, jobs.NewDataError(jobs.CodeValidation, "handler must not be nil").WithQueue(p.queueName)
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			default:
			}
			if p.shutdown.Load() {
				return
			}
			if p.paused.Load() {
				time.Sleep(250 * time.Millisecond)
				continue
			}

			now := time.Now()
			p.promoteScheduled(loopCtx, now, 100)
			p.requeueExpired(loopCtx, now, 100)

			rec, err := p.dequeue(loopCtx)
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(err)
				}
				time.Sleep(time.Second)
				continue
			}
			if rec == nil {
				time.Sleep(250 * time.Millisecond)
				continue
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(rec *record) {
				defer wg.Done()
				defer func() { <-sem }()
				active := &jobs.ActiveJob{
					Job:         rec.Job,
					ProcessedAt: time.Now().UTC(),
				}
				active.Status = jobs.StatusActive
				active.Attempts = rec.Receives - 1
				telemetry.InFlightGauge.Inc()
				herr := handler(loopCtx, active)
				telemetry.InFlightGauge.Dec()
				if herr != nil && opts.OnError != nil {
					opts.OnError(herr)
				}
				p.settle(loopCtx, rec, herr)
			}(rec)
		}
	}()

	stop := func(stopCtx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
	return stop, nil
}

func (p *Provider) Pause(ctx context.Context) error {
	if err := p.gate("pause"); err != nil {
		return err
	}
	p.paused.Store(true)
	return nil
}

func (p *Provider) Resume(ctx context.Context) error {
	if err := p.gate("resume"); err != nil {
		return err
	}
	p.paused.Store(false)
	return nil
}

// Delete drops every structure belonging to this queue.
func (p *Provider) Delete(ctx context.Context) error {
	if err := p.gate("delete"); err != nil {
		return err
	}
	keys := []string{p.scheduledKey(), p.inflightKey(), p.dlqKey()}
	for _, b := range buckets {
		keys = append(keys, p.readyKey(b))
	}
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("delete: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}
	return nil
}

func (p *Provider) Stats(ctx context.Context) (jobs.QueueStats, error) {
	if err := p.gate("getStats"); err != nil {
		return jobs.QueueStats{}, err
	}
	pipe := p.client.Pipeline()
	readyCmds := make([]*redis.IntCmd, 0, len(buckets))
	for _, b := range buckets {
		readyCmds = append(readyCmds, pipe.LLen(ctx, p.readyKey(b)))
	}
	inflight := pipe.ZCard(ctx, p.inflightKey())
	scheduled := pipe.ZCard(ctx, p.scheduledKey())
	dlq := pipe.LLen(ctx, p.dlqKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return jobs.QueueStats{}, jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("getStats: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}

	stats := jobs.QueueStats{
		Active:  inflight.Val(),
		Delayed: scheduled.Val(),
		Failed:  dlq.Val(),
		Paused:  p.paused.Load(),
	}
	for _, c := range readyCmds {
		stats.Waiting += c.Val()
	}
	stats.QueueDepth = stats.Waiting + stats.Active + stats.Delayed
	return stats, nil
}

func (p *Provider) Health(ctx context.Context) (jobs.HealthStatus, error) {
	if err := p.gate("getHealth"); err != nil {
		return jobs.HealthStatus{}, err
	}
	status := jobs.HealthStatus{CheckedAt: time.Now().UTC()}
	if err := p.client.Ping(ctx).Err(); err != nil {
		status.Message = err.Error()
		return status, nil
	}
	if stats, err := p.Stats(ctx); err == nil {
		status.QueueDepth = stats.QueueDepth
	}
	status.Healthy = true
	return status, nil
}

// DLQJobs reads dead-lettered job records, newest last.
func (p *Provider) DLQJobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	if err := p.gate("getDLQJobs"); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 1
	}
	telemetry.DLQReads.Inc()
	ids, err := p.client.LRange(ctx, p.dlqKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("getDLQJobs: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}
	out := make([]*jobs.Job, 0, len(ids))
	for _, id := range ids {
		job, err := p.GetJob(ctx, id)
		if err != nil || job == nil {
			// Dead-letter entries are preserved even when the record is
			// unreadable; log and continue.
			p.logger.Printf("redis queue %s: unreadable DLQ record %s: %v", p.queueName, id, err)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// RetryJob moves a dead-lettered job back to its ready bucket. Redis
// lets us do this with a transactional pipeline, unlike SQS.
func (p *Provider) RetryJob(ctx context.Context, id string) error {
	if err := p.gate("retryJob"); err != nil {
		return err
	}
	removed, err := p.client.LRem(ctx, p.dlqKey(), 0, id).Result()
	if err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("retryJob: %v", err), true).WithQueue(p.queueName).WithJob(id).WithCause(err)
	}
	if removed == 0 {
		return jobs.NewNotFoundError("dlq_job", id,
			fmt.Sprintf("job %s is not in the dead-letter queue", id)).WithQueue(p.queueName).WithJob(id)
	}

	raw, err := p.client.Get(ctx, p.jobKey(id)).Bytes()
	if err != nil && err != redis.Nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("retryJob: %v", err), true).WithQueue(p.queueName).WithJob(id).WithCause(err)
	}
	bucket := "default"
	if err == nil {
		var rec record
		if jerr := json.Unmarshal(raw, &rec); jerr == nil {
			rec.Job.Status = jobs.StatusWaiting
			rec.Receives = 0
			bucket = bucketFor(rec.Job.Priority)
			p.persist(ctx, &rec)
		}
	}
	if err := p.client.RPush(ctx, p.readyKey(bucket), id).Err(); err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("retryJob: %v", err), true).WithQueue(p.queueName).WithJob(id).WithCause(err)
	}
	return nil
}

// Package memqueue is the in-memory provider used by tests and local
// development. It plays the backend role completely: it owns the
// receive counters, the visibility windows, and the redrive decision
// that moves exhausted jobs to its dead-letter list.
package memqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"queue-abstraction/internal/jobs"
)

type entry struct {
	job          jobs.Job
	receives     int
	visibleAt    time.Time
	leaseToken   string
	leaseExpires time.Time
}

// Provider is a single-process queue. All state lives behind one
// mutex; it is not meant to scale, only to behave.
type Provider struct {
	queueName  string
	visibility time.Duration

	mu       sync.Mutex
	entries  map[string]*entry // keyed by job id
	order    []string          // FIFO of job ids not yet settled
	dlq      []jobs.Job
	paused   bool
	shutdown bool
}

var (
	_ jobs.PullProvider       = (*Provider)(nil)
	_ jobs.PushProvider       = (*Provider)(nil)
	_ jobs.DeadLetterProvider = (*Provider)(nil)
)

// New builds an in-memory provider for one logical queue.
func New(queueName string, visibility time.Duration) *Provider {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Provider{
		queueName:  queueName,
		visibility: visibility,
		entries:    make(map[string]*entry),
	}
}

func (p *Provider) Capabilities() jobs.ProviderCapabilities {
	return jobs.ProviderCapabilities{
		SupportsDelayedJobs: true,
		SupportsPriority:    true,
		SupportsRetries:     true,
		SupportsDLQ:         true,
		SupportsBatching:    true,
		SupportsLongPolling: false,
	}
}

func (p *Provider) gate(op string) *jobs.QueueError {
	if p.shutdown {
		return jobs.NewRuntimeError(jobs.CodeShutdown,
			fmt.Sprintf("%s: provider has been disconnected", op), false).WithQueue(p.queueName)
	}
	return nil
}

func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gate("connect")
}

func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	return nil
}

func (p *Provider) Add(ctx context.Context, job *jobs.Job, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("add"); err != nil {
		return err
	}
	e := &entry{job: *job, visibleAt: time.Now()}
	if job.ScheduledFor != nil {
		e.visibleAt = *job.ScheduledFor
	}
	p.entries[job.ID] = e
	p.order = append(p.order, job.ID)
	return nil
}

func (p *Provider) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("getJob"); err != nil {
		return nil, err
	}
	if e, ok := p.entries[id]; ok {
		job := e.job
		return &job, nil
	}
	for i := range p.dlq {
		if p.dlq[i].ID == id {
			job := p.dlq[i]
			return &job, nil
		}
	}
	return nil, nil
}

// Fetch claims up to batchSize visible jobs, highest priority first,
// FIFO within a priority. Each claim gets a fresh lease token carried
// only in the returned job's ProviderMetadata.
func (p *Provider) Fetch(ctx context.Context, batchSize int, _ time.Duration) ([]*jobs.ActiveJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("fetch"); err != nil {
		return nil, err
	}
	if p.paused || batchSize < 1 {
		return nil, nil
	}

	now := time.Now()
	candidates := make([]*entry, 0, batchSize)
	for _, id := range p.order {
		e, ok := p.entries[id]
		if !ok {
			continue
		}
		leased := e.leaseToken != "" && now.Before(e.leaseExpires)
		if leased || now.Before(e.visibleAt) {
			continue
		}
		candidates = append(candidates, e)
	}
	// Stable selection: priority desc, insertion order otherwise.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].job.Priority > candidates[j-1].job.Priority; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	out := make([]*jobs.ActiveJob, 0, len(candidates))
	for _, e := range candidates {
		e.receives++
		e.leaseToken = uuid.NewString()
		e.leaseExpires = now.Add(p.visibility)
		job := e.job
		job.Status = jobs.StatusActive
		job.Attempts = e.receives - 1
		out = append(out, &jobs.ActiveJob{
			Job: job,
			ProviderMetadata: map[string]string{
				"leaseToken": e.leaseToken,
			},
			ProcessedAt: now,
		})
	}
	return out, nil
}

func (p *Provider) Ack(ctx context.Context, job *jobs.ActiveJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("ack"); err != nil {
		return err
	}
	e, err := p.leased(job)
	if err != nil {
		return err
	}
	delete(p.entries, e.job.ID)
	return nil
}

// Nack makes the job immediately visible again. Once receives reaches
// MaxAttempts the backend's redrive moves it to the DLQ instead.
func (p *Provider) Nack(ctx context.Context, job *jobs.ActiveJob, _ error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("nack"); err != nil {
		return err
	}
	e, err := p.leased(job)
	if err != nil {
		return err
	}
	e.leaseToken = ""
	e.leaseExpires = time.Time{}
	e.visibleAt = time.Now()
	if e.job.MaxAttempts > 0 && e.receives >= e.job.MaxAttempts {
		failed := e.job
		failed.Status = jobs.StatusFailed
		failed.Attempts = e.receives - 1
		p.dlq = append(p.dlq, failed)
		delete(p.entries, e.job.ID)
	}
	return nil
}

func (p *Provider) leased(job *jobs.ActiveJob) (*entry, *jobs.QueueError) {
	var token string
	if job != nil {
		token = job.ProviderMetadata["leaseToken"]
	}
	stale := jobs.NewRuntimeError(jobs.CodeProcessing,
		"lease not found — may have already expired or been processed", false).WithQueue(p.queueName)
	if token == "" || job == nil {
		return nil, stale
	}
	e, ok := p.entries[job.ID]
	if !ok || e.leaseToken != token || time.Now().After(e.leaseExpires) {
		return nil, stale.WithJob(job.ID)
	}
	return e, nil
}

// Process runs a pull loop internally so the in-memory provider also
// covers the push contract.
func (p *Provider) Process(ctx context.Context, handler jobs.Handler, opts jobs.ProcessOptions) (jobs.StopFunc, error) {
	p.mu.Lock()
	if err := p.gate("process"); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	if handler == nil {
		return nil, jobs.NewDataError(jobs.CodeValidation, "handler must not be nil").WithQueue(p.queueName)
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			default:
			}
			batch, err := p.Fetch(loopCtx, concurrency, 0)
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(err)
				}
				return
			}
			if len(batch) == 0 {
				select {
				case <-loopCtx.Done():
					return
				case <-time.After(10 * time.Millisecond):
				}
				continue
			}
			var batchWG sync.WaitGroup
			for _, active := range batch {
				batchWG.Add(1)
				go func(active *jobs.ActiveJob) {
					defer batchWG.Done()
					if herr := handler(loopCtx, active); herr != nil {
						if opts.OnError != nil {
							opts.OnError(herr)
						}
						_ = p.Nack(loopCtx, active, herr)
						return
					}
					_ = p.Ack(loopCtx, active)
				}(active)
			}
			batchWG.Wait()
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
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("pause"); err != nil {
		return err
	}
	p.paused = true
	return nil
}

func (p *Provider) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("resume"); err != nil {
		return err
	}
	p.paused = false
	return nil
}

func (p *Provider) Delete(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("delete"); err != nil {
		return err
	}
	p.entries = make(map[string]*entry)
	p.order = nil
	p.dlq = nil
	return nil
}

func (p *Provider) Stats(ctx context.Context) (jobs.QueueStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("getStats"); err != nil {
		return jobs.QueueStats{}, err
	}
	now := time.Now()
	stats := jobs.QueueStats{Paused: p.paused, Failed: int64(len(p.dlq))}
	for _, id := range p.order {
		e, ok := p.entries[id]
		if !ok {
			continue
		}
		switch {
		case e.leaseToken != "" && now.Before(e.leaseExpires):
			stats.Active++
		case now.Before(e.visibleAt):
			stats.Delayed++
		default:
			stats.Waiting++
		}
	}
	stats.QueueDepth = stats.Waiting + stats.Active + stats.Delayed
	return stats, nil
}

func (p *Provider) Health(ctx context.Context) (jobs.HealthStatus, error) {
	stats, err := p.Stats(ctx)
	if err != nil {
		return jobs.HealthStatus{}, err
	}
	return jobs.HealthStatus{Healthy: true, QueueDepth: stats.QueueDepth, CheckedAt: time.Now().UTC()}, nil
}

func (p *Provider) DLQJobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("getDLQJobs"); err != nil {
		return nil, err
	}
	if limit < 1 || limit > len(p.dlq) {
		limit = len(p.dlq)
	}
	out := make([]*jobs.Job, 0, limit)
	for i := 0; i < limit; i++ {
		job := p.dlq[i]
		out = append(out, &job)
	}
	return out, nil
}

func (p *Provider) RetryJob(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.gate("retryJob"); err != nil {
		return err
	}
	for i := range p.dlq {
		if p.dlq[i].ID == id {
			job := p.dlq[i]
			job.Status = jobs.StatusWaiting
			job.Attempts = 0
			p.dlq = append(p.dlq[:i], p.dlq[i+1:]...)
			p.entries[job.ID] = &entry{job: job, visibleAt: time.Now()}
			p.order = append(p.order, job.ID)
			return nil
		}
	}
	return jobs.NewNotFoundError("dlq_job", id,
		fmt.Sprintf("job %s is not in the dead-letter queue", id)).WithQueue(p.queueName)
}

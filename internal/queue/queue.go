// Package queue is the provider-agnostic façade application code talks
// to. It validates input, negotiates capabilities against the bound
// provider, constructs canonical job records, and delegates; provider
// errors pass through unchanged.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"queue-abstraction/internal/jobs"
	"queue-abstraction/internal/telemetry"
)

// UnsupportedFeatureHook receives one diagnostic message per option
// dropped by capability negotiation.
type UnsupportedFeatureHook func(message string)

// IDGenerator produces job ids when the caller does not supply one.
type IDGenerator func() string

type settings struct {
	idGen              IDGenerator
	onUnsupported      UnsupportedFeatureHook
	defaultMaxAttempts int
	logger             *log.Logger
}

// Option customizes a Queue. Options distinguish "omitted" from
// "explicitly nil": omitting WithIDGenerator selects the uuid default,
// while WithIDGenerator(nil) signals caller confusion and fails the
// constructor.
type Option func(*settings) error

// WithIDGenerator replaces the default uuid-based job id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(s *settings) error {
		if gen == nil {
			return errors.New("queue: id generator must not be nil")
		}
		s.idGen = gen
		return nil
	}
}

// WithUnsupportedFeatureHook replaces the default log-based diagnostic
// hook fired when capability negotiation drops an option.
func WithUnsupportedFeatureHook(hook UnsupportedFeatureHook) Option {
	return func(s *settings) error {
		if hook == nil {
			return errors.New("queue: unsupported-feature hook must not be nil")
		}
		s.onUnsupported = hook
		return nil
	}
}

// WithDefaultMaxAttempts sets the MaxAttempts applied when a job's
// options do not specify one.
func WithDefaultMaxAttempts(n int) Option {
	return func(s *settings) error {
		if n < 1 {
			return fmt.Errorf("queue: default max attempts must be >= 1, got %d", n)
		}
		s.defaultMaxAttempts = n
		return nil
	}
}

// WithLogger replaces the stderr logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *settings) error {
		if logger == nil {
			return errors.New("queue: logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

// Queue binds a logical queue name to one provider instance. The
// optional pull/push/DLQ operation sets are resolved once here, at
// bind time, so an absent operation surfaces as a typed
// UNSUPPORTED_FEATURE error instead of a call-time probe.
type Queue struct {
	name     string
	provider jobs.Provider
	pull     jobs.PullProvider
	push     jobs.PushProvider
	dlq      jobs.DeadLetterProvider
	settings settings
}

// New constructs a façade over provider. Constructor validation is the
// one place this package fails eagerly: bad arguments are programmer
// errors and are rejected before any asynchronous work begins.
func New(name string, provider jobs.Provider, opts ...Option) (*Queue, error) {
	if name == "" {
		return nil, errors.New("queue: name must not be empty")
	}
	if provider == nil {
		return nil, errors.New("queue: provider must not be nil")
	}

	s := settings{
		idGen:              func() string { return uuid.NewString() },
		defaultMaxAttempts: 3,
		logger:             log.New(os.Stderr, "", log.LstdFlags),
	}
	for _, opt := range opts {
		if opt == nil {
			return nil, errors.New("queue: nil option")
		}
		if err := opt(&s); err != nil {
			return nil, err
		}
	}
	if s.onUnsupported == nil {
		logger := s.logger
		s.onUnsupported = func(msg string) { logger.Printf("queue %s: %s", name, msg) }
	}

	q := &Queue{name: name, provider: provider, settings: s}
	q.pull, _ = provider.(jobs.PullProvider)
	q.push, _ = provider.(jobs.PushProvider)
	q.dlq, _ = provider.(jobs.DeadLetterProvider)
	return q, nil
}

// Name returns the logical queue name.
func (q *Queue) Name() string { return q.name }

// Provider exposes the bound provider, mainly for binaries that need
// backend-specific wiring.
func (q *Queue) Provider() jobs.Provider { return q.provider }

// Add validates and enqueues one job. It never panics for bad input:
// validation failures come back as DataError/VALIDATION. Unsupported
// options are removed from a copy of the options — caller state is
// never touched — with one diagnostic per dropped feature, and the
// degraded job proceeds.
func (q *Queue) Add(ctx context.Context, name string, data any, opts ...jobs.JobOptions) (*jobs.Job, error) {
	if name == "" {
		return nil, jobs.NewDataError(jobs.CodeValidation, "job name must not be empty").WithQueue(q.name)
	}

	var options jobs.JobOptions
	if len(opts) > 0 {
		options = opts[0].Clone()
	}
	if options.MaxAttempts < 0 {
		return nil, jobs.NewDataError(jobs.CodeValidation,
			fmt.Sprintf("max attempts must not be negative, got %d", options.MaxAttempts)).WithQueue(q.name)
	}
	if options.Delay < 0 {
		return nil, jobs.NewDataError(jobs.CodeValidation,
			fmt.Sprintf("delay must not be negative, got %s", options.Delay)).WithQueue(q.name)
	}

	q.degrade(&options)

	job := &jobs.Job{
		ID:          options.JobID,
		Name:        name,
		QueueName:   q.name,
		Data:        data,
		Status:      jobs.StatusWaiting,
		MaxAttempts: options.MaxAttempts,
		Priority:    options.Priority,
		CreatedAt:   time.Now().UTC(),
		Metadata:    options.Metadata,
	}
	if job.ID == "" {
		job.ID = q.settings.idGen()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.settings.defaultMaxAttempts
	}
	if options.Delay > 0 {
		at := time.Now().Add(options.Delay)
		job.ScheduledFor = &at
		job.Status = jobs.StatusDelayed
	}

	if err := q.provider.Add(ctx, job, options.ProviderOptions); err != nil {
		return nil, err
	}
	return job, nil
}

// degrade strips options the provider's capability descriptor rejects.
// Warn-and-degrade: the call proceeds, the hook fires once per feature.
func (q *Queue) degrade(options *jobs.JobOptions) {
	caps := q.provider.Capabilities()
	if options.Delay > 0 && !caps.SupportsDelayedJobs {
		options.Delay = 0
		q.warnUnsupported("delayed jobs")
	}
	if options.Priority != 0 && !caps.SupportsPriority {
		options.Priority = 0
		q.warnUnsupported("priority")
	}
	if options.MaxAttempts > 1 && !caps.SupportsRetries {
		options.MaxAttempts = 1
		q.warnUnsupported("retries")
	}
}

func (q *Queue) warnUnsupported(feature string) {
	telemetry.DegradedOptions.Inc()
	q.settings.onUnsupported(fmt.Sprintf("provider does not support %s; option ignored", feature))
}

// GetJob delegates to the provider. A (nil, nil) result is legitimate
// for backends without lookup-by-id.
func (q *Queue) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if id == "" {
		return nil, jobs.NewDataError(jobs.CodeValidation, "job id must not be empty").WithQueue(q.name)
	}
	return q.provider.GetJob(ctx, id)
}

// Fetch leases jobs from a pull provider.
func (q *Queue) Fetch(ctx context.Context, batchSize int, wait time.Duration) ([]*jobs.ActiveJob, error) {
	if q.pull == nil {
		return nil, q.unsupported("fetch")
	}
	return q.pull.Fetch(ctx, batchSize, wait)
}

// Ack settles a leased job.
func (q *Queue) Ack(ctx context.Context, job *jobs.ActiveJob) error {
	if q.pull == nil {
		return q.unsupported("ack")
	}
	return q.pull.Ack(ctx, job)
}

// Nack returns a leased job for redelivery.
func (q *Queue) Nack(ctx context.Context, job *jobs.ActiveJob, cause error) error {
	if q.pull == nil {
		return q.unsupported("nack")
	}
	return q.pull.Nack(ctx, job, cause)
}

// Process starts a push provider's consume loop.
func (q *Queue) Process(ctx context.Context, handler jobs.Handler, opts jobs.ProcessOptions) (jobs.StopFunc, error) {
	if q.push == nil {
		return nil, q.unsupported("process")
	}
	if handler == nil {
		return nil, jobs.NewDataError(jobs.CodeValidation, "handler must not be nil").WithQueue(q.name)
	}
	return q.push.Process(ctx, handler, opts)
}

// GetDLQJobs reads dead-lettered jobs where the provider supports it.
func (q *Queue) GetDLQJobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	if q.dlq == nil {
		return nil, q.unsupported("getDLQJobs")
	}
	return q.dlq.DLQJobs(ctx, limit)
}

// RetryJob re-enqueues a dead-lettered job where the provider supports
// it.
func (q *Queue) RetryJob(ctx context.Context, id string) error {
	if q.dlq == nil {
		return q.unsupported("retryJob")
	}
	return q.dlq.RetryJob(ctx, id)
}

func (q *Queue) Pause(ctx context.Context) error  { return q.provider.Pause(ctx) }
func (q *Queue) Resume(ctx context.Context) error { return q.provider.Resume(ctx) }
func (q *Queue) Delete(ctx context.Context) error { return q.provider.Delete(ctx) }

func (q *Queue) Stats(ctx context.Context) (jobs.QueueStats, error) { return q.provider.Stats(ctx) }
func (q *Queue) Health(ctx context.Context) (jobs.HealthStatus, error) {
	return q.provider.Health(ctx)
}

// Close shuts the façade down, optionally disconnecting the provider.
// Providers are often shared between queues, so disconnecting is the
// caller's decision.
func (q *Queue) Close(ctx context.Context, disconnectProvider bool) error {
	if !disconnectProvider {
		return nil
	}
	return q.provider.Disconnect(ctx)
}

func (q *Queue) unsupported(op string) *jobs.QueueError {
	return jobs.NewConfigError(jobs.CodeUnsupportedFeature,
		fmt.Sprintf("bound provider does not implement %s", op)).WithQueue(q.name)
}

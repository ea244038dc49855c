package jobs

import (
	"context"
	"time"
)

// QueueStats is a read-only snapshot of queue counters. For backends
// with eventually-consistent counters (SQS) the numbers are
// approximate; callers must not assume exactness.
type QueueStats struct {
	Waiting       int64   `json:"waiting"`
	Active        int64   `json:"active"`
	Delayed       int64   `json:"delayed"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	Paused        bool    `json:"paused"`
	QueueDepth    int64   `json:"queue_depth"`
	ErrorRate     float64 `json:"error_rate"`
	ActiveWorkers int     `json:"active_workers"`
}

// HealthStatus reports whether the provider can currently reach its
// backend.
type HealthStatus struct {
	Healthy    bool      `json:"healthy"`
	Message    string    `json:"message,omitempty"`
	QueueDepth int64     `json:"queue_depth"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Handler processes one job. A nil return acks the job; a non-nil
// return nacks it.
type Handler func(ctx context.Context, job *ActiveJob) error

// ProcessOptions tune a push provider's internal consume loop.
type ProcessOptions struct {
	Concurrency int
	OnError     func(err error)
}

// StopFunc stops a push provider's consume loop, waiting for in-flight
// handlers up to the context deadline.
type StopFunc func(ctx context.Context) error

// Provider is the contract every backend adapter implements. Methods
// return errors (normally *QueueError) for expected failure modes and
// never panic for them.
//
// GetJob may legitimately return (nil, nil) when the backend has no
// lookup-by-id primitive.
type Provider interface {
	Capabilities() ProviderCapabilities

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Add(ctx context.Context, job *Job, providerOptions map[string]string) error
	GetJob(ctx context.Context, id string) (*Job, error)

	// Pause and Resume are in-process, best-effort state on providers
	// whose backend has no native pause. They are neither durable nor
	// shared across adapter instances.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Delete removes the backing queue where the backend allows it.
	// Adapters for backends where deletion is an administrative
	// operation report UNSUPPORTED_FEATURE instead of emulating it.
	Delete(ctx context.Context) error

	Stats(ctx context.Context) (QueueStats, error)
	Health(ctx context.Context) (HealthStatus, error)
}

// PullProvider is the pull-model operation set: an external worker
// owns the loop, the provider supplies primitives.
type PullProvider interface {
	Provider

	// Fetch leases up to batchSize jobs, waiting up to wait for the
	// first one on backends that support long polling.
	Fetch(ctx context.Context, batchSize int, wait time.Duration) ([]*ActiveJob, error)
	// Ack settles a leased job permanently.
	Ack(ctx context.Context, job *ActiveJob) error
	// Nack returns a leased job to immediate visibility. No backoff is
	// applied here; backoff is a worker concern.
	Nack(ctx context.Context, job *ActiveJob, cause error) error
}

// PushProvider is the push-model operation set: the adapter owns its
// own fetch loop built on backend-native blocking primitives.
type PushProvider interface {
	Provider

	Process(ctx context.Context, handler Handler, opts ProcessOptions) (StopFunc, error)
}

// DeadLetterProvider is implemented by providers with a readable DLQ.
type DeadLetterProvider interface {
	DLQJobs(ctx context.Context, limit int) ([]*Job, error)
	RetryJob(ctx context.Context, id string) error
}

package jobs

import (
	"time"
)

// Status enumerates the lifecycle states of a job as seen by callers.
// Transitions: waiting/delayed -> active -> completed|failed. The
// authoritative state lives in the backend; these values describe what
// this process knows about a job at a point in time.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is the canonical, provider-independent job record.
//
// Attempts is always derived from the backend's own redelivery counter.
// No code in this module increments it locally, so it can never
// disagree with the backend's redrive decisions.
type Job struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	QueueName    string         `json:"queue_name"`
	Data         any            `json:"data"`
	Status       Status         `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	Priority     int            `json:"priority,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ActiveJob is a Job that has been fetched and is currently leased.
//
// ProviderMetadata carries whatever the backend needs to ack or nack
// this exact delivery (for SQS, the receipt handle). It exists only
// between a fetch and the matching ack/nack, is never part of the
// persisted job description, and is never cached in adapter state
// keyed by job id: two adapter processes holding the same job id must
// each be able to settle their own delivery using only the metadata
// embedded in the job value they hold.
type ActiveJob struct {
	Job
	ProviderMetadata map[string]string `json:"-"`
	ProcessedAt      time.Time         `json:"processed_at"`
}

// JobOptions are the per-call options recognized by Queue.Add.
// A zero value means "not requested" for every field.
type JobOptions struct {
	// JobID overrides the generated job id.
	JobID string
	// MaxAttempts caps backend redeliveries before dead-lettering.
	MaxAttempts int
	// Priority orders the job ahead of lower-priority jobs on
	// providers that support it.
	Priority int
	// Delay defers first visibility by the given duration.
	Delay time.Duration
	// Metadata is an opaque side channel carried with the job.
	Metadata map[string]any
	// ProviderOptions is a backend-specific passthrough bag. Each
	// provider copies only an allowlisted set of keys into its
	// outbound command and silently drops everything else.
	ProviderOptions map[string]string
}

// Clone returns a deep-enough copy of o: the maps are copied so that
// capability degradation and provider sanitization never mutate
// caller-owned state.
func (o JobOptions) Clone() JobOptions {
	out := o
	if o.Metadata != nil {
		out.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			out.Metadata[k] = v
		}
	}
	if o.ProviderOptions != nil {
		out.ProviderOptions = make(map[string]string, len(o.ProviderOptions))
		for k, v := range o.ProviderOptions {
			out.ProviderOptions[k] = v
		}
	}
	return out
}

package jobs

import "time"

// ProviderCapabilities declares what a provider can do and the hard
// limits it enforces. It is a static value: the façade reads it during
// capability negotiation and providers never change it at runtime.
type ProviderCapabilities struct {
	SupportsDelayedJobs bool
	SupportsPriority    bool
	SupportsRetries     bool
	SupportsDLQ         bool
	SupportsBatching    bool
	SupportsLongPolling bool

	// MaxJobSize is the total serialized size (payload plus carried
	// attributes) a single job may occupy, in bytes. Zero means no
	// limit.
	MaxJobSize int
	// MaxBatchSize is the largest batch a single fetch may request.
	MaxBatchSize int
	// MaxDelay is the longest deferral the backend accepts.
	MaxDelay time.Duration
}

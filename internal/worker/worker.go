// Package worker drives the fetch/ack/nack loop for pull providers.
// The adapter supplies primitives; the worker owns concurrency,
// dispatch, and pacing. Retry backoff lives here if anywhere — the
// adapters deliberately nack for immediate redelivery.
package worker

import (
	"context"
	"log"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"queue-abstraction/internal/jobs"
	"queue-abstraction/internal/queue"
	"queue-abstraction/internal/telemetry"
)

// Handler executes a job for a given job name.
type Handler func(ctx context.Context, job *jobs.ActiveJob) error

// Options tune the worker loop.
type Options struct {
	Concurrency int
	BatchSize   int
	FetchWait   time.Duration
	// PollLull is the pause after an empty fetch, for providers
	// without long polling.
	PollLull time.Duration
	Logger   *log.Logger
}

// Worker consumes one queue through its façade.
type Worker struct {
	queue          *queue.Queue
	handlers       map[string]Handler
	defaultHandler Handler
	opts           Options
}

// New builds a worker over q. Defaults: one slot, batch of one,
// one-second lull.
func New(q *queue.Queue, opts Options) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.PollLull <= 0 {
		opts.PollLull = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Worker{queue: q, handlers: make(map[string]Handler), opts: opts}
}

// RegisterHandler binds a handler to a job name.
func (w *Worker) RegisterHandler(jobName string, handler Handler) {
	if jobName == "" || handler == nil {
		return
	}
	w.handlers[jobName] = handler
}

// RegisterDefaultHandler sets the fallback for job names with no
// registered handler. Without one, unknown jobs are nacked.
func (w *Worker) RegisterDefaultHandler(handler Handler) {
	w.defaultHandler = handler
}

// Run fetches and dispatches until the context is cancelled. Fetch
// errors back off exponentially with jitter so a broken backend is not
// hammered.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	consecutiveErrs := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := w.queue.Fetch(ctx, w.opts.BatchSize, w.opts.FetchWait)
		if err != nil {
			if qe, ok := jobs.AsQueueError(err); ok && qe.Code == jobs.CodeShutdown {
				return nil
			}
			consecutiveErrs++
			w.opts.Logger.Printf("worker %s: fetch failed: %v", w.queue.Name(), err)
			if !jobs.IsRetryable(err) && consecutiveErrs > 5 {
				return err
			}
			if !sleepCtx(ctx, backoffWithJitter(w.opts.PollLull, 30*time.Second, consecutiveErrs)) {
				return ctx.Err()
			}
			continue
		}
		consecutiveErrs = 0

		if len(batch) == 0 {
			if !sleepCtx(ctx, w.opts.PollLull) {
				return ctx.Err()
			}
			continue
		}

		for _, active := range batch {
			sem <- struct{}{}
			wg.Add(1)
			go func(active *jobs.ActiveJob) {
				defer wg.Done()
				defer func() { <-sem }()
				w.dispatch(ctx, active)
			}(active)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, active *jobs.ActiveJob) {
	handler, ok := w.handlers[active.Name]
	if !ok {
		handler = w.defaultHandler
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if handler == nil {
		w.opts.Logger.Printf("worker %s: no handler for job %s (%s)", w.queue.Name(), active.ID, active.Name)
		if err := w.queue.Nack(ctx, active, errNoHandler); err != nil {
			w.opts.Logger.Printf("worker %s: nack %s failed: %v", w.queue.Name(), active.ID, err)
		}
		return
	}

	if herr := handler(ctx, active); herr != nil {
		w.opts.Logger.Printf("worker %s: job %s attempt %d failed: %v", w.queue.Name(), active.ID, active.Attempts+1, herr)
		if err := w.queue.Nack(ctx, active, herr); err != nil {
			w.opts.Logger.Printf("worker %s: nack %s failed: %v", w.queue.Name(), active.ID, err)
		}
		return
	}
	if err := w.queue.Ack(ctx, active); err != nil {
		w.opts.Logger.Printf("worker %s: ack %s failed: %v", w.queue.Name(), active.ID, err)
	}
}

var errNoHandler = &jobs.QueueError{
	Category:  jobs.CategoryConfiguration,
	Code:      jobs.CodeInvalidConfig,
	Message:   "no handler registered for job name",
	Retryable: false,
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

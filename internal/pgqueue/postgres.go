// Package pgqueue implements the pull-model provider on Postgres. Rows
// are claimed with FOR UPDATE SKIP LOCKED and leased via a per-fetch
// token column; the token travels only in ActiveJob.ProviderMetadata,
// mirroring the receipt-handle discipline of the SQS adapter.
package pgqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"queue-abstraction/internal/jobs"
	"queue-abstraction/internal/telemetry"
)

const metaLeaseToken = "leaseToken"

// Provider serves one logical queue from a shared queue_jobs table.
type Provider struct {
	pool       *pgxpool.Pool
	queueName  string
	visibility time.Duration
	logger     *log.Logger

	paused   atomic.Bool
	shutdown atomic.Bool
}

var (
	_ jobs.PullProvider       = (*Provider)(nil)
	_ jobs.DeadLetterProvider = (*Provider)(nil)
)

// New creates a pooled connection to Postgres and binds it to one
// logical queue.
func New(ctx context.Context, dsn, queueName string, visibility time.Duration, logger *log.Logger) (*Provider, error) {
	if queueName == "" {
		return nil, errors.New("pgqueue: queue name must not be empty")
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: connect postgres: %w", err)
	}
	return &Provider{pool: pool, queueName: queueName, visibility: visibility, logger: logger}, nil
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
		SupportsBatching:    true,
		SupportsLongPolling: false,
	}
}

func (p *Provider) Connect(ctx context.Context) error {
	if err := p.gate("connect"); err != nil {
		return err
	}
	if err := p.pool.Ping(ctx); err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("connect: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}
	return nil
}

// Disconnect flips the shutdown flag and closes the pool.
func (p *Provider) Disconnect(ctx context.Context) error {
	if p.shutdown.Swap(true) {
		return nil
	}
	p.pool.Close()
	return nil
}

func (p *Provider) Add(ctx context.Context, job *jobs.Job, _ map[string]string) error {
	if err := p.gate("add"); err != nil {
		return err
	}
	payload, err := json.Marshal(job.Data)
	if err != nil {
		return jobs.NewDataError(jobs.CodeSerialization,
			fmt.Sprintf("cannot serialize job payload: %v", err)).
			WithQueue(p.queueName).WithJob(job.ID).WithCause(err)
	}
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return jobs.NewDataError(jobs.CodeSerialization,
			fmt.Sprintf("cannot serialize job metadata: %v", err)).
			WithQueue(p.queueName).WithJob(job.ID).WithCause(err)
	}

	scheduled := job.CreatedAt
	if job.ScheduledFor != nil {
		scheduled = *job.ScheduledFor
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO queue_jobs (id, queue_name, name, payload, metadata, status, receives, max_attempts, priority, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
	`, job.ID, p.queueName, job.Name, payload, metadata, string(job.Status), job.MaxAttempts, job.Priority, scheduled, job.CreatedAt)
	if err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("add: %v", err), true).WithQueue(p.queueName).WithJob(job.ID).WithCause(err)
	}
	telemetry.JobsEnqueued.Inc()
	return nil
}

// Fetch reclaims expired leases, then claims up to batchSize due rows
// under SKIP LOCKED so concurrent workers never receive the same row.
func (p *Provider) Fetch(ctx context.Context, batchSize int, _ time.Duration) ([]*jobs.ActiveJob, error) {
	if err := p.gate("fetch"); err != nil {
		return nil, err
	}
	if p.paused.Load() {
		return nil, nil
	}
	if batchSize < 1 {
		batchSize = 1
	}

	// Expired leases go back to waiting; the receive counter keeps its
	// value, so attempts still reflect every delivery.
	_, _ = p.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'waiting', lease_token = NULL, lease_expires = NULL, updated_at = NOW()
		WHERE queue_name = $1 AND status = 'active' AND lease_expires < NOW()
	`, p.queueName)

	token := uuid.NewString()
	rows, err := p.pool.Query(ctx, `
		UPDATE queue_jobs
		SET status = 'active', receives = receives + 1,
		    lease_token = $3, lease_expires = NOW() + $4, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue_name = $1 AND status IN ('waiting', 'delayed') AND scheduled_for <= NOW()
			ORDER BY priority DESC, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, payload, metadata, receives, max_attempts, priority, created_at
	`, p.queueName, batchSize, token, p.visibility)
	if err != nil {
		return nil, jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("fetch: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []*jobs.ActiveJob
	for rows.Next() {
		var (
			job      jobs.Job
			payload  []byte
			metadata []byte
			receives int
		)
		if err := rows.Scan(&job.ID, &job.Name, &payload, &metadata, &receives, &job.MaxAttempts, &job.Priority, &job.CreatedAt); err != nil {
			return nil, jobs.NewRuntimeError(jobs.CodeConnection,
				fmt.Sprintf("fetch: scan: %v", err), true).WithQueue(p.queueName).WithCause(err)
		}
		job.QueueName = p.queueName
		job.Status = jobs.StatusActive
		job.Attempts = receives - 1
		// A row whose payload no longer parses is a poison pill: drop
		// the claim and the row so it cannot loop forever.
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &job.Data); err != nil {
				telemetry.PoisonPills.Inc()
				p.logger.Printf("pg queue %s: dropping undecodable job %s: %v", p.queueName, job.ID, err)
				_, _ = p.pool.Exec(ctx, `DELETE FROM queue_jobs WHERE id = $1`, job.ID)
				continue
			}
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &job.Metadata)
		}
		out = append(out, &jobs.ActiveJob{
			Job:              job,
			ProviderMetadata: map[string]string{metaLeaseToken: token},
			ProcessedAt:      now,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("fetch: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}
	telemetry.JobsFetched.Add(float64(len(out)))
	return out, nil
}

func (p *Provider) leaseOf(job *jobs.ActiveJob) (string, *jobs.QueueError) {
	var token string
	if job != nil {
		token = job.ProviderMetadata[metaLeaseToken]
	}
	if token == "" {
		id := ""
		if job != nil {
			id = job.ID
		}
		return "", jobs.NewRuntimeError(jobs.CodeProcessing,
			"lease not found — may have already expired or been processed", false).
			WithQueue(p.queueName).WithJob(id)
	}
	return token, nil
}

// Ack deletes the row, but only while the caller still holds the
// lease.
func (p *Provider) Ack(ctx context.Context, job *jobs.ActiveJob) error {
	if err := p.gate("ack"); err != nil {
		return err
	}
	token, qerr := p.leaseOf(job)
	if qerr != nil {
		return qerr
	}
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM queue_jobs
		WHERE id = $1 AND lease_token = $2 AND status = 'active'
	`, job.ID, token)
	if err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("ack: %v", err), true).WithQueue(p.queueName).WithJob(job.ID).WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.NewRuntimeError(jobs.CodeProcessing,
			"lease not found — may have already expired or been processed", false).
			WithQueue(p.queueName).WithJob(job.ID)
	}
	telemetry.JobsAcked.Inc()
	return nil
}

// Nack releases the lease for immediate redelivery, or dead-letters
// the row once its receive count has reached MaxAttempts.
func (p *Provider) Nack(ctx context.Context, job *jobs.ActiveJob, cause error) error {
	if err := p.gate("nack"); err != nil {
		return err
	}
	token, qerr := p.leaseOf(job)
	if qerr != nil {
		return qerr
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = CASE WHEN max_attempts > 0 AND receives >= max_attempts THEN 'failed' ELSE 'waiting' END,
		    scheduled_for = NOW(), lease_token = NULL, lease_expires = NULL,
		    last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND status = 'active'
	`, job.ID, token, lastError)
	if err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("nack: %v", err), true).WithQueue(p.queueName).WithJob(job.ID).WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.NewRuntimeError(jobs.CodeProcessing,
			"lease not found — may have already expired or been processed", false).
			WithQueue(p.queueName).WithJob(job.ID)
	}
	telemetry.JobsNacked.Inc()
	return nil
}

func (p *Provider) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if err := p.gate("getJob"); err != nil {
		return nil, err
	}
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, payload, metadata, status, receives, max_attempts, priority, scheduled_for, created_at
		FROM queue_jobs WHERE id = $1 AND queue_name = $2
	`, id, p.queueName)

	job, err := scanJob(row, p.queueName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("getJob: %v", err), true).WithQueue(p.queueName).WithJob(id).WithCause(err)
	}
	return job, nil
}

func scanJob(row pgx.Row, queueName string) (*jobs.Job, error) {
	var (
		job       jobs.Job
		payload   []byte
		metadata  []byte
		status    string
		receives  int
		scheduled pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.Name, &payload, &metadata, &status, &receives, &job.MaxAttempts, &job.Priority, &scheduled, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.QueueName = queueName
	job.Status = jobs.Status(status)
	job.Attempts = receives - 1
	if job.Attempts < 0 {
		job.Attempts = 0
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &job.Data)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &job.Metadata)
	}
	if scheduled.Valid && scheduled.Time.After(job.CreatedAt) {
		t := scheduled.Time
		job.ScheduledFor = &t
	}
	return &job, nil
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

// Delete removes every row belonging to this logical queue.
func (p *Provider) Delete(ctx context.Context) error {
	if err := p.gate("delete"); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM queue_jobs WHERE queue_name = $1`, p.queueName); err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("delete: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}
	return nil
}

func (p *Provider) Stats(ctx context.Context) (jobs.QueueStats, error) {
	if err := p.gate("getStats"); err != nil {
		return jobs.QueueStats{}, err
	}
	rows, err := p.pool.Query(ctx, `
		SELECT
			CASE
				WHEN status = 'active' THEN 'active'
				WHEN status = 'failed' THEN 'failed'
				WHEN scheduled_for > NOW() THEN 'delayed'
				ELSE 'waiting'
			END AS bucket, COUNT(*)
		FROM queue_jobs WHERE queue_name = $1
		GROUP BY bucket
	`, p.queueName)
	if err != nil {
		return jobs.QueueStats{}, jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("getStats: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}
	defer rows.Close()

	stats := jobs.QueueStats{Paused: p.paused.Load()}
	for rows.Next() {
		var bucket string
		var n int64
		if err := rows.Scan(&bucket, &n); err != nil {
			return jobs.QueueStats{}, jobs.NewRuntimeError(jobs.CodeConnection,
				fmt.Sprintf("getStats: scan: %v", err), true).WithQueue(p.queueName).WithCause(err)
		}
		switch bucket {
		case "waiting":
			stats.Waiting = n
		case "active":
			stats.Active = n
		case "delayed":
			stats.Delayed = n
		case "failed":
			stats.Failed = n
		}
	}
	stats.QueueDepth = stats.Waiting + stats.Active + stats.Delayed
	return stats, rows.Err()
}

func (p *Provider) Health(ctx context.Context) (jobs.HealthStatus, error) {
	if err := p.gate("getHealth"); err != nil {
		return jobs.HealthStatus{}, err
	}
	status := jobs.HealthStatus{CheckedAt: time.Now().UTC()}
	if err := p.pool.Ping(ctx); err != nil {
		status.Message = err.Error()
		return status, nil
	}
	if stats, err := p.Stats(ctx); err == nil {
		status.QueueDepth = stats.QueueDepth
	}
	status.Healthy = true
	return status, nil
}

// DLQJobs lists failed rows. They stay in the table until retried or
// deleted by an operator.
func (p *Provider) DLQJobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	if err := p.gate("getDLQJobs"); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 1
	}
	telemetry.DLQReads.Inc()
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, payload, metadata, status, receives, max_attempts, priority, scheduled_for, created_at
		FROM queue_jobs WHERE queue_name = $1 AND status = 'failed'
		ORDER BY updated_at DESC LIMIT $2
	`, p.queueName, limit)
	if err != nil {
		return nil, jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("getDLQJobs: %v", err), true).WithQueue(p.queueName).WithCause(err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows, p.queueName)
		if err != nil {
			return nil, jobs.NewRuntimeError(jobs.CodeConnection,
				fmt.Sprintf("getDLQJobs: scan: %v", err), true).WithQueue(p.queueName).WithCause(err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// RetryJob moves one failed row back to waiting. Postgres makes this a
// single atomic statement, so unlike SQS it is offered.
func (p *Provider) RetryJob(ctx context.Context, id string) error {
	if err := p.gate("retryJob"); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'waiting', receives = 0, scheduled_for = NOW(),
		    lease_token = NULL, lease_expires = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND queue_name = $2 AND status = 'failed'
	`, id, p.queueName)
	if err != nil {
		return jobs.NewRuntimeError(jobs.CodeConnection,
			fmt.Sprintf("retryJob: %v", err), true).WithQueue(p.queueName).WithJob(id).WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.NewNotFoundError("dlq_job", id,
			fmt.Sprintf("job %s is not in the dead-letter queue", id)).WithQueue(p.queueName).WithJob(id)
	}
	return nil
}

package pgqueue

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id            TEXT PRIMARY KEY,
		queue_name    TEXT NOT NULL,
		name          TEXT NOT NULL,
		payload       JSONB,
		metadata      JSONB,
		status        TEXT NOT NULL,
		receives      INT NOT NULL DEFAULT 0,
		max_attempts  INT NOT NULL DEFAULT 1,
		priority      INT NOT NULL DEFAULT 0,
		scheduled_for TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		lease_token   TEXT,
		lease_expires TIMESTAMPTZ,
		last_error    TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS queue_jobs_claim_idx
		ON queue_jobs (queue_name, status, priority DESC, scheduled_for)`,
	`CREATE INDEX IF NOT EXISTS queue_jobs_lease_idx
		ON queue_jobs (queue_name, lease_expires)
		WHERE status = 'active'`,
}

// RunMigrations executes the schema statements in order. Each is
// idempotent, so reruns are safe.
func (p *Provider) RunMigrations(ctx context.Context) error {
	for i, sql := range migrations {
		if _, err := p.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}

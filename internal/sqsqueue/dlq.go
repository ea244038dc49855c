package sqsqueue

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"queue-abstraction/internal/jobs"
	"queue-abstraction/internal/telemetry"
)

// DLQJobs reads jobs from the dead-letter queue for inspection. It
// paginates in receive rounds, capped at dlqMaxRounds so a large limit
// cannot stretch latency unboundedly. The read is non-destructive:
// received messages stay in the DLQ (their short lease simply
// expires), and poison pills found here are logged but never deleted —
// they are the only forensic evidence of the corruption.
func (p *Provider) DLQJobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	if err := p.gate("getDLQJobs"); err != nil {
		return nil, err
	}
	if p.dlqURL == "" {
		return nil, jobs.NewConfigError(jobs.CodeUnsupportedFeature,
			"no dead-letter queue configured for this queue").WithQueue(p.queueName)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > dlqMaxLimit {
		limit = dlqMaxLimit
	}
	telemetry.DLQReads.Inc()

	out := make([]*jobs.Job, 0, limit)
	for round := 0; round < dlqMaxRounds && len(out) < limit; round++ {
		batch := limit - len(out)
		if batch > maxBatchSize {
			batch = maxBatchSize
		}
		resp, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(p.dlqURL),
			MaxNumberOfMessages:         int32(batch),
			WaitTimeSeconds:             0,
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			return nil, classify("getDLQJobs", err).WithQueue(p.queueName)
		}
		if len(resp.Messages) == 0 {
			break
		}
		for _, active := range p.mapMessages(ctx, resp.Messages, p.dlqURL, false) {
			job := active.Job
			job.Status = jobs.StatusFailed
			out = append(out, &job)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// RetryJob is refused: SQS has no atomic cross-queue move, and a
// fetch-then-send-then-delete sequence can lose or duplicate the job
// partway through. Redriving a DLQ belongs to the service's own
// console tooling.
func (p *Provider) RetryJob(ctx context.Context, id string) error {
	if err := p.gate("retryJob"); err != nil {
		return err
	}
	return jobs.NewRuntimeError(jobs.CodeNotImplemented,
		"moving a DLQ job back to the main queue is not atomic on SQS; use the console redrive", false).
		WithQueue(p.queueName).WithJob(id)
}

func attrCount(attrs map[string]string, name types.QueueAttributeName) int64 {
	if raw, ok := attrs[string(name)]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

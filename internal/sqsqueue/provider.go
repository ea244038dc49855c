// Package sqsqueue implements the pull-model provider on top of AWS
// SQS. The adapter is stateless with respect to leases: the receipt
// handle for a delivery travels only inside that delivery's
// ActiveJob.ProviderMetadata, so independent adapter processes can
// fetch, ack, and nack concurrently without coordination.
package sqsqueue

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"queue-abstraction/internal/jobs"
	"queue-abstraction/internal/telemetry"
)

// passthroughAllowlist names the provider options Add will copy into
// the outbound SendMessage command. Everything else in the bag is
// dropped without comment: this is a security boundary, so a caller
// relaying untrusted data cannot override the destination or body by
// injecting protected field names.
var passthroughAllowlist = map[string]struct{}{
	"MessageGroupId":         {},
	"MessageDeduplicationId": {},
}

// Provider is a queue-scoped SQS adapter. One instance serves one
// logical queue (and optionally its DLQ). Pause is in-process and
// best-effort: SQS has no native pause, and the flag is neither
// durable nor visible to other instances.
type Provider struct {
	client    Client
	queueName string
	queueURL  string
	dlqURL    string
	logger    *log.Logger

	paused   atomic.Bool
	shutdown atomic.Bool
}

var (
	_ jobs.PullProvider       = (*Provider)(nil)
	_ jobs.DeadLetterProvider = (*Provider)(nil)
)

// Capabilities reports SQS feature support and service limits. SQS has
// no priority ordering; retries and dead-lettering ride on the queue's
// redrive policy.
func (p *Provider) Capabilities() jobs.ProviderCapabilities {
	return jobs.ProviderCapabilities{
		SupportsDelayedJobs: true,
		SupportsPriority:    false,
		SupportsRetries:     true,
		SupportsDLQ:         p.dlqURL != "",
		SupportsBatching:    true,
		SupportsLongPolling: true,
		MaxJobSize:          maxMessageBytes,
		MaxBatchSize:        maxBatchSize,
		MaxDelay:            maxDelay,
	}
}

// gate short-circuits every public operation once Disconnect has run.
func (p *Provider) gate(op string) *jobs.QueueError {
	if p.shutdown.Load() {
		telemetry.ShutdownRejects.Inc()
		return jobs.NewRuntimeError(jobs.CodeShutdown,
			fmt.Sprintf("%s: provider has been disconnected", op), false).
			WithQueue(p.queueName)
	}
	return nil
}

// Connect verifies the queue is reachable.
func (p *Provider) Connect(ctx context.Context) error {
	if err := p.gate("connect"); err != nil {
		return err
	}
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return classify("connect", err).WithQueue(p.queueName)
	}
	return nil
}

// Disconnect flips the shutdown flag. In-flight calls finish or fail
// naturally; everything after this returns SHUTDOWN without touching
// the network.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.shutdown.Store(true)
	return nil
}

// Add sends one job. All validation — delay ceiling, serialized size,
// attribute count — happens before any network call.
func (p *Provider) Add(ctx context.Context, job *jobs.Job, providerOptions map[string]string) error {
	if err := p.gate("add"); err != nil {
		return err
	}

	delaySeconds, qerr := delayFor(job)
	if qerr != nil {
		return qerr
	}

	body, attrs, qerr := encodeEnvelope(job)
	if qerr != nil {
		return qerr
	}

	if n := len(attrs); n > maxMessageAttributes {
		return jobs.NewDataError(jobs.CodeValidation,
			fmt.Sprintf("job carries %d message attributes, SQS allows %d", n, maxMessageAttributes)).
			WithQueue(job.QueueName).WithJob(job.ID)
	}
	if size := messageSize(body, attrs); size > maxMessageBytes {
		return jobs.NewDataError(jobs.CodeValidation,
			fmt.Sprintf("serialized job is %d bytes, limit is %d", size, maxMessageBytes)).
			WithQueue(job.QueueName).WithJob(job.ID)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: attrs,
	}
	if delaySeconds > 0 {
		input.DelaySeconds = delaySeconds
	}
	applyProviderOptions(input, providerOptions)

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return classify("add", err).WithQueue(job.QueueName).WithJob(job.ID)
	}
	telemetry.JobsEnqueued.Inc()
	return nil
}

// delayFor translates ScheduledFor into whole SQS delay seconds. A
// request past the 15-minute ceiling is rejected client-side. A
// sub-second delay sends no delay at all — SQS has no sub-second
// granularity — while the job still reports status "delayed" locally.
// That mismatch is deliberate and tests assert on it.
func delayFor(job *jobs.Job) (int32, *jobs.QueueError) {
	if job.ScheduledFor == nil {
		return 0, nil
	}
	until := time.Until(*job.ScheduledFor)
	if until <= 0 {
		return 0, nil
	}
	if until > maxDelay {
		return 0, jobs.NewDataError(jobs.CodeValidation,
			fmt.Sprintf("delay of %s exceeds the maximum of %s", until.Round(time.Second), maxDelay)).
			WithQueue(job.QueueName).WithJob(job.ID)
	}
	return int32(until / time.Second), nil
}

// applyProviderOptions copies allowlisted passthrough fields onto the
// send command. Unknown keys, including attempts to smuggle QueueUrl
// or MessageBody, are dropped silently.
func applyProviderOptions(input *sqs.SendMessageInput, opts map[string]string) {
	for key, value := range opts {
		if _, ok := passthroughAllowlist[key]; !ok {
			continue
		}
		switch key {
		case "MessageGroupId":
			input.MessageGroupId = aws.String(value)
		case "MessageDeduplicationId":
			input.MessageDeduplicationId = aws.String(value)
		}
	}
}

// Fetch leases up to batchSize jobs. Batch size and wait time are
// clamped to the SQS protocol ceilings. While paused, Fetch returns an
// empty batch without calling the backend.
func (p *Provider) Fetch(ctx context.Context, batchSize int, wait time.Duration) ([]*jobs.ActiveJob, error) {
	if err := p.gate("fetch"); err != nil {
		return nil, err
	}
	if p.paused.Load() {
		return nil, nil
	}

	if batchSize < 1 {
		batchSize = 1
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}
	if wait < 0 {
		wait = 0
	}
	if wait > maxWait {
		wait = maxWait
	}

	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(p.queueURL),
		MaxNumberOfMessages:         int32(batchSize),
		WaitTimeSeconds:             int32(wait / time.Second),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, classify("fetch", err).WithQueue(p.queueName)
	}

	fetched := p.mapMessages(ctx, out.Messages, p.queueURL, true)
	telemetry.JobsFetched.Add(float64(len(fetched)))
	return fetched, nil
}

// mapMessages decodes a received batch. Each message is decoded inside
// its own failure boundary: a poison pill is logged with its SQS
// message id and excluded, never aborting the batch. On the main queue
// the pill is also deleted best-effort so it cannot loop through the
// redrive budget forever; on the DLQ it is preserved as forensic
// evidence.
func (p *Provider) mapMessages(ctx context.Context, msgs []types.Message, queueURL string, deletePoison bool) []*jobs.ActiveJob {
	out := make([]*jobs.ActiveJob, 0, len(msgs))
	for _, msg := range msgs {
		active, err := decodeMessage(msg, p.queueName, queueURL)
		if err != nil {
			telemetry.PoisonPills.Inc()
			p.logger.Printf("sqs queue %s: dropping undecodable message %s: %v",
				p.queueName, aws.ToString(msg.MessageId), err)
			if deletePoison && msg.ReceiptHandle != nil {
				if _, derr := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(queueURL),
					ReceiptHandle: msg.ReceiptHandle,
				}); derr != nil {
					p.logger.Printf("sqs queue %s: failed to delete poison message %s: %v",
						p.queueName, aws.ToString(msg.MessageId), derr)
				}
			}
			continue
		}
		out = append(out, active)
	}
	return out
}

// Ack deletes the leased message for good.
func (p *Provider) Ack(ctx context.Context, job *jobs.ActiveJob) error {
	if err := p.gate("ack"); err != nil {
		return err
	}
	receipt, queueURL, qerr := p.leaseOf(job)
	if qerr != nil {
		return qerr
	}
	if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		return classify("ack", err).WithQueue(p.queueName).WithJob(job.ID)
	}
	telemetry.JobsAcked.Inc()
	return nil
}

// Nack resets the message's visibility to zero so it is immediately
// eligible for redelivery. No backoff here: the queue's redrive policy
// decides when a chronically failing job dead-letters, and backoff is
// an external-worker concern.
func (p *Provider) Nack(ctx context.Context, job *jobs.ActiveJob, cause error) error {
	if err := p.gate("nack"); err != nil {
		return err
	}
	receipt, queueURL, qerr := p.leaseOf(job)
	if qerr != nil {
		return qerr
	}
	if _, err := p.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: 0,
	}); err != nil {
		return classify("nack", err).WithQueue(p.queueName).WithJob(job.ID)
	}
	telemetry.JobsNacked.Inc()
	return nil
}

// leaseOf extracts the receipt handle attached at fetch time. A
// missing handle is a settled fact, not a transient condition.
func (p *Provider) leaseOf(job *jobs.ActiveJob) (receipt, queueURL string, qerr *jobs.QueueError) {
	if job != nil {
		receipt = job.ProviderMetadata[metaReceiptHandle]
		queueURL = job.ProviderMetadata[metaQueueURL]
	}
	if receipt == "" {
		id := ""
		if job != nil {
			id = job.ID
		}
		return "", "", jobs.NewRuntimeError(jobs.CodeProcessing,
			"lease not found — may have already expired or been processed", false).
			WithQueue(p.queueName).WithJob(id)
	}
	if queueURL == "" {
		queueURL = p.queueURL
	}
	return receipt, queueURL, nil
}

// GetJob always returns (nil, nil): SQS has no lookup-by-id primitive
// and the adapter deliberately keeps no local index.
func (p *Provider) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if err := p.gate("getJob"); err != nil {
		return nil, err
	}
	return nil, nil
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

// Delete reports UNSUPPORTED_FEATURE: physical queue deletion is a
// console/CLI administrative action, not something this adapter
// emulates.
func (p *Provider) Delete(ctx context.Context) error {
	if err := p.gate("delete"); err != nil {
		return err
	}
	return jobs.NewConfigError(jobs.CodeUnsupportedFeature,
		"queue deletion is an administrative operation; use the AWS console or CLI").
		WithQueue(p.queueName)
}

// Stats reads the queue's approximate counters. SQS counters are
// eventually consistent; treat them as estimates.
func (p *Provider) Stats(ctx context.Context) (jobs.QueueStats, error) {
	if err := p.gate("getStats"); err != nil {
		return jobs.QueueStats{}, err
	}
	out, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(p.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return jobs.QueueStats{}, classify("getStats", err).WithQueue(p.queueName)
	}

	stats := jobs.QueueStats{
		Waiting: attrCount(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessages),
		Active:  attrCount(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed: attrCount(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
		Paused:  p.paused.Load(),
	}
	stats.QueueDepth = stats.Waiting + stats.Active + stats.Delayed
	telemetry.QueueDepthGauge.Set(float64(stats.QueueDepth))
	return stats, nil
}

// Health is a thin wrapper over Stats.
func (p *Provider) Health(ctx context.Context) (jobs.HealthStatus, error) {
	if err := p.gate("getHealth"); err != nil {
		return jobs.HealthStatus{}, err
	}
	status := jobs.HealthStatus{CheckedAt: time.Now().UTC()}
	stats, err := p.Stats(ctx)
	if err != nil {
		status.Message = err.Error()
		return status, nil
	}
	status.Healthy = true
	status.QueueDepth = stats.QueueDepth
	return status, nil
}

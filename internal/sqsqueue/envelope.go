package sqsqueue

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	json "github.com/goccy/go-json"

	"queue-abstraction/internal/jobs"
)

// envelope is the message body wrapper. Payload and opaque metadata
// travel inside it; fields needed for filtering without a full decode
// travel as typed message attributes instead.
type envelope struct {
	JobData  any            `json:"_jobData"`
	Metadata map[string]any `json:"_metadata,omitempty"`
}

// Message attribute names. Dotted to keep them visually distinct from
// caller metadata keys.
const (
	attrJobID       = "job.id"
	attrJobName     = "job.name"
	attrMaxAttempts = "job.maxAttempts"
	attrCreatedAt   = "job.createdAt"
)

// Keys the adapter stores in ActiveJob.ProviderMetadata. The receipt
// handle is the lease token; it lives nowhere else.
const (
	metaReceiptHandle = "receiptHandle"
	metaMessageID     = "messageId"
	metaQueueURL      = "queueUrl"
)

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func numberAttr(v int64) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("Number"), StringValue: aws.String(strconv.FormatInt(v, 10))}
}

// encodeEnvelope serializes a job into an SQS message body plus typed
// attributes. Serialization failures (reference cycles, channels in
// the payload) come back as DataError/SERIALIZATION.
func encodeEnvelope(job *jobs.Job) (string, map[string]types.MessageAttributeValue, *jobs.QueueError) {
	body, err := json.Marshal(envelope{JobData: job.Data, Metadata: job.Metadata})
	if err != nil {
		return "", nil, jobs.NewDataError(jobs.CodeSerialization,
			fmt.Sprintf("cannot serialize job payload: %v", err)).
			WithQueue(job.QueueName).WithJob(job.ID).WithCause(err)
	}

	attrs := map[string]types.MessageAttributeValue{
		attrJobID:       stringAttr(job.ID),
		attrJobName:     stringAttr(job.Name),
		attrMaxAttempts: numberAttr(int64(job.MaxAttempts)),
		attrCreatedAt:   numberAttr(job.CreatedAt.UnixMilli()),
	}
	return string(body), attrs, nil
}

// messageSize sums the body and every attribute name, type, and value,
// matching how SQS accounts a message against its size limit.
func messageSize(body string, attrs map[string]types.MessageAttributeValue) int {
	size := len(body)
	for name, attr := range attrs {
		size += len(name)
		if attr.DataType != nil {
			size += len(*attr.DataType)
		}
		if attr.StringValue != nil {
			size += len(*attr.StringValue)
		}
		size += len(attr.BinaryValue)
	}
	return size
}

// decodeMessage maps one received SQS message to an ActiveJob. Attempts
// is derived from the service's own ApproximateReceiveCount; this code
// keeps no counter of its own.
func decodeMessage(msg types.Message, queueName, queueURL string) (*jobs.ActiveJob, error) {
	idAttr, ok := msg.MessageAttributes[attrJobID]
	if !ok || idAttr.StringValue == nil || *idAttr.StringValue == "" {
		return nil, fmt.Errorf("message missing required %s attribute", attrJobID)
	}

	var env envelope
	if msg.Body == nil {
		return nil, fmt.Errorf("message has no body")
	}
	if err := json.Unmarshal([]byte(*msg.Body), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	receiveCount := 1
	if raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			receiveCount = n
		}
	}

	job := jobs.Job{
		ID:        *idAttr.StringValue,
		QueueName: queueName,
		Data:      env.JobData,
		Status:    jobs.StatusActive,
		Attempts:  receiveCount - 1,
		Metadata:  env.Metadata,
	}
	if attr, ok := msg.MessageAttributes[attrJobName]; ok && attr.StringValue != nil {
		job.Name = *attr.StringValue
	}
	if attr, ok := msg.MessageAttributes[attrMaxAttempts]; ok && attr.StringValue != nil {
		if n, err := strconv.Atoi(*attr.StringValue); err == nil {
			job.MaxAttempts = n
		}
	}
	if attr, ok := msg.MessageAttributes[attrCreatedAt]; ok && attr.StringValue != nil {
		if ms, err := strconv.ParseInt(*attr.StringValue, 10, 64); err == nil {
			job.CreatedAt = time.UnixMilli(ms).UTC()
		}
	}

	meta := map[string]string{metaQueueURL: queueURL}
	if msg.ReceiptHandle != nil {
		meta[metaReceiptHandle] = *msg.ReceiptHandle
	}
	if msg.MessageId != nil {
		meta[metaMessageID] = *msg.MessageId
	}

	return &jobs.ActiveJob{
		Job:              job,
		ProviderMetadata: meta,
		ProcessedAt:      time.Now().UTC(),
	}, nil
}

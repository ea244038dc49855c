package sqsqueue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Client is the slice of the SQS API this adapter consumes. *sqs.Client
// satisfies it; tests substitute fakes.
type Client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

var _ Client = (*sqs.Client)(nil)

// SQS protocol ceilings. These are service limits, not tunables.
const (
	maxMessageBytes      = 256 * 1024
	maxDelay             = 900 * time.Second
	maxBatchSize         = 10
	maxWait              = 20 * time.Second
	maxMessageAttributes = 10

	// DLQ reads paginate in rounds of up to maxBatchSize; the round
	// cap bounds worst-case latency for large limits.
	dlqMaxRounds = 10
	dlqMaxLimit  = 100
)

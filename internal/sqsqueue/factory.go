package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"queue-abstraction/internal/jobs"
)

// FactoryConfig configures a Factory. Either Client is set, or Region
// must carry enough to build one. Queues maps logical queue names to
// queue URLs; DLQs optionally maps the same names to their dead-letter
// queue URLs.
type FactoryConfig struct {
	Client   Client
	Region   string
	Endpoint string
	Queues   map[string]string
	DLQs     map[string]string
	Logger   *log.Logger
}

// Factory binds a shared SQS client to logical queue names. The
// providers it hands out hold nothing beyond the client, the names,
// and the URLs.
type Factory struct {
	client Client
	queues map[string]string
	dlqs   map[string]string
	logger *log.Logger
}

// NewFactory validates cfg and builds the shared client if one was not
// supplied. Malformed configuration is a programmer error and fails
// here, before any queue work starts.
func NewFactory(ctx context.Context, cfg FactoryConfig) (*Factory, error) {
	if len(cfg.Queues) == 0 {
		return nil, errors.New("sqsqueue: at least one queue mapping is required")
	}
	for name, url := range cfg.Queues {
		if name == "" || url == "" {
			return nil, fmt.Errorf("sqsqueue: queue mapping %q=%q is incomplete", name, url)
		}
	}

	client := cfg.Client
	if client == nil {
		if cfg.Region == "" {
			return nil, errors.New("sqsqueue: either a client or a region is required")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("sqsqueue: load aws config: %w", err)
		}
		client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	queues := make(map[string]string, len(cfg.Queues))
	for k, v := range cfg.Queues {
		queues[k] = v
	}
	dlqs := make(map[string]string, len(cfg.DLQs))
	for k, v := range cfg.DLQs {
		dlqs[k] = v
	}

	return &Factory{client: client, queues: queues, dlqs: dlqs, logger: logger}, nil
}

// Provider returns a queue-scoped provider for the logical queue name.
func (f *Factory) Provider(queueName string) (*Provider, error) {
	url, ok := f.queues[queueName]
	if !ok {
		return nil, jobs.NewConfigError(jobs.CodeQueueNotFound,
			fmt.Sprintf("no queue URL mapped for %q", queueName)).WithQueue(queueName)
	}
	return &Provider{
		client:    f.client,
		queueName: queueName,
		queueURL:  url,
		dlqURL:    f.dlqs[queueName],
		logger:    f.logger,
	}, nil
}

// NewProvider builds a single standalone provider, mostly for tests
// and small tools that do not need the factory indirection.
func NewProvider(client Client, queueName, queueURL, dlqURL string, logger *log.Logger) *Provider {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Provider{client: client, queueName: queueName, queueURL: queueURL, dlqURL: dlqURL, logger: logger}
}

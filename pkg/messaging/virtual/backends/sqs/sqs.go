// Package sqs is a virtual-transport backend over Amazon SQS. Each logical
// queue maps to one SQS queue (created lazily). Get receives with the
// configured SQS visibility timeout and records the receipt handle for
// DeleteMessage; the engine's Channel does not call DeleteMessage, so
// deliveries made through a Channel are tracked and restored by the
// engine's generic QoS path, as for every other backend.
package sqs

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/fenwick-systems/vtransport/pkg/errors"
	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual"
	"github.com/google/uuid"
)

// Config holds SQS connection and queue-shape parameters.
type Config struct {
	Region             string `env:"VT_SQS_REGION" env-default:"us-east-1"`
	Endpoint           string `env:"VT_SQS_ENDPOINT"`
	QueueNamePrefix    string `env:"VT_SQS_QUEUE_PREFIX" env-default:"vtransport-"`
	FIFO               bool   `env:"VT_SQS_FIFO"`
	VisibilityTimeout  int32  `env:"VT_SQS_VISIBILITY_TIMEOUT" env-default:"30"`
	WaitTimeSeconds    int32  `env:"VT_SQS_WAIT_TIME_SECONDS" env-default:"1"`
}

// Backend implements virtual.Backend over Amazon SQS.
type Backend struct {
	client *sqs.Client
	cfg    Config

	mu        sync.Mutex
	queueURLs map[string]string
	// receiptHandles maps an SQS MessageId (recorded by Get) to the SQS
	// receipt handle needed to delete it, since Backend.Get only returns a
	// payload.
	receiptHandles map[string]string
}

// New builds an SQS backend from the ambient AWS config chain (environment,
// shared config, EC2 instance role, ...).
func New(ctx context.Context, cfg Config) (*Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config for SQS transport backend")
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Backend{
		client:         client,
		cfg:            cfg,
		queueURLs:      make(map[string]string),
		receiptHandles: make(map[string]string),
	}, nil
}

func (b *Backend) physicalName(queue string) string {
	name := b.cfg.QueueNamePrefix + queue
	if b.cfg.FIFO && !strings.HasSuffix(name, ".fifo") {
		name += ".fifo"
	}
	return name
}

func (b *Backend) queueURL(ctx context.Context, queue string) (string, error) {
	b.mu.Lock()
	if url, ok := b.queueURLs[queue]; ok {
		b.mu.Unlock()
		return url, nil
	}
	b.mu.Unlock()

	name := b.physicalName(queue)
	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		attrs := map[string]string{}
		if b.cfg.FIFO {
			attrs["FifoQueue"] = "true"
		}
		created, createErr := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{
			QueueName:  aws.String(name),
			Attributes: attrs,
		})
		if createErr != nil {
			return "", errors.Wrap(createErr, "failed to create SQS queue "+name)
		}
		b.mu.Lock()
		b.queueURLs[queue] = *created.QueueUrl
		b.mu.Unlock()
		return *created.QueueUrl, nil
	}

	b.mu.Lock()
	b.queueURLs[queue] = *out.QueueUrl
	b.mu.Unlock()
	return *out.QueueUrl, nil
}

// Put sends a message. priority is accepted for interface symmetry but SQS
// has no native priority; callers wanting priority ordering should rely on
// the engine's bucket-queue emulation instead (SPEC supplements FIFO
// group/dedup IDs here, which serve an orthogonal ordering concern).
func (b *Backend) Put(ctx context.Context, queue string, payload []byte, _ int) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(payload)),
	}
	if b.cfg.FIFO {
		input.MessageGroupId = aws.String(queue)
		input.MessageDeduplicationId = aws.String(uuid.New().String())
	}
	if _, err := b.client.SendMessage(ctx, input); err != nil {
		return errors.Wrap(err, "failed to send message to SQS queue "+queue)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, queue string) ([]byte, error) {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: 1,
		VisibilityTimeout:   b.cfg.VisibilityTimeout,
		WaitTimeSeconds:     b.cfg.WaitTimeSeconds,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to receive message from SQS queue "+queue)
	}
	if len(out.Messages) == 0 {
		return nil, virtual.ErrEmpty
	}
	msg := out.Messages[0]

	b.mu.Lock()
	b.receiptHandles[*msg.MessageId] = *msg.ReceiptHandle
	b.mu.Unlock()

	return []byte(*msg.Body), nil
}

// DeleteMessage removes a received message permanently, addressed by its
// SQS MessageId, the key under which Get recorded its receipt handle; an
// unknown MessageId is a no-op. virtual.Channel.BasicAck does not call it,
// and Get returns only the body, so the MessageId is not carried through
// the engine's envelope.
func (b *Backend) DeleteMessage(ctx context.Context, queue, messageID string) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	b.mu.Lock()
	handle, ok := b.receiptHandles[messageID]
	if ok {
		delete(b.receiptHandles, messageID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	_, err = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return errors.Wrap(err, "failed to delete SQS message "+messageID)
	}
	return nil
}

func (b *Backend) Size(ctx context.Context, queue string) (int, error) {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to get attributes for SQS queue "+queue)
	}
	raw := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (b *Backend) Purge(ctx context.Context, queue string) (int, error) {
	n, err := b.Size(ctx, queue)
	if err != nil {
		return 0, err
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	if _, err := b.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(url)}); err != nil {
		return 0, errors.Wrap(err, "failed to purge SQS queue "+queue)
	}
	return n, nil
}

func (b *Backend) Delete(ctx context.Context, queue string) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	if _, err := b.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)}); err != nil {
		return errors.Wrap(err, "failed to delete SQS queue "+queue)
	}
	b.mu.Lock()
	delete(b.queueURLs, queue)
	b.mu.Unlock()
	return nil
}

func (b *Backend) HasQueue(ctx context.Context, queue string) (bool, error) {
	name := b.physicalName(queue)
	_, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return false, nil
	}
	return true, nil
}

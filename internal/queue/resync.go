// Package queue provides the SQS-based resync pipeline: the API produces
// resync requests, the reconciler worker consumes them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"voicegate/internal/config"
	"voicegate/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSReceiver abstracts the SQS receive/delete pair used by the consumer.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// ResyncMessage is the JSON body carried on the resync queue.
type ResyncMessage struct {
	TraceID     string    `json:"trace_id"`
	DeviceKey   string    `json:"device_key"`
	RequestedAt time.Time `json:"requested_at"`
}

// ResyncProducer enqueues device resync requests.
type ResyncProducer struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewResyncProducer creates a ResyncProducer reading the queue URL from the
// AWS configuration.
func NewResyncProducer(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *ResyncProducer {
	return &ResyncProducer{
		client:   client,
		queueURL: awsCfg.ResyncQueueURL,
		logger:   logger,
	}
}

// Enqueue serializes a ResyncMessage for the device and sends it to the
// resync queue.
func (p *ResyncProducer) Enqueue(ctx context.Context, deviceKey string) error {
	if !types.ValidDeviceKey(deviceKey) {
		return types.NewAppError(types.ErrCodeValidationDeviceKey, "invalid device key for resync", nil)
	}

	msg := ResyncMessage{
		TraceID:     uuid.NewString(),
		DeviceKey:   deviceKey,
		RequestedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ResyncMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"device_key": {
				DataType:    aws.String("String"),
				StringValue: aws.String(deviceKey),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send resync message to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "resync message sent",
		"queue_url", p.queueURL,
		"trace_id", msg.TraceID,
		"device_key", deviceKey,
	)

	return nil
}

// ResyncConsumer long-polls the resync queue and hands each message to the
// handler. Messages are deleted only after the handler succeeds; failures
// stay on the queue and redrive per the queue's visibility timeout.
type ResyncConsumer struct {
	client    SQSReceiver
	queueURL  string
	waitTime  int32
	batchSize int32
	handler   func(ctx context.Context, msg ResyncMessage) error
	logger    *slog.Logger
}

// NewResyncConsumer creates a ResyncConsumer.
func NewResyncConsumer(
	client SQSReceiver,
	awsCfg config.AWSConfig,
	handler func(ctx context.Context, msg ResyncMessage) error,
	logger *slog.Logger,
) *ResyncConsumer {
	return &ResyncConsumer{
		client:    client,
		queueURL:  awsCfg.ResyncQueueURL,
		waitTime:  20,
		batchSize: 10,
		handler:   handler,
		logger:    logger,
	}
}

// Run polls until the context is canceled.
func (c *ResyncConsumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "resync queue poll failed",
				"queue_url", c.queueURL,
				"error", err,
			)
			// Back off briefly so a broken queue does not spin hot.
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *ResyncConsumer) poll(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.batchSize,
		WaitTimeSeconds:     c.waitTime,
	})
	if err != nil {
		return fmt.Errorf("queue: receive from %s: %w", c.queueURL, err)
	}

	for _, raw := range out.Messages {
		var msg ResyncMessage
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
			c.logger.ErrorContext(ctx, "dropping malformed resync message",
				"error", err,
			)
			c.delete(ctx, raw.ReceiptHandle)
			continue
		}

		if err := c.handler(ctx, msg); err != nil {
			c.logger.ErrorContext(ctx, "resync message handling failed",
				"trace_id", msg.TraceID,
				"device_key", msg.DeviceKey,
				"error", err,
			)
			// Leave the message in flight for redelivery.
			continue
		}

		c.delete(ctx, raw.ReceiptHandle)
	}

	return nil
}

func (c *ResyncConsumer) delete(ctx context.Context, receipt *string) {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receipt,
	}); err != nil {
		c.logger.WarnContext(ctx, "failed to delete resync message",
			"queue_url", c.queueURL,
			"error", err,
		)
	}
}

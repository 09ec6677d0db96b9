package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"go.uber.org/fx"

	"github.com/emergent-company/ocrfleet/pkg/logger"
)

var Module = fx.Module("queue",
	fx.Provide(fx.Annotate(NewSQSClient, fx.As(new(Client)))),
)

// SQSClient implements Client on Amazon SQS.
type SQSClient struct {
	client *sqs.Client
	log    *slog.Logger
}

// NewSQSClient creates an SQS-backed queue client
func NewSQSClient(awsCfg aws.Config, log *slog.Logger) *SQSClient {
	return &SQSClient{
		client: sqs.NewFromConfig(awsCfg),
		log:    log.With(logger.Scope("queue.sqs")),
	}
}

func (c *SQSClient) CreateQueue(ctx context.Context, name string) (string, error) {
	out, err := c.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		c.log.Error("failed to create queue", slog.String("queue", name), logger.Error(err))
		return "", fmt.Errorf("create queue %s: %w", name, err)
	}
	c.log.Info("queue ready", slog.String("queue", name))
	return aws.ToString(out.QueueUrl), nil
}

func (c *SQSClient) QueueURL(ctx context.Context, name string) (string, error) {
	out, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get queue url %s: %w", name, translate(err))
	}
	return aws.ToString(out.QueueUrl), nil
}

func (c *SQSClient) Send(ctx context.Context, queueURL, body string) error {
	_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", translate(err))
	}
	return nil
}

func (c *SQSClient) Receive(ctx context.Context, queueURL string, opts ReceiveOptions) ([]Message, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: int32(max(opts.MaxMessages, 1)),
		WaitTimeSeconds:     int32(opts.Wait.Seconds()),
		VisibilityTimeout:   int32(opts.Visibility.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", translate(err))
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (c *SQSClient) Delete(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", translate(err))
	}
	return nil
}

func (c *SQSClient) DeleteQueue(ctx context.Context, queueURL string) error {
	_, err := c.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{
		QueueUrl: aws.String(queueURL),
	})
	if err != nil {
		c.log.Error("failed to delete queue", slog.String("queue_url", queueURL), logger.Error(err))
		return fmt.Errorf("delete queue: %w", translate(err))
	}
	c.log.Info("queue deleted", slog.String("queue_url", queueURL))
	return nil
}

// translate maps missing-queue API errors onto ErrQueueNotFound, keeping the original in the chain.
func translate(err error) error {
	var notExist *types.QueueDoesNotExist
	if errors.As(err, &notExist) {
		return errors.Join(ErrQueueNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "QueueDoesNotExist", "AWS.SimpleQueueService.NonExistentQueue":
			return errors.Join(ErrQueueNotFound, err)
		}
	}
	return err
}

// Package queue is the message-queue collaborator: at-least-once delivery,
// visibility timeouts and explicit acknowledgement, addressed by queue URL.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueNotFound is returned when a queue name or URL does not resolve.
var ErrQueueNotFound = errors.New("queue not found")

// Message is one received delivery. ReceiptHandle acknowledges this delivery only.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// ReceiveOptions controls a single receive call.
type ReceiveOptions struct {
	MaxMessages int
	Wait        time.Duration
	Visibility  time.Duration
}

// Client is the queue surface the coordinator and workers depend on.
type Client interface {
	CreateQueue(ctx context.Context, name string) (string, error)
	QueueURL(ctx context.Context, name string) (string, error)
	Send(ctx context.Context, queueURL, body string) error
	Receive(ctx context.Context, queueURL string, opts ReceiveOptions) ([]Message, error)
	Delete(ctx context.Context, queueURL, receiptHandle string) error
	DeleteQueue(ctx context.Context, queueURL string) error
}

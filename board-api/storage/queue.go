package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const (
	drainBatch      = 32
	drainVisibility = 30 // seconds a dequeued message stays hidden
	maxDequeueCount = 5
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// FallbackQueue holds board updates that could not be published to Redis.
type FallbackQueue struct {
	client queueClient
	logger *log.Logger
}

// NewFallbackQueue connects to the named queue.
func NewFallbackQueue(connStr, queueName string, logger *log.Logger) (*FallbackQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    200 * time.Millisecond,
				MaxRetryDelay: 5 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := azqueue.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &FallbackQueue{client: svc.NewQueueClient(queueName), logger: logger}, nil
}

func (q *FallbackQueue) Enqueue(ctx context.Context, payload []byte) error {
	_, err := q.client.EnqueueMessage(ctx, string(payload), nil)
	return err
}

// Drain hands up to one batch of queued payloads to deliver and deletes those it
// accepted. Messages that keep failing are discarded after maxDequeueCount attempts.
func (q *FallbackQueue) Drain(ctx context.Context, deliver func(context.Context, []byte) error) (int, error) {
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  to.Ptr(int32(drainBatch)),
		VisibilityTimeout: to.Ptr(int32(drainVisibility)),
	})
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, msg := range resp.Messages {
		if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
			continue
		}
		var text string
		if msg.MessageText != nil {
			text = *msg.MessageText
		}
		if err := deliver(ctx, []byte(text)); err != nil {
			if msg.DequeueCount == nil || *msg.DequeueCount < maxDequeueCount {
				q.logger.WithError(err).WithField("message", *msg.MessageID).Warn("fallback delivery failed; leaving message queued")
				continue
			}
			q.logger.WithError(err).WithField("message", *msg.MessageID).Error("dropping undeliverable board update")
		} else {
			delivered++
		}
		if _, err := q.client.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
			q.logger.WithError(err).WithField("message", *msg.MessageID).Warn("failed to delete fallback message")
		}
	}
	return delivered, nil
}

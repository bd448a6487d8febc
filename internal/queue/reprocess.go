// Package queue provides the SQS producer that hands failed webhook events to
// the billing worker for another attempt.
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

	"tripledger/internal/config"
	"tripledger/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReprocessPublisher implements billing.ReprocessEnqueuer on top of SQS.
type ReprocessPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewReprocessPublisher reads the queue URL from the AWSConfig. It returns
// nil when no queue is configured so callers can leave enqueueing disabled.
func NewReprocessPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *ReprocessPublisher {
	if awsCfg.ReprocessQueueURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReprocessPublisher{
		client:   client,
		queueURL: awsCfg.ReprocessQueueURL,
		logger:   logger,
	}
}

// EnqueueReprocess serializes msg and sends it to the reprocess queue.
func (p *ReprocessPublisher) EnqueueReprocess(ctx context.Context, msg types.ReprocessMessage) error {
	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ReprocessMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Reason),
			},
			"trace_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.TraceID),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send reprocess message to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "reprocess message sent",
		"queue_url", p.queueURL,
		"event_id", msg.EventID,
		"event_type", msg.EventType,
		"trace_id", msg.TraceID,
		"reason", msg.Reason,
		"carries_payload", len(msg.Payload) > 0,
	)
	return nil
}

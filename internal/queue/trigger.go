// Package queue publishes reminder trigger messages to SQS. The external
// scheduler drops a fan_out message on a fixed cadence; the worker expands
// it into per-user messages through the same publisher.
package queue

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"wellpulse/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReminderTrigger wraps an SQS client to publish ReminderMessages onto the
// reminder queue.
type ReminderTrigger struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

func NewReminderTrigger(client SQSSender, queueURL string, logger types.Logger) *ReminderTrigger {
	return &ReminderTrigger{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish serializes the message and sends it to the reminder queue.
func (t *ReminderTrigger) Publish(ctx context.Context, msg types.ReminderMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize reminder message", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to publish reminder message", err)
	}

	t.logger.Info("reminder message published",
		"action", string(msg.Action),
		"user_id", msg.UserID,
		"trace_id", msg.TraceID,
	)
	return nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"import-worker-service/internal/entity"
)

// SQSAPI is the part of *sqs.Client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue leaves redelivery to SQS: an unacked message becomes visible
// again after the queue's visibility timeout and moves to the queue's
// dead-letter queue after its receive limit.
type SQSQueue struct {
	client            SQSAPI
	queueURL          string
	visibilityTimeout int32
}

func NewSQSQueue(client SQSAPI, queueURL string, visibilityTimeout time.Duration) *SQSQueue {
	return &SQSQueue{
		client:            client,
		queueURL:          queueURL,
		visibilityTimeout: int32(visibilityTimeout / time.Second),
	}
}

func (q *SQSQueue) Publish(ctx context.Context, msg entity.JobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job_id": {DataType: aws.String("String"), StringValue: aws.String(msg.JobID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

// Claim long-polls for one message. SQS caps the wait at 20 seconds.
func (q *SQSQueue) Claim(ctx context.Context, wait time.Duration) (Delivery, error) {
	waitSec := int32(wait / time.Second)
	if waitSec > 20 {
		waitSec = 20
	}
	if waitSec < 0 {
		waitSec = 0
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     waitSec,
		VisibilityTimeout:   q.visibilityTimeout,
	})
	if err != nil {
		return Delivery{}, fmt.Errorf("sqs receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return Delivery{}, ErrNoMessage
	}

	m := out.Messages[0]
	d := Delivery{Handle: aws.ToString(m.ReceiptHandle)}
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &d.Message); err != nil {
		_ = q.Ack(ctx, d)
		return Delivery{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return d, nil
}

func (q *SQSQueue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(d.Handle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// Extend pushes the message's visibility timeout out by the full configured
// timeout, counted from now.
func (q *SQSQueue) Extend(ctx context.Context, d Delivery) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.Handle),
		VisibilityTimeout: q.visibilityTimeout,
	})
	if err != nil {
		var (
			invalid     *types.ReceiptHandleIsInvalid
			notInflight *types.MessageNotInflight
		)
		if errors.As(err, &invalid) || errors.As(err, &notInflight) {
			return fmt.Errorf("%w: %v", ErrDeliveryLost, err)
		}
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}

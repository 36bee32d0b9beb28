package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"import-worker-service/internal/entity"
)

// RedisPublisher sends each snapshot with PUBLISH on channel prefix+key.
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisPublisher(rdb *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, key string, n entity.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.prefix+key, payload).Err()
}

// SNSAPI is the part of *sns.Client the publisher uses.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher sends every snapshot to one topic. Subscribers filter on the
// "destination" message attribute.
type SNSPublisher struct {
	client   SNSAPI
	topicARN string
}

func NewSNSPublisher(client SNSAPI, topicARN string) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN}
}

func (p *SNSPublisher) Publish(ctx context.Context, key string, n entity.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"destination": {DataType: aws.String("String"), StringValue: aws.String(key)},
			"status":      {DataType: aws.String("String"), StringValue: aws.String(string(n.Status))},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish to %s: %w", key, err)
	}
	return nil
}

// LogPublisher writes snapshots to the log. Used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, key string, n entity.Notification) error {
	p.log.Info("notification",
		zap.String("destination", key),
		zap.String("job_id", n.JobID.String()),
		zap.String("status", string(n.Status)),
		zap.String("severity", string(n.Severity)),
		zap.Int64("processed", n.ProcessedRecords),
		zap.Int64("errors", n.ErrorRecords),
		zap.String("message", n.Message),
	)
	return nil
}

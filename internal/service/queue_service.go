package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"import-worker-service/internal/entity"
)

var (
	// ErrNoMessage means Claim waited and nothing arrived.
	ErrNoMessage = errors.New("no message available")
	// ErrMalformedMessage is returned for payloads that cannot be decoded. They
	// are already removed from the channel when this is returned.
	ErrMalformedMessage = errors.New("malformed job message")
	// ErrDeliveryLost means the claim expired and the message went back to
	// the channel, so another worker may already hold it.
	ErrDeliveryLost = errors.New("delivery no longer claimed")
)

// Delivery is one claimed message. Handle identifies it for Ack and is
// specific to the channel implementation.
type Delivery struct {
	Message entity.JobMessage
	Handle  string
}

// Queue is the message channel between submission and the workers.
type Queue interface {
	Publish(ctx context.Context, msg entity.JobMessage) error
	Claim(ctx context.Context, wait time.Duration) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Extend renews the claim on d so a long import is not redelivered
	// while it is still running.
	Extend(ctx context.Context, d Delivery) error
}

// Reaper is implemented by channels that hold claimed but unacknowledged
// messages themselves and need them moved back after a crash.
type Reaper interface {
	RequeueStale(ctx context.Context, olderThan time.Duration, max int64) (int64, error)
}

type RedisKeys struct {
	Queue      string // pending messages, LPUSH in / BRPOPLPUSH out
	Processing string // claimed, not yet acknowledged
	ClaimedAt  string // hash: payload -> unix seconds of the claim
}

func DefaultRedisKeys(prefix string) RedisKeys {
	return RedisKeys{
		Queue:      prefix + ":queue",
		Processing: prefix + ":processing",
		ClaimedAt:  prefix + ":claimed_at",
	}
}

// RedisQueue is a reliable queue over Redis lists.
// Claim: BRPOPLPUSH queue -> processing, then stamps the claim time.
// Ack:   LREM from processing.
// A message that is never acked is moved back by RequeueStale once it is
// older than the visibility timeout, giving at-least-once delivery.
type RedisQueue struct {
	rdb  *redis.Client
	keys RedisKeys
	now  func() time.Time
}

func NewRedisQueue(rdb *redis.Client, keys RedisKeys) *RedisQueue {
	return &RedisQueue{rdb: rdb, keys: keys, now: time.Now}
}

func (q *RedisQueue) Publish(ctx context.Context, msg entity.JobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return q.rdb.LPush(ctx, q.keys.Queue, payload).Err()
}

func (q *RedisQueue) Claim(ctx context.Context, wait time.Duration) (Delivery, error) {
	if wait <= 0 {
		wait = time.Second
	}

	raw, err := q.rdb.BRPopLPush(ctx, q.keys.Queue, q.keys.Processing, wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, ErrNoMessage
		}
		return Delivery{}, err
	}

	if err := q.rdb.HSet(ctx, q.keys.ClaimedAt, raw, q.now().Unix()).Err(); err != nil {
		// без отметки времени сообщение всё равно вернёт reaper
		return Delivery{}, err
	}

	var msg entity.JobMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		_ = q.Ack(ctx, Delivery{Handle: raw})
		return Delivery{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return Delivery{Message: msg, Handle: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.keys.Processing, 1, d.Handle)
		p.HDel(ctx, q.keys.ClaimedAt, d.Handle)
		return nil
	})
	return err
}

// extendScript re-stamps a claim only while it is still held; an acked or
// requeued payload has no stamp.
var extendScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

func (q *RedisQueue) Extend(ctx context.Context, d Delivery) error {
	n, err := extendScript.Run(ctx, q.rdb, []string{q.keys.ClaimedAt}, d.Handle, q.now().Unix()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeliveryLost
	}
	return nil
}

// requeueScript moves one payload back only if it is still in processing, so
// a message acked between the scan and the move is not delivered twice.
var requeueScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  redis.call('HDEL', KEYS[3], ARGV[1])
  return 1
end
return 0
`)

// RequeueStale returns claimed messages older than olderThan to the head of
// the queue. Entries without a claim stamp get one now and are left alone.
func (q *RedisQueue) RequeueStale(ctx context.Context, olderThan time.Duration, max int64) (int64, error) {
	items, err := q.rdb.LRange(ctx, q.keys.Processing, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	now := q.now()
	var moved int64
	for _, raw := range items {
		if max > 0 && moved >= max {
			break
		}

		stamp, err := q.rdb.HGet(ctx, q.keys.ClaimedAt, raw).Result()
		if errors.Is(err, redis.Nil) {
			if err := q.rdb.HSetNX(ctx, q.keys.ClaimedAt, raw, now.Unix()).Err(); err != nil {
				return moved, err
			}
			continue
		}
		if err != nil {
			return moved, err
		}

		sec, err := strconv.ParseInt(stamp, 10, 64)
		if err == nil && now.Sub(time.Unix(sec, 0)) < olderThan {
			continue
		}

		n, err := requeueScript.Run(ctx, q.rdb,
			[]string{q.keys.Processing, q.keys.Queue, q.keys.ClaimedAt}, raw).Int64()
		if err != nil {
			return moved, err
		}
		moved += n
	}
	return moved, nil
}

package taskqueue

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// It uses a single sorted set with key:
//
//	<prefix>tasks
//
// Members are gob-encoded Task structs scored by NotBefore in unix
// nanoseconds. A consumer claims a member by removing it; only the consumer
// whose ZREM removed it owns the task.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
	now          func() time.Time
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "conveyor:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "conveyor:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 20 * time.Millisecond,
		now:          time.Now,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.NotBefore.UnixNano()),
		Member: data,
	}).Err()
}

func (q *RedisQueue) TryDequeue(ctx context.Context) (*Task, error) {
	for {
		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(q.now().UnixNano(), 10),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, nil
		}

		removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			// Lost the race for this member; look again.
			continue
		}
		return DecodeTask([]byte(members[0]))
	}
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	return pollDequeue(ctx, q.pollInterval, nil, q.TryDequeue)
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		log.Printf("RedisQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}

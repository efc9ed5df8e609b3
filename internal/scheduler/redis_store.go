package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTimerStore keeps timers in a sorted set scored by due time.
type RedisTimerStore struct {
	client *redis.Client
	key    string
}

var _ TimerStore = (*RedisTimerStore)(nil)

// NewRedisTimerStore creates a timer store under <prefix>timers.
func NewRedisTimerStore(client *redis.Client, prefix string) *RedisTimerStore {
	if prefix == "" {
		prefix = "conveyor:"
	}
	return &RedisTimerStore{client: client, key: prefix + "timers"}
}

func (s *RedisTimerStore) SaveTimer(ctx context.Context, t Timer) error {
	return s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(t.DueAt.UnixNano()), Member: t.ID}).Err()
}

func (s *RedisTimerStore) Due(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.client.ZRangeByScoreWithScores(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixNano(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Timer, 0, len(res))
	for _, z := range res {
		id, _ := z.Member.(string)
		out = append(out, Timer{ID: id, DueAt: time.Unix(0, int64(z.Score))})
	}
	return out, nil
}

func (s *RedisTimerStore) DeleteTimer(ctx context.Context, id string) error {
	return s.client.ZRem(ctx, s.key, id).Err()
}

func (s *RedisTimerStore) Pending(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()
	return int(n), err
}

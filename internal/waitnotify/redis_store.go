package waitnotify

import (
	"context"
	"errors"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/conveyor/internal/persistence"
)

// RedisStore keeps waits and responses in Redis.
//
// Keys:
//
//	<prefix>wait:<id>        gob-encoded Wait
//	<prefix>wait:fired:<id>  set once with SETNX when the wait fires
//	<prefix>wait:cid:<cid>   set of wait ids waiting on cid
//	<prefix>resp:<cid>       response payload, written with SETNX
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed wait store.
// prefix is optional but recommended (e.g. "conveyor:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "conveyor:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyWait(id string) string      { return s.prefix + "wait:" + id }
func (s *RedisStore) keyFired(id string) string     { return s.prefix + "wait:fired:" + id }
func (s *RedisStore) keyWaiters(cid string) string  { return s.prefix + "wait:cid:" + cid }
func (s *RedisStore) keyResponse(cid string) string { return s.prefix + "resp:" + cid }

func (s *RedisStore) SaveWait(ctx context.Context, w *Wait) error {
	data, err := persistence.EncodeRecord(w)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.keyWait(w.ID), data, 0)
		for _, cid := range w.CorrelationIDs {
			p.SAdd(ctx, s.keyWaiters(cid), w.ID)
		}
		return nil
	})
	return err
}

func (s *RedisStore) GetWait(ctx context.Context, id string) (*Wait, error) {
	data, err := s.client.Get(ctx, s.keyWait(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrWaitNotFound
	}
	if err != nil {
		return nil, err
	}
	w, err := persistence.DecodeRecord[Wait](data)
	if err != nil {
		return nil, err
	}
	fired, err := s.client.Exists(ctx, s.keyFired(id)).Result()
	if err != nil {
		return nil, err
	}
	w.Fired = fired == 1
	return w, nil
}

func (s *RedisStore) WaitsFor(ctx context.Context, correlationID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keyWaiters(correlationID)).Result()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range members {
		fired, err := s.client.Exists(ctx, s.keyFired(id)).Result()
		if err != nil {
			return nil, err
		}
		if fired == 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *RedisStore) MarkFired(ctx context.Context, id string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.keyWait(id)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrWaitNotFound
	}
	return s.client.SetNX(ctx, s.keyFired(id), 1, 0).Result()
}

func (s *RedisStore) SaveResponse(ctx context.Context, correlationID string, payload []byte) (bool, error) {
	if payload == nil {
		payload = []byte{}
	}
	return s.client.SetNX(ctx, s.keyResponse(correlationID), payload, 0).Result()
}

func (s *RedisStore) Responses(ctx context.Context, correlationIDs []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(correlationIDs))
	if len(correlationIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(correlationIDs))
	for i, cid := range correlationIDs {
		keys[i] = s.keyResponse(cid)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[correlationIDs[i]] = []byte(str)
	}
	return out, nil
}

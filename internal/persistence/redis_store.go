package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/conveyor/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<uuid>            => gob-encoded instance
//	<prefix>idx:all                => SET of all instance uuids
//	<prefix>idx:exec:<execution>   => SET of instance uuids of a run
//	<prefix>int:<uuid>             => gob-encoded interrupt
//	<prefix>idx:int:<execution>    => SET of interrupt uuids of a run
//
// Conditional updates run under WATCH on the instance key, so a concurrent
// writer aborts the transaction and the instance is not counted.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "conveyor:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "conveyor:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) keyInstance(id string) string { return s.prefix + "inst:" + id }

func (s *RedisStore) keyAll() string { return s.prefix + "idx:all" }

func (s *RedisStore) keyExecution(id string) string { return s.prefix + "idx:exec:" + id }

func (s *RedisStore) keyInterrupt(id string) string { return s.prefix + "int:" + id }

func (s *RedisStore) keyExecutionInterrupts(id string) string { return s.prefix + "idx:int:" + id }

func (s *RedisStore) SaveInstance(ctx context.Context, inst *api.StateExecutionInstance) error {
	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, s.keyInstance(inst.UUID), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrInstanceExists
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), inst.UUID)
	pipe.SAdd(ctx, s.keyExecution(inst.ExecutionUUID), inst.UUID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetInstance(ctx context.Context, uuid string) (*api.StateExecutionInstance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(uuid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeInstance(data)
}

func (s *RedisStore) candidateIDs(ctx context.Context, filter InstanceFilter) ([]string, error) {
	if len(filter.UUIDs) > 0 {
		return filter.UUIDs, nil
	}
	key := s.keyAll()
	if filter.ExecutionUUID != "" {
		key = s.keyExecution(filter.ExecutionUUID)
	}
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return ids, nil
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.StateExecutionInstance, error) {
	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*api.StateExecutionInstance, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := DecodeInstance(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(inst) {
			out = append(out, inst)
		}
	}
	sortInstances(out)
	return out, nil
}

func (s *RedisStore) ConditionalUpdate(ctx context.Context, filter InstanceFilter, update InstanceUpdate) (int, error) {
	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		key := s.keyInstance(id)
		txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			inst, err := DecodeInstance(data)
			if err != nil {
				return err
			}
			if !filter.Matches(inst) {
				return errNoMatch
			}
			update.Apply(inst, s.now())
			next, err := EncodeInstance(inst)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)

		switch {
		case txErr == nil:
			n++
		case errors.Is(txErr, errNoMatch), errors.Is(txErr, redis.Nil), errors.Is(txErr, redis.TxFailedErr):
			// Filtered out, missing, or lost the race to another writer.
		default:
			return n, txErr
		}
	}
	return n, nil
}

var errNoMatch = errors.New("instance does not match filter")

func (s *RedisStore) SaveInterrupt(ctx context.Context, in *api.Interrupt) error {
	data, err := encodeInterrupt(in)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyInterrupt(in.UUID), data, 0)
	pipe.SAdd(ctx, s.keyExecutionInterrupts(in.ExecutionUUID), in.UUID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetInterrupt(ctx context.Context, uuid string) (*api.Interrupt, error) {
	data, err := s.client.Get(ctx, s.keyInterrupt(uuid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInterruptNotFound
		}
		return nil, err
	}
	return decodeInterrupt(data)
}

func (s *RedisStore) ListInterrupts(ctx context.Context, executionUUID string) ([]*api.Interrupt, error) {
	ids, err := s.client.SMembers(ctx, s.keyExecutionInterrupts(executionUUID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]*api.Interrupt, 0, len(ids))
	for _, id := range ids {
		in, err := s.GetInterrupt(ctx, id)
		if err != nil {
			if errors.Is(err, ErrInterruptNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, in)
	}
	sortInterrupts(out)
	return out, nil
}

func (s *RedisStore) MarkInterruptSeen(ctx context.Context, uuid string) error {
	key := s.keyInterrupt(uuid)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrInterruptNotFound
			}
			return err
		}
		in, err := decodeInterrupt(data)
		if err != nil {
			return err
		}
		in.Seen = true
		next, err := encodeInterrupt(in)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}, key)
}

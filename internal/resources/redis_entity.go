package resources

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/pkg/api"
)

// RedisEntityStore is a versioned key/value store in Redis.
//
//	<prefix>entity:<entity>:<key> => gob-encoded api.EntityValue
//	<prefix>entity-idx:<entity>   => ZSET (score 0) of keys
type RedisEntityStore struct {
	client *redis.Client
	prefix string
}

// NewRedisEntityStore creates a store. prefix defaults to "eventide:".
func NewRedisEntityStore(client *redis.Client, prefix string) *RedisEntityStore {
	if prefix == "" {
		prefix = "eventide:"
	}
	return &RedisEntityStore{client: client, prefix: prefix}
}

func (s *RedisEntityStore) keyEntry(entity, key string) string {
	return s.prefix + "entity:" + entity + ":" + key
}

func (s *RedisEntityStore) keyIndex(entity string) string {
	return s.prefix + "entity-idx:" + entity
}

func (s *RedisEntityStore) get(ctx context.Context, c redis.Cmdable, entity, key string) (api.EntityValue, bool, error) {
	data, err := c.Get(ctx, s.keyEntry(entity, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.EntityValue{}, false, nil
	}
	if err != nil {
		return api.EntityValue{}, false, err
	}
	v, err := persistence.DecodeValue[api.EntityValue](data)
	return v, err == nil, err
}

const maxEntityRetries = 10

func (s *RedisEntityStore) Execute(ctx context.Context, op api.EntityOperation) (any, error) {
	switch op.Op {
	case api.EntityGet:
		v, ok, err := s.get(ctx, s.client, op.Entity, op.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("entity %s/%s: %w", op.Entity, op.Key, ErrNotFound)
		}
		return v, nil

	case api.EntitySet, api.EntityDelete:
		return s.write(ctx, op)

	case api.EntityList:
		return s.list(ctx, op)
	}
	return nil, fmt.Errorf("entity op %q: %w", op.Op, ErrUnknownOperation)
}

// write applies a set or delete under WATCH so the version check and the
// write are atomic.
func (s *RedisEntityStore) write(ctx context.Context, op api.EntityOperation) (any, error) {
	key := s.keyEntry(op.Entity, op.Key)
	var result any
	txf := func(tx *redis.Tx) error {
		current, exists, err := s.get(ctx, tx, op.Entity, op.Key)
		if err != nil {
			return err
		}
		if err := checkVersion(op, current.Version, exists); err != nil {
			return err
		}

		if op.Op == api.EntityDelete {
			result = nil
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, s.keyIndex(op.Entity), op.Key)
				return nil
			})
			return err
		}

		next := api.EntityValue{Key: op.Key, Value: op.Value, Version: current.Version + 1}
		data, err := persistence.EncodeValue(next)
		if err != nil {
			return err
		}
		result = next
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.keyIndex(op.Entity), redis.Z{Member: op.Key})
			return nil
		})
		return err
	}

	for i := 0; i < maxEntityRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("entity %s/%s: %w", op.Entity, op.Key, ErrVersionConflict)
}

func (s *RedisEntityStore) list(ctx context.Context, op api.EntityOperation) (any, error) {
	limit := op.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	lo := "-"
	if op.Prefix != "" {
		lo = "[" + op.Prefix
	}
	if op.NextToken != "" && op.NextToken >= op.Prefix {
		lo = "(" + op.NextToken
	}
	hi := "+"
	if op.Prefix != "" {
		hi = "[" + op.Prefix + "\xff"
	}
	keys, err := s.client.ZRangeByLex(ctx, s.keyIndex(op.Entity), &redis.ZRangeBy{Min: lo, Max: hi, Count: int64(limit + 1)}).Result()
	if err != nil {
		return nil, err
	}

	values := make(map[string]api.EntityValue, len(keys))
	for _, k := range keys {
		v, ok, err := s.get(ctx, s.client, op.Entity, k)
		if err != nil {
			return nil, err
		}
		if ok {
			values[k] = v
		}
	}
	return listPage(keys, limit, func(k string) api.EntityValue { return values[k] }), nil
}

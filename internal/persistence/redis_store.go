package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/eventide/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>exec:<id>                => gob-encoded api.Execution
//	<prefix>idx:all                  => ZSET (score 0) of all execution ids
//	<prefix>idx:wf:<workflow>        => ZSET (score 0) of ids for a workflow
//	<prefix>history:<id>             => LIST of gob-encoded events
//	<prefix>claim:<id>:<seq>:<retry> => claim marker
//	<prefix>lease:<id>               => lease owner, with a TTL
//
// Listing pages through the lexicographically ordered index sets.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "eventide:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "eventide:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyExecution(id string) string  { return r.prefix + "exec:" + id }
func (r *RedisStore) keyAll() string                 { return r.prefix + "idx:all" }
func (r *RedisStore) keyWorkflow(name string) string { return r.prefix + "idx:wf:" + name }
func (r *RedisStore) keyHistory(id string) string    { return r.prefix + "history:" + id }
func (r *RedisStore) keyLease(id string) string      { return r.prefix + "lease:" + id }

func (r *RedisStore) keyClaim(id string, seq, retry int) string {
	return fmt.Sprintf("%sclaim:%s:%d:%d", r.prefix, id, seq, retry)
}

func (r *RedisStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := EncodeExecution(exec)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.keyExecution(exec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExecutionAlreadyExists
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.keyAll(), redis.Z{Member: exec.ID})
	pipe.ZAdd(ctx, r.keyWorkflow(exec.WorkflowName), redis.Z{Member: exec.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	data, err := r.client.Get(ctx, r.keyExecution(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return DecodeExecution(data)
}

const maxStatusRetries = 10

func (r *RedisStore) UpdateStatus(ctx context.Context, t StatusTransition) error {
	key := r.keyExecution(t.ExecutionID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrExecutionNotFound
		}
		if err != nil {
			return err
		}
		exec, err := DecodeExecution(data)
		if err != nil {
			return err
		}
		switch exec.Status {
		case t.From:
		case t.To:
			return nil
		default:
			return ErrStatusConflict
		}

		exec.Status = t.To
		exec.EndTime = t.EndTime
		exec.Result = t.Result
		exec.Error = t.Error
		exec.Message = t.Message
		updated, err := EncodeExecution(exec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxStatusRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update status of %s: %w", t.ExecutionID, redis.TxFailedErr)
}

func (r *RedisStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) (api.ExecutionPage, error) {
	index := r.keyAll()
	if filter.WorkflowName != "" {
		index = r.keyWorkflow(filter.WorkflowName)
	}
	limit := pageSize(filter)

	var page api.ExecutionPage
	cursor := filter.NextToken
	for len(page.Executions) <= limit {
		lo := "-"
		if cursor != "" {
			lo = "(" + cursor
		}
		ids, err := r.client.ZRangeByLex(ctx, index, &redis.ZRangeBy{Min: lo, Max: "+", Count: int64(limit + 1)}).Result()
		if err != nil {
			return api.ExecutionPage{}, err
		}
		if len(ids) == 0 {
			break
		}

		pipe := r.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, r.keyExecution(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return api.ExecutionPage{}, err
		}

		for _, cmd := range cmds {
			data, err := cmd.Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return api.ExecutionPage{}, err
			}
			exec, err := DecodeExecution(data)
			if err != nil {
				return api.ExecutionPage{}, err
			}
			if filter.Matches(exec) {
				page.Executions = append(page.Executions, exec)
			}
		}
		cursor = ids[len(ids)-1]
		if len(ids) <= limit {
			break
		}
	}

	if len(page.Executions) > limit {
		page.Executions = page.Executions[:limit]
		page.NextToken = page.Executions[limit-1].ID
	}
	return page, nil
}

var (
	// Lua script for acquiring a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquireLua = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur or cur == owner then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
return 0
`)

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

if redis.call('GET', key) == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Lua script for releasing a lease. Returns 1 if released or absent, 0
	// if another owner holds it.
	redisLeaseReleaseLua = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 1
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`)
)

func (r *RedisStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	n, err := redisLeaseAcquireLua.Run(ctx, r.client, []string{r.keyLease(executionID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	n, err := redisLeaseRenewLua.Run(ctx, r.client, []string{r.keyLease(executionID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseHeld
	}
	return nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	n, err := redisLeaseReleaseLua.Run(ctx, r.client, []string{r.keyLease(executionID)}, owner).Int()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseHeld
	}
	return nil
}

func (r *RedisStore) GetEvents(ctx context.Context, executionID string) ([]api.WorkflowEvent, error) {
	items, err := r.client.LRange(ctx, r.keyHistory(executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.WorkflowEvent, 0, len(items))
	for _, item := range items {
		e, err := DecodeEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) AppendEvents(ctx context.Context, executionID string, events []api.WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}
	values := make([]any, len(events))
	for i, e := range events {
		data, err := EncodeEvent(e)
		if err != nil {
			return err
		}
		values[i] = data
	}
	return r.client.RPush(ctx, r.keyHistory(executionID), values...).Err()
}

func (r *RedisStore) ClaimTask(ctx context.Context, executionID string, seq, retry int) (bool, error) {
	return r.client.SetNX(ctx, r.keyClaim(executionID, seq, retry), time.Now().UnixNano(), 0).Result()
}

package timerqueue

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a delayed queue backed by Redis.
//
//	<prefix>due     => ZSET of item ids scored by NotBefore (unix ms)
//	<prefix>items   => HASH of item id to encoded item
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a RedisQueue. prefix defaults to "eventide:timers:".
func NewRedisQueue(client *redis.Client, prefix string, pollInterval time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "eventide:timers:"
	}
	return &RedisQueue{client: client, prefix: prefix, pollInterval: pollInterval}
}

func (q *RedisQueue) keyDue() string   { return q.prefix + "due" }
func (q *RedisQueue) keyItems() string { return q.prefix + "items" }

// redisPopDueLua removes and returns the earliest item scored at or before
// ARGV[1], or nil.
var redisPopDueLua = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local data = redis.call('HGET', KEYS[2], id)
redis.call('HDEL', KEYS[2], id)
return data
`)

func (q *RedisQueue) Enqueue(ctx context.Context, item Item) error {
	item = prepare(item)
	data, err := encodeItem(item)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keyItems(), item.ID, data)
	pipe.ZAdd(ctx, q.keyDue(), redis.Z{Score: float64(item.NotBefore.UnixMilli()), Member: item.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Item, error) {
	p := newPoller(q.pollInterval)
	defer p.stop()

	keys := []string{q.keyDue(), q.keyItems()}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		data, err := redisPopDueLua.Run(ctx, q.client, keys, now).Text()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return nil, err
		case data != "":
			return decodeItem([]byte(data))
		}
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (q *RedisQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.client.ZCard(ctx, q.keyDue()).Result()
	if err != nil {
		log.Printf("RedisQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}
